// ABOUTME: Node lock manager keyed by node identifier
// ABOUTME: Deep and shallow, session-scoped and open-scoped token locks

package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/errs"
)

// Lock is a held lock. Token is the secret a session presents to write
// under the lock.
type Lock struct {
	NodeID        string
	Owner         string
	Token         string
	Session       string
	Deep          bool
	SessionScoped bool
	Created       time.Time
}

// Request asks for a lock on NodeID. Ancestors lists the identifiers of
// the node's ancestors, nearest first; Descendants is consulted for deep
// locks.
type Request struct {
	NodeID        string
	Ancestors     []string
	Descendants   []string
	Owner         string
	Session       string
	Deep          bool
	SessionScoped bool
}

// Manager tracks the locks of one workspace. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	locks   map[string]*Lock
	metrics *metrics.Metrics
}

// NewManager returns an empty lock manager
func NewManager(m *metrics.Metrics) *Manager {
	return &Manager{locks: make(map[string]*Lock), metrics: m}
}

// Acquire places a lock. It fails with LockConflict when the node, a deep
// locked ancestor, or (for deep locks) a descendant is already locked.
func (m *Manager) Acquire(req Request) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.locks[req.NodeID]; ok {
		return nil, errs.New(errs.KindLockConflict, "lock", req.NodeID, "node is already locked")
	}
	for _, id := range req.Ancestors {
		if l, ok := m.locks[id]; ok && l.Deep {
			return nil, errs.New(errs.KindLockConflict, "lock", req.NodeID, "ancestor %s holds a deep lock", id)
		}
	}
	if req.Deep {
		for _, id := range req.Descendants {
			if _, ok := m.locks[id]; ok {
				return nil, errs.New(errs.KindLockConflict, "lock", req.NodeID, "descendant %s is locked", id)
			}
		}
	}

	l := &Lock{
		NodeID:        req.NodeID,
		Owner:         req.Owner,
		Token:         uuid.NewString(),
		Session:       req.Session,
		Deep:          req.Deep,
		SessionScoped: req.SessionScoped,
		Created:       time.Now(),
	}
	m.locks[req.NodeID] = l
	m.metrics.SetLocksHeld(len(m.locks))
	copied := *l
	return &copied, nil
}

// Release removes the lock on nodeID. The caller must present its token.
func (m *Manager) Release(nodeID string, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[nodeID]
	if !ok {
		return errs.New(errs.KindNotFound, "unlock", nodeID, "node is not locked")
	}
	if !holds(l, tokens) {
		return errs.New(errs.KindLockConflict, "unlock", nodeID, "lock token not held")
	}
	delete(m.locks, nodeID)
	m.metrics.SetLocksHeld(len(m.locks))
	return nil
}

// ReleaseSession removes every session-scoped lock of session and returns
// the unlocked node identifiers
func (m *Manager) ReleaseSession(session string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, l := range m.locks {
		if l.SessionScoped && l.Session == session {
			delete(m.locks, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	m.metrics.SetLocksHeld(len(m.locks))
	return ids
}

// Applicable returns the lock governing a node: its own lock or the
// nearest deep lock of an ancestor. ids starts with the node itself,
// followed by its ancestors nearest first.
func (m *Manager) Applicable(ids []string) (*Lock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applicable(ids)
}

func (m *Manager) applicable(ids []string) (*Lock, bool) {
	for i, id := range ids {
		if l, ok := m.locks[id]; ok && (i == 0 || l.Deep) {
			copied := *l
			return &copied, true
		}
	}
	return nil, false
}

// CheckWrite fails with LockConflict when a lock governs the node and none
// of tokens is its token. ids is as for Applicable.
func (m *Manager) CheckWrite(ids []string, tokens []string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.applicable(ids)
	if !ok || holds(l, tokens) {
		return nil
	}
	subject := ""
	if len(ids) > 0 {
		subject = ids[0]
	}
	return errs.New(errs.KindLockConflict, "write", subject, "locked by %s", l.Owner)
}

// Len returns the number of held locks
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks)
}

func holds(l *Lock, tokens []string) bool {
	for _, t := range tokens {
		if t == l.Token {
			return true
		}
	}
	return false
}
