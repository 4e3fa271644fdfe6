// ABOUTME: Session locking on mix:lockable nodes
// ABOUTME: Lock state lives in the workspace lock manager and is mirrored in jcr:lockOwner

package repository

import (
	"context"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/lock"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// Lock locks the node at path for this session and adds the new token to
// the session. The node must be mix:lockable and saved.
func (s *Session) Lock(ctx context.Context, path string, deep, sessionScoped bool) (*lock.Lock, error) {
	opts, err := s.immediate("lock")
	if err != nil {
		return nil, err
	}
	lm := s.repo.lockManager(s.workspace)

	var held *lock.Lock
	err = s.store.Update(ctx, opts, func(tx *tree.Txn) error {
		n, err := tx.GetByPath(path)
		if err != nil {
			return err
		}
		eff, err := tx.Effective(n.ID)
		if err != nil {
			return err
		}
		if !eff.IsNodeType(nodetype.MixLockable) {
			return errs.New(errs.KindUnsupported, "lock", path, "node is not %s", nodetype.MixLockable)
		}
		var ancestors []string
		for cur := n; !cur.IsRoot(); {
			parent, err := tx.Get(cur.ParentID)
			if err != nil {
				return err
			}
			ancestors = append(ancestors, parent.ID)
			cur = parent
		}
		var descendants []string
		if deep {
			descendants = tx.Subtree(n.ID)[1:]
		}
		held, err = lm.Acquire(lock.Request{
			NodeID:        n.ID,
			Ancestors:     ancestors,
			Descendants:   descendants,
			Owner:         s.userID,
			Session:       s.id,
			Deep:          deep,
			SessionScoped: sessionScoped,
		})
		if err != nil {
			return err
		}
		return tx.AsSystem(func() error {
			if err := tx.SetProperty(n.ID, nodetype.JcrLockOwner, value.NewString(s.userID)); err != nil {
				return err
			}
			return tx.SetProperty(n.ID, nodetype.JcrLockIsDeep, value.NewBoolean(deep))
		})
	})
	if err != nil {
		if held != nil {
			_ = lm.Release(held.NodeID, []string{held.Token})
		}
		return nil, err
	}

	s.mu.Lock()
	s.tokens = append(s.tokens, held.Token)
	s.mu.Unlock()
	s.repo.log.Info("node locked").
		Str("path", path).
		Str("owner", s.userID).
		Bool("deep", deep).
		Bool("session_scoped", sessionScoped).
		Send()
	return held, nil
}

// Unlock releases the lock held on the node at path. The session must hold
// the lock token.
func (s *Session) Unlock(ctx context.Context, path string) error {
	opts, err := s.immediate("unlock")
	if err != nil {
		return err
	}
	n, err := s.store.GetByPath(path)
	if err != nil {
		return err
	}
	lm := s.repo.lockManager(s.workspace)
	l, ok := lm.Applicable([]string{n.ID})
	if !ok {
		return errs.New(errs.KindInvalidState, "unlock", path, "node is not locked")
	}
	if err := lm.Release(n.ID, opts.LockTokens); err != nil {
		return err
	}
	s.RemoveLockToken(l.Token)
	return s.clearLockProperties(ctx, []string{n.ID})
}

// clearLockProperties drops the lock mirror properties of ids that still
// exist
func (s *Session) clearLockProperties(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	opts := tree.Options{UserID: s.userID, Session: s.id, System: true}
	return s.store.Update(ctx, opts, func(tx *tree.Txn) error {
		for _, id := range ids {
			n, err := tx.Get(id)
			if err != nil {
				continue
			}
			for _, name := range []string{nodetype.JcrLockOwner, nodetype.JcrLockIsDeep} {
				if !n.HasProperty(name) {
					continue
				}
				if err := tx.RemoveProperty(id, name); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetLock returns the lock governing the node at path, its own or a deep
// lock of an ancestor
func (s *Session) GetLock(path string) (*lock.Lock, error) {
	n, err := s.store.GetByPath(path)
	if err != nil {
		return nil, err
	}
	ids := []string{n.ID}
	for cur := n; !cur.IsRoot(); {
		parent, err := s.store.GetByIdentifier(cur.ParentID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, parent.ID)
		cur = parent
	}
	l, ok := s.repo.lockManager(s.workspace).Applicable(ids)
	if !ok {
		return nil, errs.NotFound("getLock", path)
	}
	return l, nil
}

// IsLocked reports whether a lock governs the node at path
func (s *Session) IsLocked(path string) bool {
	_, err := s.GetLock(path)
	return err == nil
}

// LockTokens returns the tokens the session holds
func (s *Session) LockTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// AddLockToken lets the session write under the lock identified by token
func (s *Session) AddLockToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t == token {
			return
		}
	}
	s.tokens = append(s.tokens, token)
	s.dropIdleTxn()
}

// RemoveLockToken stops the session from presenting token
func (s *Session) RemoveLockToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tokens {
		if t == token {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			break
		}
	}
	s.dropIdleTxn()
}

// dropIdleTxn discards a pending transaction without changes so the next
// write begins with the current tokens. The caller holds s.mu.
func (s *Session) dropIdleTxn() {
	if s.tx != nil && !s.tx.HasChanges() {
		s.tx.Rollback()
		s.tx = nil
	}
}

// releaseSessionLocks drops the session-scoped locks of a closing session
func (s *Session) releaseSessionLocks() {
	ids := s.repo.lockManager(s.workspace).ReleaseSession(s.id)
	if len(ids) == 0 {
		return
	}
	if err := s.clearLockProperties(context.Background(), ids); err != nil {
		s.repo.log.Warn("clear lock properties").Err(err).Strs("nodes", ids).Send()
	}
}
