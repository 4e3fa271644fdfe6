// ABOUTME: Version graph manager keeping one history per versionable node
// ABOUTME: Histories are persisted next to the trees and swapped in on commit

package version

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// Manager maintains the version histories of an engine. Installed
// histories are immutable; every change installs a modified copy.
type Manager struct {
	engine  *tree.Engine
	log     *logger.Logger
	metrics *metrics.Metrics

	// opMu serialises graph transitions so a history copy is never
	// computed from a stale original
	opMu sync.Mutex

	mu        sync.RWMutex
	histories map[string]*History // history id -> history
	byNode    map[string]string   // versionable id -> history id
	versions  map[string]string   // version id -> history id
}

// New creates a manager and registers it with e as commit hook and as
// resolver for version and history identifiers
func New(e *tree.Engine) *Manager {
	m := &Manager{
		engine:    e,
		log:       e.Logger().Component("version"),
		metrics:   e.Metrics(),
		histories: make(map[string]*History),
		byNode:    make(map[string]string),
		versions:  make(map[string]string),
	}
	e.AddHook(m)
	e.SetExternalResolver(m)
	return m
}

// Load restores the histories persisted in img
func (m *Manager) Load(img *storage.Image) error {
	for key, data := range img.Bucket(storage.BucketVersions) {
		h, err := decodeHistory(data)
		if err != nil {
			return fmt.Errorf("version history %s: %w", key, err)
		}
		if err := h.check(); err != nil {
			return err
		}
		m.install(h)
	}
	m.log.Debug("version histories loaded").Int("count", len(m.histories)).Send()
	return nil
}

func (m *Manager) install(h *History) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.histories[h.ID]; ok {
		for _, v := range old.Versions {
			delete(m.versions, v.ID)
		}
	}
	m.histories[h.ID] = h
	m.byNode[h.VersionableID] = h.ID
	for _, v := range h.Versions {
		m.versions[v.ID] = h.ID
	}
}

// Exists reports whether id names a known history or version
func (m *Manager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.histories[id]; ok {
		return true
	}
	_, ok := m.versions[id]
	return ok
}

// Prepare gives every versionable node of tx a history. A node that was
// versionable before keeps the history of its identifier.
func (m *Manager) Prepare(tx *tree.Txn) error {
	for _, id := range tx.Changed() {
		eff, err := tx.Effective(id)
		if err != nil || !eff.IsNodeType(nodetype.MixVersionable) {
			continue
		}
		n, err := tx.Get(id)
		if err != nil {
			return err
		}
		var hid string
		if p, ok := n.Property(nodetype.JcrVersionHistory); ok {
			hid = p.Value().String()
		} else {
			m.mu.RLock()
			hid = m.byNode[id]
			m.mu.RUnlock()
			if hid == "" {
				hid = uuid.NewString()
			}
			err := tx.AsSystem(func() error {
				return tx.SetPropertyAs(id, nodetype.JcrVersionHistory, value.Reference, false, value.NewReference(hid))
			})
			if err != nil {
				return err
			}
		}
		if _, err := m.historyByID(hid); err == nil {
			continue
		}
		if err := m.stage(tx, newHistory(hid, id, tx.Workspace())); err != nil {
			return err
		}
		m.log.Debug("version history created").Str("history", hid).Str("node", n.Path).Send()
	}
	return nil
}

// stage persists h with tx and installs it once tx commits
func (m *Manager) stage(tx *tree.Txn, h *History) error {
	if err := h.check(); err != nil {
		return errs.Wrap(errs.KindVersionConflict, "version", h.ID, err)
	}
	data, err := encodeHistory(h)
	if err != nil {
		return err
	}
	tx.PutRecord(storage.BucketVersions, h.ID, data)
	tx.AddExternalID(h.ID)
	for _, v := range h.Versions {
		tx.AddExternalID(v.ID)
	}
	tx.OnCommit(func(uint64) { m.install(h) })
	return nil
}

// commitHistory persists a history change that touches no workspace node.
// veto runs under the commit mutex.
func (m *Manager) commitHistory(ctx context.Context, h *History, veto func() error) error {
	if err := h.check(); err != nil {
		return errs.Wrap(errs.KindVersionConflict, "version", h.ID, err)
	}
	data, err := encodeHistory(h)
	if err != nil {
		return err
	}
	return m.engine.CommitRecords(ctx, func(b *storage.Batch) error {
		if veto != nil {
			if err := veto(); err != nil {
				return err
			}
		}
		b.Put(storage.BucketVersions, h.ID, data)
		return nil
	}, func(uint64) { m.install(h) })
}

func (m *Manager) historyByID(id string) (*History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.histories[id]
	if !ok {
		return nil, errs.NotFound("versionHistory", id)
	}
	return h, nil
}

// History returns the version history of a versionable identifier. The
// result is shared and must not be modified.
func (m *Manager) History(nodeID string) (*History, error) {
	m.mu.RLock()
	hid, ok := m.byNode[nodeID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("versionHistory", nodeID)
	}
	return m.historyByID(hid)
}

// HistoryByID returns a history by its own identifier
func (m *Manager) HistoryByID(id string) (*History, error) {
	return m.historyByID(id)
}

// Histories returns the identifiers of all histories, sorted
func (m *Manager) Histories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.histories))
	for id := range m.histories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Version returns a version by identifier
func (m *Manager) Version(id string) (*Version, error) {
	m.mu.RLock()
	hid, ok := m.versions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("version", id)
	}
	h, err := m.historyByID(hid)
	if err != nil {
		return nil, err
	}
	v, ok := h.Version(id)
	if !ok {
		return nil, errs.NotFound("version", id)
	}
	return v, nil
}

// AllVersions returns the versions of a history in creation order
func (m *Manager) AllVersions(historyID string) ([]*Version, error) {
	h, err := m.historyByID(historyID)
	if err != nil {
		return nil, err
	}
	return append([]*Version(nil), h.Versions...), nil
}

// VersionAsOf returns the newest version created at or before t
func (m *Manager) VersionAsOf(historyID string, t time.Time) (*Version, error) {
	m.metrics.RecordTemporalLookup()
	h, err := m.historyByID(historyID)
	if err != nil {
		return nil, err
	}
	var found *Version
	for _, v := range h.Versions {
		if v.Created.After(t) {
			continue
		}
		if found == nil || !v.Created.Before(found.Created) {
			found = v
		}
	}
	if found == nil {
		return nil, errs.NotFound("versionAsOf", fmt.Sprintf("%s@%s", historyID, t.Format(time.RFC3339)))
	}
	return found, nil
}

// VersionByLabel returns the version carrying label
func (m *Manager) VersionByLabel(historyID, label string) (*Version, error) {
	h, err := m.historyByID(historyID)
	if err != nil {
		return nil, err
	}
	id, ok := h.Labels[label]
	if !ok {
		return nil, errs.NotFound("versionByLabel", label)
	}
	v, _ := h.Version(id)
	return v, nil
}

// Find resolves a query to one version. Name wins over Label, which wins
// over AsOf; an empty query returns the newest version.
func (m *Manager) Find(q Query) (*Version, error) {
	h, err := m.historyByID(q.HistoryID)
	if err != nil {
		return nil, err
	}
	switch {
	case q.Name != nil:
		v, ok := h.VersionByName(*q.Name)
		if !ok {
			return nil, errs.NotFound("version", *q.Name)
		}
		return v, nil
	case q.Label != nil:
		return m.VersionByLabel(q.HistoryID, *q.Label)
	case q.AsOf != nil:
		return m.VersionAsOf(q.HistoryID, *q.AsOf)
	}
	if len(h.Versions) == 0 {
		return nil, errs.NotFound("version", q.HistoryID)
	}
	return h.Versions[len(h.Versions)-1], nil
}

// AddVersionLabel attaches label to the named version. A label held by
// another version moves only when move is set.
func (m *Manager) AddVersionLabel(ctx context.Context, historyID, versionName, label string, move bool) error {
	const op = "addVersionLabel"
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := func() error {
		if err := value.ValidateName(label); err != nil {
			return errs.New(errs.KindValueFormat, op, label, "%v", err)
		}
		h, err := m.historyByID(historyID)
		if err != nil {
			return err
		}
		v, ok := h.VersionByName(versionName)
		if !ok {
			return errs.NotFound(op, versionName)
		}
		if cur, ok := h.Labels[label]; ok {
			if cur == v.ID {
				return nil
			}
			if !move {
				return errs.VersionConflict(op, label, "label is already on another version")
			}
		}
		next := h.clone()
		next.Labels[label] = v.ID
		return m.commitHistory(ctx, next, nil)
	}()
	m.metrics.RecordVersionOperation("addVersionLabel", err)
	return err
}

// RemoveVersionLabel detaches label from its version
func (m *Manager) RemoveVersionLabel(ctx context.Context, historyID, label string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := func() error {
		h, err := m.historyByID(historyID)
		if err != nil {
			return err
		}
		if _, ok := h.Labels[label]; !ok {
			return errs.NotFound("removeVersionLabel", label)
		}
		next := h.clone()
		delete(next.Labels, label)
		return m.commitHistory(ctx, next, nil)
	}()
	m.metrics.RecordVersionOperation("removeVersionLabel", err)
	return err
}

// RemoveVersion excises the named version from its history and links its
// predecessors directly to its successors. The root version and versions
// still referenced from any workspace cannot be removed.
func (m *Manager) RemoveVersion(ctx context.Context, historyID, versionName string) error {
	const op = "removeVersion"
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := func() error {
		h, err := m.historyByID(historyID)
		if err != nil {
			return err
		}
		v, ok := h.VersionByName(versionName)
		if !ok {
			return errs.NotFound(op, versionName)
		}
		next := h.clone()
		if err := next.removeVersion(v.ID); err != nil {
			return err
		}
		return m.commitHistory(ctx, next, func() error {
			for _, ws := range m.engine.WorkspaceNames() {
				s, err := m.engine.Workspace(ws)
				if err != nil {
					continue
				}
				if refs := s.References(v.ID); len(refs) > 0 {
					return errs.New(errs.KindReferentialIntegrity, op, versionName,
						"version is referenced by %s in workspace %s", refs[0].Property, ws)
				}
			}
			return nil
		})
	}()
	m.metrics.RecordVersionOperation(op, err)
	if err == nil {
		m.log.Info("version removed").Str("history", historyID).Str("version", versionName).Send()
	}
	return err
}
