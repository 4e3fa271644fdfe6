package version

import (
	"context"

	"github.com/nainya/contentstore/pkg/constraint"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// Restore puts the versionable node of a version back into the state the
// version captured. See RestoreAll for the rules.
func (m *Manager) Restore(ctx context.Context, s *tree.Store, opts tree.Options, versionID string, removeExisting bool) error {
	return m.RestoreAll(ctx, s, opts, []string{versionID}, removeExisting)
}

// RestoreByLabel restores the version of nodeID's history carrying label
func (m *Manager) RestoreByLabel(ctx context.Context, s *tree.Store, opts tree.Options, nodeID, label string, removeExisting bool) error {
	h, err := m.History(nodeID)
	if err != nil {
		return err
	}
	v, err := m.VersionByLabel(h.ID, label)
	if err != nil {
		return err
	}
	return m.Restore(ctx, s, opts, v.ID, removeExisting)
}

// RestoreAll restores a batch of versions in one commit. Root versions are
// refused; at least one version must belong to an existing node; a version
// of a missing node needs the version of its parent in the batch. A node
// outside the restored subtrees holding an incoming identifier is removed
// when removeExisting is set, otherwise nothing is restored.
func (m *Manager) RestoreAll(ctx context.Context, s *tree.Store, opts tree.Options, versionIDs []string, removeExisting bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := s.Update(ctx, opts, func(tx *tree.Txn) error {
		return m.restoreBatch(ctx, tx, versionIDs, removeExisting)
	})
	m.metrics.RecordVersionOperation("restore", err)
	if err == nil {
		m.log.Info("versions restored").Str("workspace", s.Name()).Int("count", len(versionIDs)).Send()
	}
	return err
}

type restoreItem struct {
	h *History
	v *Version
}

func (m *Manager) restoreBatch(ctx context.Context, tx *tree.Txn, versionIDs []string, removeExisting bool) error {
	const op = "restore"
	if len(versionIDs) == 0 {
		return nil
	}
	items := make([]restoreItem, 0, len(versionIDs))
	histories := make(map[string]bool, len(versionIDs))
	nodes := make(map[string]bool, len(versionIDs))
	for _, id := range versionIDs {
		v, err := m.Version(id)
		if err != nil {
			return err
		}
		h, err := m.historyByID(v.HistoryID)
		if err != nil {
			return err
		}
		if v.ID == h.RootVersion {
			return errs.VersionConflict(op, v.Name, "the root version cannot be restored")
		}
		if histories[h.ID] {
			return errs.VersionConflict(op, v.Name, "batch holds two versions of history %s", h.ID)
		}
		histories[h.ID] = true
		nodes[h.VersionableID] = true
		items = append(items, restoreItem{h: h, v: v})
	}

	existing := 0
	for _, it := range items {
		if tx.Exists(it.h.VersionableID) {
			existing++
			continue
		}
		if !nodes[it.v.Frozen.ParentID] {
			return errs.VersionConflict(op, it.v.Name, "node %s is missing and its parent version is not restored with it", it.h.VersionableID)
		}
	}
	if existing == 0 {
		return errs.VersionConflict(op, items[0].v.Name, "no version of the batch belongs to an existing node")
	}

	// parents first: a missing node is restored once its parent exists
	done := make([]bool, len(items))
	for left := len(items); left > 0; {
		progress := false
		for i, it := range items {
			if done[i] {
				continue
			}
			if !tx.Exists(it.h.VersionableID) && !tx.Exists(it.v.Frozen.ParentID) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.restoreInto(tx, it.h, it.v, removeExisting); err != nil {
				return err
			}
			done[i] = true
			left--
			progress = true
		}
		if !progress {
			return errs.VersionConflict(op, items[0].v.Name, "batch parents form a cycle")
		}
	}
	return nil
}

// restoreInto replaces the node of h with the state captured by v and
// leaves it checked in with v as base version
func (m *Manager) restoreInto(tx *tree.Txn, h *History, v *Version, removeExisting bool) error {
	const op = "restore"
	f := v.Frozen
	nodeID := h.VersionableID
	if tx.Exists(nodeID) {
		if err := tx.CheckLock(nodeID); err != nil {
			return err
		}
	} else if err := tx.CheckLock(f.ParentID); err != nil {
		return err
	}

	return tx.AsSystem(func() error {
		if !tx.Exists(nodeID) {
			if _, err := tx.AddNodeSpec(f.ParentID, tree.NodeSpec{
				Name: f.Name, PrimaryType: f.PrimaryType, ID: nodeID, Mixins: f.Mixins, Bare: true,
			}); err != nil {
				return err
			}
		}

		affected := make(map[string]bool)
		for _, id := range tx.Subtree(nodeID) {
			affected[id] = true
		}
		for _, id := range frozenIDs(f, nil) {
			if id == nodeID || affected[id] || !tx.Exists(id) {
				continue
			}
			if !removeExisting {
				return errs.New(errs.KindIdentityCollision, op, id, "identifier is in use outside the restored subtree")
			}
			if err := tx.Remove(id); err != nil {
				return err
			}
		}

		if err := restoreTypes(tx, nodeID, f); err != nil {
			return err
		}
		if err := restoreProperties(tx, nodeID, f, true); err != nil {
			return err
		}
		if err := restoreChildren(tx, nodeID, f); err != nil {
			return err
		}

		n, err := tx.Get(nodeID)
		if err != nil {
			return err
		}
		if err := tx.SetPropertyAs(nodeID, nodetype.JcrVersionHistory, value.Reference, false, value.NewReference(h.ID)); err != nil {
			return err
		}
		if err := tx.SetPropertyAs(nodeID, nodetype.JcrIsCheckedOut, value.Boolean, false, value.NewBoolean(false)); err != nil {
			return err
		}
		if err := tx.SetPropertyAs(nodeID, nodetype.JcrBaseVersion, value.Reference, false, value.NewReference(v.ID)); err != nil {
			return err
		}
		for _, name := range []string{nodetype.JcrPredecessors, nodetype.JcrMergeFailed} {
			if n.HasProperty(name) {
				if err := tx.RemoveProperty(nodeID, name); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// frozenIDs lists the identifiers a frozen tree brings back, versionable
// children excluded
func frozenIDs(f *FrozenNode, out []string) []string {
	out = append(out, f.ID)
	for _, c := range f.Children {
		if c.ChildHistory == "" {
			out = frozenIDs(c, out)
		}
	}
	return out
}

func restoreTypes(tx *tree.Txn, id string, f *FrozenNode) error {
	n, err := tx.Get(id)
	if err != nil {
		return err
	}
	if f.PrimaryType != "" && n.PrimaryType != f.PrimaryType {
		if err := tx.SetPrimaryType(id, f.PrimaryType); err != nil {
			return err
		}
	}
	for _, mx := range f.Mixins {
		if !contains(n.Mixins, mx) {
			if err := tx.AddMixin(id, mx); err != nil {
				return err
			}
		}
	}
	for _, mx := range n.Mixins {
		if contains(f.Mixins, mx) || mx == nodetype.MixVersionable || mx == nodetype.MixLockable {
			continue
		}
		if err := tx.RemoveMixin(id, mx); err != nil {
			return err
		}
	}
	return nil
}

// restoreProperties makes the properties of id match f. With keepUncaptured
// set, properties whose on-parent-version action kept them out of the
// version stay as they are.
func restoreProperties(tx *tree.Txn, id string, f *FrozenNode, keepUncaptured bool) error {
	n, err := tx.Get(id)
	if err != nil {
		return err
	}
	eff, err := tx.Effective(id)
	if err != nil {
		return err
	}
	for _, p := range n.Properties() {
		if skipFrozen[p.Name] || versioningProps[p.Name] {
			continue
		}
		if _, ok := f.Property(p.Name); ok {
			continue
		}
		if keepUncaptured {
			switch constraint.PropertyAction(eff, constraint.PropertyState{Name: p.Name, Type: p.Type, Multiple: p.Multiple}) {
			case nodetype.OPVIgnore, nodetype.OPVCompute:
				continue
			}
		}
		if err := tx.RemoveProperty(id, p.Name); err != nil {
			return err
		}
	}
	for _, p := range f.Properties {
		if err := tx.SetPropertyAs(id, p.Name, p.Type, p.Multiple, p.Values...); err != nil {
			return err
		}
	}
	return nil
}

// restoreChildren replaces the captured children of id. Versionable
// children and children kept out of the version stay in place.
func restoreChildren(tx *tree.Txn, id string, f *FrozenNode) error {
	n, err := tx.Get(id)
	if err != nil {
		return err
	}
	eff, err := tx.Effective(id)
	if err != nil {
		return err
	}
	for _, c := range n.Children {
		child, err := tx.Get(c.ID)
		if err != nil {
			continue
		}
		switch constraint.ChildAction(eff, constraint.ChildState{Name: c.Name, PrimaryType: child.PrimaryType}) {
		case nodetype.OPVIgnore, nodetype.OPVCompute, nodetype.OPVInitialize:
			continue
		case nodetype.OPVVersion:
			if child.HasProperty(nodetype.JcrVersionHistory) {
				continue
			}
		}
		if err := tx.Remove(c.ID); err != nil {
			return err
		}
	}
	for _, fc := range f.Children {
		if fc.ChildHistory != "" {
			continue
		}
		if err := restoreCopy(tx, id, fc); err != nil {
			return err
		}
	}
	return nil
}

func restoreCopy(tx *tree.Txn, parentID string, f *FrozenNode) error {
	if _, err := tx.AddNodeSpec(parentID, tree.NodeSpec{
		Name: f.Name, PrimaryType: f.PrimaryType, ID: f.ID, Mixins: f.Mixins, Bare: true,
	}); err != nil {
		return err
	}
	if err := restoreProperties(tx, f.ID, f, false); err != nil {
		return err
	}
	for _, c := range f.Children {
		if err := restoreCopy(tx, f.ID, c); err != nil {
			return err
		}
	}
	return nil
}

// Merge compares every versionable node below path with the node of the
// same identifier in src. A foreign base version that descends from a
// checked-in local base updates the local node; a local base that equals
// or descends from the foreign one leaves it; anything else fails. With
// bestEffort a failure is recorded in jcr:mergeFailed and the merge goes
// on, otherwise the whole merge is rejected. It returns the identifiers of
// the failed nodes.
func (m *Manager) Merge(ctx context.Context, s *tree.Store, opts tree.Options, src *tree.Store, path string, bestEffort bool) ([]string, error) {
	const op = "merge"
	if src == s {
		return nil, errs.Unsupported(op, path, "source and destination workspace are the same")
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	snap := src.Snapshot()
	defer snap.Close()

	var failed []string
	err := s.Update(ctx, opts, func(tx *tree.Txn) error {
		failed = nil
		root, err := tx.GetByPath(path)
		if err != nil {
			return err
		}
		for _, id := range tx.Subtree(root.ID) {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := m.mergeNode(tx, snap, id, bestEffort)
			if err != nil {
				return err
			}
			if !ok {
				failed = append(failed, id)
			}
		}
		return nil
	})
	m.metrics.RecordVersionOperation(op, err)
	if err != nil {
		return nil, err
	}
	m.log.Info("merge complete").Str("workspace", s.Name()).Str("source", src.Name()).
		Str("path", path).Int("failed", len(failed)).Send()
	return failed, nil
}

// mergeNode merges one node and reports false when it failed in best
// effort mode
func (m *Manager) mergeNode(tx *tree.Txn, snap *tree.Snapshot, id string, bestEffort bool) (bool, error) {
	const op = "merge"
	if !tx.Exists(id) {
		return true, nil
	}
	eff, err := tx.Effective(id)
	if err != nil || !eff.IsNodeType(nodetype.MixVersionable) {
		return true, nil
	}
	foreign, err := snap.Get(id)
	if err != nil {
		return true, nil
	}
	fb := referenceValues(foreign, nodetype.JcrBaseVersion)
	if len(fb) == 0 {
		return true, nil
	}
	n, h, err := m.versionable(tx, op, id)
	if err != nil {
		return false, err
	}
	fv, ok := h.Version(fb[0])
	if !ok {
		return true, nil
	}
	var local string
	if lb := referenceValues(n, nodetype.JcrBaseVersion); len(lb) > 0 {
		local = lb[0]
	}

	switch {
	case local == fv.ID || (local != "" && h.IsAncestor(fv.ID, local)):
		return true, nil
	case !checkedOut(n) && (local == "" || h.IsAncestor(local, fv.ID)):
		return true, m.restoreInto(tx, h, fv, true)
	}
	if !bestEffort {
		return false, errs.VersionConflict(op, n.Path, "base version diverges from %s in workspace %s", fv.Name, snap.Workspace())
	}
	if contains(referenceValues(n, nodetype.JcrMergeFailed), fv.ID) {
		return false, nil
	}
	vals := append(refs(referenceValues(n, nodetype.JcrMergeFailed)), value.NewReference(fv.ID))
	err = tx.AsSystem(func() error {
		return tx.SetPropertyAs(id, nodetype.JcrMergeFailed, value.Reference, true, vals...)
	})
	return false, err
}

// DoneMerge accepts a failed merge: the foreign version moves from
// jcr:mergeFailed to the predecessors of the next checkin
func (m *Manager) DoneMerge(ctx context.Context, s *tree.Store, opts tree.Options, nodeID, versionID string) error {
	return m.resolveMerge(ctx, s, opts, "doneMerge", nodeID, versionID, true)
}

// CancelMerge discards a failed merge
func (m *Manager) CancelMerge(ctx context.Context, s *tree.Store, opts tree.Options, nodeID, versionID string) error {
	return m.resolveMerge(ctx, s, opts, "cancelMerge", nodeID, versionID, false)
}

func (m *Manager) resolveMerge(ctx context.Context, s *tree.Store, opts tree.Options, op, nodeID, versionID string, accept bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := s.Update(ctx, opts, func(tx *tree.Txn) error {
		n, _, err := m.versionable(tx, op, nodeID)
		if err != nil {
			return err
		}
		pending := referenceValues(n, nodetype.JcrMergeFailed)
		if !contains(pending, versionID) {
			return errs.NotFound(op, versionID)
		}
		if !checkedOut(n) {
			return errs.VersionConflict(op, n.Path, "node is checked in")
		}
		return tx.AsSystem(func() error {
			rest := without(pending, versionID)
			if len(rest) == 0 {
				if err := tx.RemoveProperty(nodeID, nodetype.JcrMergeFailed); err != nil {
					return err
				}
			} else if err := tx.SetPropertyAs(nodeID, nodetype.JcrMergeFailed, value.Reference, true, refs(rest)...); err != nil {
				return err
			}
			if !accept {
				return nil
			}
			preds := appendUnique(referenceValues(n, nodetype.JcrPredecessors), versionID)
			return tx.SetPropertyAs(nodeID, nodetype.JcrPredecessors, value.Reference, true, refs(preds)...)
		})
	})
	m.metrics.RecordVersionOperation(op, err)
	return err
}

func refs(ids []string) []value.Value {
	out := make([]value.Value, len(ids))
	for i, id := range ids {
		out[i] = value.NewReference(id)
	}
	return out
}
