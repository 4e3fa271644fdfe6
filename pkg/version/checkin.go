package version

import (
	"context"

	"github.com/google/uuid"

	"github.com/nainya/contentstore/pkg/constraint"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// properties recorded by FrozenNode fields or owned by the workspace
var skipFrozen = map[string]bool{
	nodetype.JcrPrimaryType: true,
	nodetype.JcrMixinTypes:  true,
	nodetype.JcrUUID:        true,
}

// Checkin freezes the node into a new version that becomes its base
// version. The first checkin of a history creates its root version. A node
// already checked in is left alone and its base version returned.
func (m *Manager) Checkin(ctx context.Context, s *tree.Store, opts tree.Options, nodeID string) (*Version, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var out *Version
	err := s.Update(ctx, opts, func(tx *tree.Txn) error {
		v, err := m.checkin(tx, nodeID)
		out = v
		return err
	})
	m.metrics.RecordVersionOperation("checkin", err)
	if err != nil {
		m.log.LogVersionOperation("checkin", s.Name(), nodeID, "", err)
		return nil, err
	}
	m.log.LogVersionOperation("checkin", s.Name(), nodeID, out.Name, nil)
	return out, nil
}

// Checkout makes a checked-in node writable again. Its predecessors become
// its base version.
func (m *Manager) Checkout(ctx context.Context, s *tree.Store, opts tree.Options, nodeID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := s.Update(ctx, opts, func(tx *tree.Txn) error {
		return m.checkout(tx, nodeID)
	})
	m.metrics.RecordVersionOperation("checkout", err)
	m.log.LogVersionOperation("checkout", s.Name(), nodeID, "", err)
	return err
}

// Checkpoint checks the node in and out again in one commit
func (m *Manager) Checkpoint(ctx context.Context, s *tree.Store, opts tree.Options, nodeID string) (*Version, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var out *Version
	err := s.Update(ctx, opts, func(tx *tree.Txn) error {
		v, err := m.checkin(tx, nodeID)
		if err != nil {
			return err
		}
		out = v
		return m.checkout(tx, nodeID)
	})
	m.metrics.RecordVersionOperation("checkpoint", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsCheckedOut reports whether a versionable node is writable
func (m *Manager) IsCheckedOut(s *tree.Store, nodeID string) (bool, error) {
	n, err := s.GetByIdentifier(nodeID)
	if err != nil {
		return false, err
	}
	return checkedOut(n), nil
}

// BaseVersion returns the version a node was last checked in or restored as
func (m *Manager) BaseVersion(s *tree.Store, nodeID string) (*Version, error) {
	n, err := s.GetByIdentifier(nodeID)
	if err != nil {
		return nil, err
	}
	p, ok := n.Property(nodetype.JcrBaseVersion)
	if !ok {
		return nil, errs.NotFound("baseVersion", n.Path)
	}
	return m.Version(p.Value().String())
}

func checkedOut(n *tree.Node) bool {
	p, ok := n.Property(nodetype.JcrIsCheckedOut)
	if !ok {
		return true
	}
	b, _ := p.Value().Bool()
	return b
}

func referenceValues(n *tree.Node, name string) []string {
	p, ok := n.Property(name)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		out = append(out, v.String())
	}
	return out
}

// versionable loads a node and its history, failing for nodes that are not
// mix:versionable
func (m *Manager) versionable(tx *tree.Txn, op, nodeID string) (*tree.Node, *History, error) {
	n, err := tx.Get(nodeID)
	if err != nil {
		return nil, nil, err
	}
	eff, err := tx.Effective(nodeID)
	if err != nil {
		return nil, nil, err
	}
	if !eff.IsNodeType(nodetype.MixVersionable) {
		return nil, nil, errs.Unsupported(op, n.Path, "node is not versionable")
	}
	p, ok := n.Property(nodetype.JcrVersionHistory)
	if !ok {
		return nil, nil, errs.New(errs.KindInvalidState, op, n.Path, "node has no version history yet")
	}
	h, err := m.historyByID(p.Value().String())
	if err != nil {
		return nil, nil, errs.New(errs.KindInvalidState, op, n.Path, "version history %s is not committed", p.Value().String())
	}
	if err := tx.CheckLock(nodeID); err != nil {
		return nil, nil, err
	}
	return n, h, nil
}

func (m *Manager) checkin(tx *tree.Txn, nodeID string) (*Version, error) {
	const op = "checkin"
	n, h, err := m.versionable(tx, op, nodeID)
	if err != nil {
		return nil, err
	}
	if !checkedOut(n) {
		base := referenceValues(n, nodetype.JcrBaseVersion)
		if len(base) == 0 {
			return nil, errs.New(errs.KindInvalidState, op, n.Path, "checked-in node has no base version")
		}
		v, ok := h.Version(base[0])
		if !ok {
			return nil, errs.NotFound(op, base[0])
		}
		return v, nil
	}
	if failed := referenceValues(n, nodetype.JcrMergeFailed); len(failed) > 0 {
		return nil, errs.VersionConflict(op, n.Path, "node has %d unresolved merge failures", len(failed))
	}

	frozen, err := m.freeze(tx, nodeID)
	if err != nil {
		return nil, err
	}
	preds := referenceValues(n, nodetype.JcrPredecessors)
	if len(h.Versions) == 0 {
		preds = nil
	} else if len(preds) == 0 {
		preds = []string{h.Versions[len(h.Versions)-1].ID}
	}
	for _, p := range preds {
		if _, ok := h.Version(p); !ok {
			return nil, errs.VersionConflict(op, n.Path, "predecessor %s is not part of history %s", p, h.ID)
		}
	}

	v := &Version{
		ID:           uuid.NewString(),
		Name:         h.nextName(preds),
		HistoryID:    h.ID,
		Created:      m.engine.Now(),
		CreatedBy:    tx.Options().UserID,
		Predecessors: preds,
		Frozen:       frozen,
	}
	next := h.clone()
	next.addVersion(v)
	if err := m.stage(tx, next); err != nil {
		return nil, err
	}

	err = tx.AsSystem(func() error {
		if err := tx.SetPropertyAs(nodeID, nodetype.JcrIsCheckedOut, value.Boolean, false, value.NewBoolean(false)); err != nil {
			return err
		}
		if err := tx.SetPropertyAs(nodeID, nodetype.JcrBaseVersion, value.Reference, false, value.NewReference(v.ID)); err != nil {
			return err
		}
		if n.HasProperty(nodetype.JcrPredecessors) {
			return tx.RemoveProperty(nodeID, nodetype.JcrPredecessors)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (m *Manager) checkout(tx *tree.Txn, nodeID string) error {
	const op = "checkout"
	n, _, err := m.versionable(tx, op, nodeID)
	if err != nil {
		return err
	}
	if checkedOut(n) {
		return nil
	}
	return tx.AsSystem(func() error {
		if err := tx.SetPropertyAs(nodeID, nodetype.JcrIsCheckedOut, value.Boolean, false, value.NewBoolean(true)); err != nil {
			return err
		}
		base := referenceValues(n, nodetype.JcrBaseVersion)
		if len(base) == 0 {
			return nil
		}
		return tx.SetPropertyAs(nodeID, nodetype.JcrPredecessors, value.Reference, true, value.NewReference(base[0]))
	})
}

// freeze captures a node for checkin following the on-parent-version
// action of each item. ABORT on any item blocks the checkin.
func (m *Manager) freeze(tx *tree.Txn, nodeID string) (*FrozenNode, error) {
	n, err := tx.Get(nodeID)
	if err != nil {
		return nil, err
	}
	eff, err := tx.Effective(nodeID)
	if err != nil {
		return nil, err
	}
	f := &FrozenNode{
		ID:          n.ID,
		Name:        n.Name,
		ParentID:    n.ParentID,
		PrimaryType: n.PrimaryType,
		Mixins:      append([]string(nil), n.Mixins...),
	}
	for _, p := range n.Properties() {
		if skipFrozen[p.Name] {
			continue
		}
		switch constraint.PropertyAction(eff, constraint.PropertyState{Name: p.Name, Type: p.Type, Multiple: p.Multiple}) {
		case nodetype.OPVAbort:
			return nil, errs.VersionConflict("checkin", n.Path, "property %s aborts checkin", p.Name)
		case nodetype.OPVCopy, nodetype.OPVVersion:
			f.Properties = append(f.Properties, freezeProperty(p))
		case nodetype.OPVInitialize:
			if def, ok := eff.PropertyDefinition(p.Name, p.Type, p.Multiple); ok && len(def.DefaultValues) > 0 {
				f.Properties = append(f.Properties, &FrozenProperty{
					Name: p.Name, Type: p.Type, Multiple: p.Multiple,
					Values: append([]value.Value(nil), def.DefaultValues...),
				})
			}
		}
	}

	for _, c := range n.Children {
		child, err := tx.Get(c.ID)
		if err != nil {
			return nil, err
		}
		switch constraint.ChildAction(eff, constraint.ChildState{Name: c.Name, PrimaryType: child.PrimaryType}) {
		case nodetype.OPVAbort:
			return nil, errs.VersionConflict("checkin", child.Path, "child node aborts checkin")
		case nodetype.OPVVersion:
			if hp, ok := child.Property(nodetype.JcrVersionHistory); ok {
				f.Children = append(f.Children, &FrozenNode{
					ID: child.ID, Name: child.Name, ParentID: n.ID, ChildHistory: hp.Value().String(),
				})
				continue
			}
			fallthrough
		case nodetype.OPVCopy:
			fc, err := m.copyFrozen(tx, c.ID)
			if err != nil {
				return nil, err
			}
			f.Children = append(f.Children, fc)
		}
	}
	return f, nil
}

// copyFrozen captures a whole subtree as it is
func (m *Manager) copyFrozen(tx *tree.Txn, nodeID string) (*FrozenNode, error) {
	n, err := tx.Get(nodeID)
	if err != nil {
		return nil, err
	}
	f := &FrozenNode{
		ID:          n.ID,
		Name:        n.Name,
		ParentID:    n.ParentID,
		PrimaryType: n.PrimaryType,
		Mixins:      append([]string(nil), n.Mixins...),
	}
	for _, p := range n.Properties() {
		if skipFrozen[p.Name] || versioningProps[p.Name] {
			continue
		}
		f.Properties = append(f.Properties, freezeProperty(p))
	}
	for _, c := range n.Children {
		fc, err := m.copyFrozen(tx, c.ID)
		if err != nil {
			return nil, err
		}
		f.Children = append(f.Children, fc)
	}
	return f, nil
}

// properties maintained by the version manager itself
var versioningProps = map[string]bool{
	nodetype.JcrIsCheckedOut:   true,
	nodetype.JcrVersionHistory: true,
	nodetype.JcrBaseVersion:    true,
	nodetype.JcrPredecessors:   true,
	nodetype.JcrMergeFailed:    true,
	nodetype.JcrLockOwner:      true,
	nodetype.JcrLockIsDeep:     true,
}

func freezeProperty(p *tree.Property) *FrozenProperty {
	return &FrozenProperty{
		Name:     p.Name,
		Type:     p.Type,
		Multiple: p.Multiple,
		Values:   append([]value.Value(nil), p.Values...),
	}
}
