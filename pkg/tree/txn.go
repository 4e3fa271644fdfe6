// ABOUTME: Transactions staging copy-on-write node changes over a snapshot
// ABOUTME: Every mutation is validated immediately and applied all-or-nothing

package tree

import (
	"github.com/google/uuid"

	"github.com/nainya/contentstore/pkg/constraint"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/value"
)

const maxAutoCreateDepth = 16

// Options identifies the caller of a transaction
type Options struct {
	UserID     string
	Session    string
	UserData   string
	LockTokens []string
	// System lifts protection, lock and checked-in checks for writes issued
	// by the engine itself
	System bool
}

// NodeSpec describes a node to add
type NodeSpec struct {
	Name        string
	PrimaryType string
	// ID keeps a given identifier; empty assigns a fresh one
	ID     string
	Mixins []string
	// Bare skips auto-created child nodes
	Bare bool
}

type reorder struct {
	parent string
	id     string
	src    string
	dest   string
}

// Txn stages changes to one workspace. It is not safe for concurrent use.
type Txn struct {
	store *Store
	opts  Options
	base  *Snapshot
	types *nodetype.Snapshot

	staged   map[string]*record
	deleted  map[string]struct{}
	created  map[string]struct{}
	seen     map[string]struct{}
	order    []string
	reorders []reorder

	// side holds what callers staged; hooked is rebuilt by the hooks on
	// every commit attempt
	side    sideEffects
	hooked  sideEffects
	hooking bool
	done    bool
}

// sideEffects are the parts of a commit living outside the node tree
type sideEffects struct {
	records  []storage.Record
	onCommit []func(seq uint64)
	extIDs   map[string]struct{}
}

func (se *sideEffects) hasExternal(id string) bool {
	_, ok := se.extIDs[id]
	return ok
}

// Begin starts a transaction over the current state of the workspace
func (s *Store) Begin(opts Options) *Txn {
	return &Txn{
		store:   s,
		opts:    opts,
		base:    s.Snapshot(),
		types:   s.engine.types.Snapshot(),
		staged:  make(map[string]*record),
		deleted: make(map[string]struct{}),
		created: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
	}
}

// Workspace returns the workspace name
func (tx *Txn) Workspace() string { return tx.store.name }

// Store returns the store the transaction writes
func (tx *Txn) Store() *Store { return tx.store }

// Options returns the caller options
func (tx *Txn) Options() Options { return tx.opts }

// Types returns the registry snapshot the transaction validates against
func (tx *Txn) Types() *nodetype.Snapshot { return tx.types }

func (tx *Txn) get(id string) *record {
	if _, ok := tx.deleted[id]; ok {
		return nil
	}
	if r, ok := tx.staged[id]; ok {
		return r
	}
	return tx.base.get(id)
}

// Get returns a node as the transaction sees it
func (tx *Txn) Get(id string) (*Node, error) {
	return nodeByID(tx, "getByIdentifier", id)
}

// GetByPath returns the node at an absolute path as the transaction sees it
func (tx *Txn) GetByPath(path string) (*Node, error) {
	return nodeByPath(tx, path)
}

// Children returns the child nodes of id in order
func (tx *Txn) Children(id string) ([]*Node, error) {
	return childNodes(tx, id)
}

// Exists reports whether id names a node in the transaction view
func (tx *Txn) Exists(id string) bool { return tx.get(id) != nil }

// Effective returns the effective node type of id
func (tx *Txn) Effective(id string) (*nodetype.EffectiveType, error) {
	rec := tx.get(id)
	if rec == nil {
		return nil, errs.NotFound("effectiveType", id)
	}
	return tx.effective(rec)
}

// Subtree lists id and its descendants, parents first
func (tx *Txn) Subtree(id string) []string { return subtree(tx, id) }

func (tx *Txn) effective(rec *record) (*nodetype.EffectiveType, error) {
	return tx.types.Effective(rec.primaryType, rec.mixins)
}

func (tx *Txn) pathOr(id string) string {
	if p, err := pathOf(tx, id); err == nil {
		return p
	}
	return id
}

func (tx *Txn) open(op string) error {
	if tx.done {
		return errs.New(errs.KindInvalidState, op, tx.store.name, "transaction is closed")
	}
	return nil
}

func (tx *Txn) touch(id string) {
	if _, ok := tx.seen[id]; !ok {
		tx.seen[id] = struct{}{}
		tx.order = append(tx.order, id)
	}
}

// mutable returns a staged copy of id that may be changed in place
func (tx *Txn) mutable(id string) *record {
	if r, ok := tx.staged[id]; ok {
		return r
	}
	r := tx.base.get(id).clone()
	tx.staged[id] = r
	tx.touch(id)
	return r
}

func (tx *Txn) stageNew(rec *record) {
	tx.staged[rec.id] = rec
	if tx.base.get(rec.id) == nil {
		tx.created[rec.id] = struct{}{}
	}
	delete(tx.deleted, rec.id)
	tx.touch(rec.id)
}

func (tx *Txn) drop(id string) {
	delete(tx.staged, id)
	if _, ok := tx.created[id]; ok {
		delete(tx.created, id)
	} else {
		tx.deleted[id] = struct{}{}
	}
	tx.touch(id)
}

type txState struct {
	staged   map[string]*record
	deleted  map[string]struct{}
	created  map[string]struct{}
	seen     map[string]struct{}
	order    []string
	reorders []reorder
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// atomic runs fn and restores the staged state when it fails
func (tx *Txn) atomic(fn func() error) error {
	st := txState{
		staged:   make(map[string]*record, len(tx.staged)),
		deleted:  copySet(tx.deleted),
		created:  copySet(tx.created),
		seen:     copySet(tx.seen),
		order:    append([]string(nil), tx.order...),
		reorders: append([]reorder(nil), tx.reorders...),
	}
	for id, r := range tx.staged {
		st.staged[id] = r.clone()
	}
	if err := fn(); err != nil {
		tx.staged, tx.deleted, tx.created, tx.seen = st.staged, st.deleted, st.created, st.seen
		tx.order, tx.reorders = st.order, st.reorders
		return err
	}
	return nil
}

// Atomic runs fn and discards everything it staged when it fails
func (tx *Txn) Atomic(fn func() error) error { return tx.atomic(fn) }

// checkWritable applies the checked-in and lock rules to a write on id
func (tx *Txn) checkWritable(op, id string) error {
	if tx.opts.System {
		return nil
	}
	chain := ancestry(tx, id)
	for _, aid := range chain {
		rec := tx.get(aid)
		if rec == nil {
			break
		}
		if p, ok := rec.props[nodetype.JcrIsCheckedOut]; ok {
			if b, _ := p.Value().Bool(); !b {
				return errs.VersionConflict(op, tx.pathOr(id), "node %s is checked in", tx.pathOr(aid))
			}
			break
		}
	}
	if lc := tx.store.lockChecker(); lc != nil {
		if err := lc.CheckWrite(chain, tx.opts.LockTokens); err != nil {
			return err
		}
	}
	return nil
}

// AddNode adds a child called name under parentID. An empty primaryType
// selects the default type of the matching child definition.
func (tx *Txn) AddNode(parentID, name, primaryType string) (string, error) {
	return tx.AddNodeSpec(parentID, NodeSpec{Name: name, PrimaryType: primaryType})
}

// AddNodeSpec adds a child described by spec under parentID
func (tx *Txn) AddNodeSpec(parentID string, spec NodeSpec) (string, error) {
	const op = "addNode"
	if err := tx.open(op); err != nil {
		return "", err
	}
	parent := tx.get(parentID)
	if parent == nil {
		return "", errs.NotFound(op, parentID)
	}
	if err := tx.checkWritable(op, parentID); err != nil {
		return "", err
	}
	eff, err := tx.effective(parent)
	if err != nil {
		return "", err
	}
	res, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
		Kind:             constraint.AddChild,
		Path:             tx.pathOr(parentID),
		Name:             spec.Name,
		ChildPrimaryType: spec.PrimaryType,
		Siblings:         parent.countNamed(spec.Name),
		System:           tx.opts.System,
	}, eff)
	if err != nil {
		return "", err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	} else if tx.get(id) != nil {
		return "", errs.New(errs.KindIdentityCollision, op, id, "identifier already in use at %s", tx.pathOr(id))
	}
	for _, m := range spec.Mixins {
		if err := tx.checkMixin(op, m); err != nil {
			return "", err
		}
	}
	if _, err := tx.types.Effective(res.PrimaryType, spec.Mixins); err != nil {
		return "", errs.ConstraintViolation(op, spec.Name, "%v", err)
	}

	err = tx.atomic(func() error {
		rec := &record{
			id:          id,
			name:        spec.Name,
			parent:      parentID,
			primaryType: res.PrimaryType,
			mixins:      append([]string(nil), spec.Mixins...),
			props:       make(map[string]*Property),
		}
		p := tx.mutable(parentID)
		p.children = append(p.children, ChildEntry{Name: spec.Name, ID: id})
		tx.stageNew(rec)
		return tx.autoCreate(rec, !spec.Bare, 0)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (tx *Txn) checkMixin(op, name string) error {
	t, err := tx.types.Get(name)
	if err != nil {
		return err
	}
	if !t.IsMixin() {
		return errs.ConstraintViolation(op, name, "%s is not a mixin type", name)
	}
	return nil
}

func (tx *Txn) syncMixins(rec *record) {
	if len(rec.mixins) == 0 {
		delete(rec.props, nodetype.JcrMixinTypes)
		return
	}
	vals := make([]value.Value, len(rec.mixins))
	for i, m := range rec.mixins {
		vals[i] = value.NewName(m)
	}
	rec.props[nodetype.JcrMixinTypes] = &Property{Name: nodetype.JcrMixinTypes, Type: value.Name, Multiple: true, Values: vals}
}

// autoCreate fills in the system properties and the auto-created items of
// a staged record
func (tx *Txn) autoCreate(rec *record, children bool, depth int) error {
	eff, err := tx.effective(rec)
	if err != nil {
		return errs.ConstraintViolation("autoCreate", rec.name, "%v", err)
	}
	rec.props[nodetype.JcrPrimaryType] = &Property{
		Name: nodetype.JcrPrimaryType, Type: value.Name, Values: []value.Value{value.NewName(rec.primaryType)},
	}
	tx.syncMixins(rec)

	for _, def := range eff.PropertyDefinitions() {
		if !def.AutoCreated || def.IsResidual() {
			continue
		}
		if _, ok := rec.props[def.Name]; ok {
			continue
		}
		vals := tx.autoValues(rec, def)
		if len(vals) == 0 {
			continue
		}
		t := value.TypeOf(vals)
		if def.RequiredType != value.Undefined {
			t = def.RequiredType
		}
		for i, v := range vals {
			conv, err := value.Convert(v, t)
			if err != nil {
				return err
			}
			vals[i] = conv
		}
		rec.props[def.Name] = &Property{Name: def.Name, Type: t, Multiple: def.Multiple, Values: vals}
	}

	if !children || depth >= maxAutoCreateDepth {
		return nil
	}
	for _, def := range eff.ChildNodeDefinitions() {
		if !def.AutoCreated || def.IsResidual() || rec.countNamed(def.Name) > 0 {
			continue
		}
		if def.DefaultPrimaryType == "" {
			return errs.ConstraintViolation("autoCreate", rec.name, "auto-created child %s has no default type", def.Name)
		}
		child := &record{
			id:          uuid.NewString(),
			name:        def.Name,
			parent:      rec.id,
			primaryType: def.DefaultPrimaryType,
			props:       make(map[string]*Property),
		}
		rec.children = append(rec.children, ChildEntry{Name: child.name, ID: child.id})
		tx.stageNew(child)
		if err := tx.autoCreate(child, true, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Txn) autoValues(rec *record, def *nodetype.PropertyDefinition) []value.Value {
	now := tx.store.engine.now()
	switch def.Name {
	case nodetype.JcrPrimaryType, nodetype.JcrMixinTypes:
		return nil
	case nodetype.JcrUUID:
		return []value.Value{value.NewString(rec.id)}
	case nodetype.JcrCreated, nodetype.JcrLastModified:
		return []value.Value{value.NewDate(now)}
	case nodetype.JcrCreatedBy, nodetype.JcrLastModifiedBy:
		return []value.Value{value.NewString(tx.opts.UserID)}
	}
	return append([]value.Value(nil), def.DefaultValues...)
}

// SetProperty sets a single-valued property, inferring its type from v
func (tx *Txn) SetProperty(id, name string, v value.Value) error {
	return tx.SetPropertyAs(id, name, value.Undefined, false, v)
}

// SetMultiProperty sets a multi-valued property
func (tx *Txn) SetMultiProperty(id, name string, vals []value.Value) error {
	return tx.SetPropertyAs(id, name, value.Undefined, true, vals...)
}

// SetPropertyAs sets a property after converting vals to t. UNDEFINED keeps
// the value types and lets the definition decide.
func (tx *Txn) SetPropertyAs(id, name string, t value.Type, multiple bool, vals ...value.Value) error {
	const op = "setProperty"
	if err := tx.open(op); err != nil {
		return err
	}
	rec := tx.get(id)
	if rec == nil {
		return errs.NotFound(op, id)
	}
	if name == nodetype.JcrPrimaryType || name == nodetype.JcrMixinTypes {
		return errs.ConstraintViolation(op, name, "%s is maintained by the repository", name)
	}
	if err := tx.checkWritable(op, id); err != nil {
		return err
	}
	if existing, ok := rec.props[name]; ok && existing.Multiple != multiple {
		return errs.New(errs.KindValueFormat, op, tx.pathOr(id), "property %s has multiple=%t", name, existing.Multiple)
	}
	if t != value.Undefined {
		conv := make([]value.Value, len(vals))
		for i, v := range vals {
			c, err := value.Convert(v, t)
			if err != nil {
				return err
			}
			conv[i] = c
		}
		vals = conv
	}
	eff, err := tx.effective(rec)
	if err != nil {
		return err
	}
	res, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
		Kind:     constraint.SetProperty,
		Path:     tx.pathOr(id),
		Name:     name,
		Type:     t,
		Multiple: multiple,
		Values:   vals,
		System:   tx.opts.System,
	}, eff)
	if err != nil {
		return err
	}
	m := tx.mutable(id)
	m.props[name] = &Property{Name: name, Type: res.Type, Multiple: multiple, Values: res.Values}
	return nil
}

// RemoveProperty removes a property
func (tx *Txn) RemoveProperty(id, name string) error {
	const op = "removeProperty"
	if err := tx.open(op); err != nil {
		return err
	}
	rec := tx.get(id)
	if rec == nil {
		return errs.NotFound(op, id)
	}
	p, ok := rec.props[name]
	if !ok {
		return errs.NotFound(op, tx.pathOr(id)+"/"+name)
	}
	if err := tx.checkWritable(op, id); err != nil {
		return err
	}
	eff, err := tx.effective(rec)
	if err != nil {
		return err
	}
	if _, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
		Kind:     constraint.RemoveProperty,
		Path:     tx.pathOr(id),
		Name:     name,
		Type:     p.Type,
		Multiple: p.Multiple,
		System:   tx.opts.System,
	}, eff); err != nil {
		return err
	}
	delete(tx.mutable(id).props, name)
	return nil
}

// Remove removes a node and its subtree
func (tx *Txn) Remove(id string) error {
	const op = "remove"
	if err := tx.open(op); err != nil {
		return err
	}
	if id == RootID {
		return errs.ConstraintViolation(op, "/", "the root node cannot be removed")
	}
	rec := tx.get(id)
	if rec == nil {
		return errs.NotFound(op, id)
	}
	parent := tx.get(rec.parent)
	if parent == nil {
		return errs.NotFound(op, rec.parent)
	}
	if err := tx.checkWritable(op, rec.parent); err != nil {
		return err
	}
	eff, err := tx.effective(parent)
	if err != nil {
		return err
	}
	if _, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
		Kind:             constraint.RemoveNode,
		Path:             tx.pathOr(id),
		Name:             rec.name,
		ChildPrimaryType: rec.primaryType,
		System:           tx.opts.System,
	}, eff); err != nil {
		return err
	}

	ids := subtree(tx, id)
	p := tx.mutable(rec.parent)
	if i := p.childIndex(id); i >= 0 {
		p.children = append(p.children[:i], p.children[i+1:]...)
	}
	for _, sid := range ids {
		tx.drop(sid)
	}
	return nil
}

// Move moves the node at srcPath so that it lives at destPath. The
// destination parent must exist and destPath must not carry an index.
func (tx *Txn) Move(srcPath, destPath string) error {
	const op = "move"
	if err := tx.open(op); err != nil {
		return err
	}
	srcID, err := resolve(tx, srcPath)
	if err != nil {
		return err
	}
	if srcID == RootID {
		return errs.ConstraintViolation(op, srcPath, "the root node cannot be moved")
	}
	dp, err := value.ParsePath(destPath)
	if err != nil || !dp.IsAbsolute() || dp.IsRoot() {
		return errs.New(errs.KindValueFormat, op, destPath, "invalid destination path")
	}
	if dp.Last().Index > 0 {
		return errs.ConstraintViolation(op, destPath, "destination must not carry an index")
	}
	parentPath, _ := dp.Parent()
	destParentID, err := resolve(tx, parentPath.String())
	if err != nil {
		return err
	}
	for _, a := range ancestry(tx, destParentID) {
		if a == srcID {
			return errs.ConstraintViolation(op, destPath, "cannot move a node below itself")
		}
	}

	src := tx.get(srcID)
	oldParentID := src.parent
	newName := dp.Last().Name
	if err := tx.checkWritable(op, oldParentID); err != nil {
		return err
	}
	if err := tx.checkWritable(op, destParentID); err != nil {
		return err
	}

	oldEff, err := tx.effective(tx.get(oldParentID))
	if err != nil {
		return err
	}
	if _, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
		Kind: constraint.RemoveNode, Path: srcPath, Name: src.name,
		ChildPrimaryType: src.primaryType, System: tx.opts.System,
	}, oldEff); err != nil {
		return err
	}
	destParent := tx.get(destParentID)
	siblings := destParent.countNamed(newName)
	if destParentID == oldParentID && src.name == newName {
		siblings--
	}
	destEff, err := tx.effective(destParent)
	if err != nil {
		return err
	}
	if _, err := tx.store.engine.enforcer.Validate(constraint.Mutation{
		Kind: constraint.AddChild, Path: parentPath.String(), Name: newName,
		ChildPrimaryType: src.primaryType, Siblings: siblings, System: tx.opts.System,
	}, destEff); err != nil {
		return err
	}

	if destParentID == oldParentID {
		p := tx.mutable(oldParentID)
		p.children[p.childIndex(srcID)].Name = newName
	} else {
		old := tx.mutable(oldParentID)
		i := old.childIndex(srcID)
		old.children = append(old.children[:i], old.children[i+1:]...)
		np := tx.mutable(destParentID)
		np.children = append(np.children, ChildEntry{Name: newName, ID: srcID})
	}
	m := tx.mutable(srcID)
	m.name = newName
	m.parent = destParentID
	return nil
}

// OrderBefore places the child srcName immediately before destName. An
// empty destName moves it to the end.
func (tx *Txn) OrderBefore(parentID, srcName, destName string) error {
	const op = "orderBefore"
	if err := tx.open(op); err != nil {
		return err
	}
	parent := tx.get(parentID)
	if parent == nil {
		return errs.NotFound(op, parentID)
	}
	eff, err := tx.effective(parent)
	if err != nil {
		return err
	}
	if !eff.HasOrderableChildNodes() {
		return errs.Unsupported(op, tx.pathOr(parentID), "child nodes of %s are not orderable", parent.primaryType)
	}
	if err := tx.checkWritable(op, parentID); err != nil {
		return err
	}
	srcID, err := tx.childID(op, parent, srcName)
	if err != nil {
		return err
	}
	destID := ""
	if destName != "" {
		if destID, err = tx.childID(op, parent, destName); err != nil {
			return err
		}
	}
	if srcID == destID {
		return nil
	}

	srcLabel := parent.segment(srcID).String()
	destLabel := ""
	if destID != "" {
		destLabel = parent.segment(destID).String()
	}
	p := tx.mutable(parentID)
	i := p.childIndex(srcID)
	entry := p.children[i]
	p.children = append(p.children[:i], p.children[i+1:]...)
	if destID == "" {
		p.children = append(p.children, entry)
	} else {
		j := p.childIndex(destID)
		p.children = append(p.children[:j], append([]ChildEntry{entry}, p.children[j:]...)...)
	}
	tx.reorders = append(tx.reorders, reorder{parent: parentID, id: srcID, src: srcLabel, dest: destLabel})
	return nil
}

func (tx *Txn) childID(op string, parent *record, name string) (string, error) {
	seg, err := value.ParseSegment(name)
	if err != nil {
		return "", errs.New(errs.KindValueFormat, op, name, "%v", err)
	}
	id, ok := parent.childByName(seg.Name, seg.Pos())
	if !ok {
		return "", errs.NotFound(op, name)
	}
	return id, nil
}

// AddMixin assigns a mixin type and creates its auto-created items
func (tx *Txn) AddMixin(id, mixin string) error {
	const op = "addMixin"
	if err := tx.open(op); err != nil {
		return err
	}
	rec := tx.get(id)
	if rec == nil {
		return errs.NotFound(op, id)
	}
	if err := tx.checkWritable(op, id); err != nil {
		return err
	}
	if err := tx.checkMixin(op, mixin); err != nil {
		return err
	}
	eff, err := tx.effective(rec)
	if err != nil {
		return err
	}
	if eff.IsNodeType(mixin) {
		return nil
	}
	mixins := append(append([]string(nil), rec.mixins...), mixin)
	if _, err := tx.types.Effective(rec.primaryType, mixins); err != nil {
		return errs.ConstraintViolation(op, tx.pathOr(id), "%v", err)
	}
	return tx.atomic(func() error {
		m := tx.mutable(id)
		m.mixins = mixins
		return tx.autoCreate(m, true, 0)
	})
}

// RemoveMixin drops a mixin type together with the properties only it defined
func (tx *Txn) RemoveMixin(id, mixin string) error {
	const op = "removeMixin"
	if err := tx.open(op); err != nil {
		return err
	}
	rec := tx.get(id)
	if rec == nil {
		return errs.NotFound(op, id)
	}
	if !rec.hasMixin(mixin) {
		return errs.NotFound(op, mixin)
	}
	if err := tx.checkWritable(op, id); err != nil {
		return err
	}
	var mixins []string
	for _, m := range rec.mixins {
		if m != mixin {
			mixins = append(mixins, m)
		}
	}
	eff, err := tx.types.Effective(rec.primaryType, mixins)
	if err != nil {
		return errs.ConstraintViolation(op, tx.pathOr(id), "%v", err)
	}
	m := tx.mutable(id)
	m.mixins = mixins
	tx.syncMixins(m)
	dropUndefined(m, eff)
	return nil
}

// SetPrimaryType changes the primary type of a node
func (tx *Txn) SetPrimaryType(id, primaryType string) error {
	const op = "setPrimaryType"
	if err := tx.open(op); err != nil {
		return err
	}
	if id == RootID {
		return errs.ConstraintViolation(op, "/", "the root node type cannot change")
	}
	rec := tx.get(id)
	if rec == nil {
		return errs.NotFound(op, id)
	}
	if err := tx.checkWritable(op, id); err != nil {
		return err
	}
	t, err := tx.types.Get(primaryType)
	if err != nil {
		return err
	}
	if t.IsMixin() || t.IsAbstract() {
		return errs.ConstraintViolation(op, primaryType, "%s cannot be a primary type", primaryType)
	}
	parentEff, err := tx.effective(tx.get(rec.parent))
	if err != nil {
		return err
	}
	if _, _, ok := parentEff.ChildNodeDefinition(rec.name, primaryType); !ok {
		return errs.ConstraintViolation(op, tx.pathOr(id), "parent does not allow %s as %s", rec.name, primaryType)
	}
	eff, err := tx.types.Effective(primaryType, rec.mixins)
	if err != nil {
		return errs.ConstraintViolation(op, tx.pathOr(id), "%v", err)
	}
	return tx.atomic(func() error {
		m := tx.mutable(id)
		m.primaryType = primaryType
		if err := tx.autoCreate(m, true, 0); err != nil {
			return err
		}
		dropUndefined(m, eff)
		return nil
	})
}

func dropUndefined(rec *record, eff *nodetype.EffectiveType) {
	for name, p := range rec.props {
		if _, ok := eff.PropertyDefinition(name, p.Type, p.Multiple); !ok {
			delete(rec.props, name)
		}
	}
}

// AsSystem runs fn with protection, lock and checked-in checks lifted
func (tx *Txn) AsSystem(fn func() error) error {
	prev := tx.opts.System
	tx.opts.System = true
	defer func() { tx.opts.System = prev }()
	return fn()
}

func (tx *Txn) effects() *sideEffects {
	if tx.hooking {
		return &tx.hooked
	}
	return &tx.side
}

// PutRecord adds a raw record to the commit batch
func (tx *Txn) PutRecord(bucket, key string, val []byte) {
	se := tx.effects()
	se.records = append(se.records, storage.Record{Bucket: bucket, Key: key, Value: val})
}

// DeleteRecord adds a raw deletion to the commit batch
func (tx *Txn) DeleteRecord(bucket, key string) {
	se := tx.effects()
	se.records = append(se.records, storage.Record{Bucket: bucket, Key: key, Delete: true})
}

// OnCommit registers fn to run after the commit is installed, still under
// the commit mutex
func (tx *Txn) OnCommit(fn func(seq uint64)) {
	se := tx.effects()
	se.onCommit = append(se.onCommit, fn)
}

// AddExternalID lets REFERENCE properties of this transaction point at an
// identifier that is created outside the tree by the same commit
func (tx *Txn) AddExternalID(id string) {
	se := tx.effects()
	if se.extIDs == nil {
		se.extIDs = make(map[string]struct{})
	}
	se.extIDs[id] = struct{}{}
}

// CheckLock applies only the lock rule to a write on id, for engine
// operations that bypass the other write checks
func (tx *Txn) CheckLock(id string) error {
	if lc := tx.store.lockChecker(); lc != nil {
		return lc.CheckWrite(ancestry(tx, id), tx.opts.LockTokens)
	}
	return nil
}

// Changed lists the live nodes staged by the transaction in the order they
// were first touched
func (tx *Txn) Changed() []string {
	var out []string
	for _, id := range tx.order {
		if _, ok := tx.staged[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Removed lists the existing nodes the transaction removes
func (tx *Txn) Removed() []string {
	var out []string
	for _, id := range tx.order {
		if _, ok := tx.deleted[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IsNew reports whether the transaction created id
func (tx *Txn) IsNew(id string) bool {
	_, ok := tx.created[id]
	return ok
}

// HasChanges reports whether anything is staged
func (tx *Txn) HasChanges() bool {
	return len(tx.staged) > 0 || len(tx.deleted) > 0 || len(tx.side.records) > 0 || len(tx.hooked.records) > 0
}

// Rollback discards the transaction
func (tx *Txn) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.base.Close()
}
