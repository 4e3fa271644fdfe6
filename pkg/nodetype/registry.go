// ABOUTME: Node type registry published as copy-on-write snapshots
// ABOUTME: Batch registration is validated as a closure and applied all-or-nothing

package nodetype

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nainya/contentstore/pkg/errs"
)

// Snapshot is an immutable view of the registry. Effective types computed
// from a snapshot are memoised on it, so every registry mutation starts with
// an empty cache.
type Snapshot struct {
	gen       uint64
	types     map[string]*NodeType
	order     []string
	effective sync.Map
}

// Generation increases with every registry mutation
func (s *Snapshot) Generation() uint64 { return s.gen }

// Get returns the named type
func (s *Snapshot) Get(name string) (*NodeType, error) {
	t, ok := s.types[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "getNodeType", name, "no such node type")
	}
	return t, nil
}

// Has reports whether name is registered
func (s *Snapshot) Has(name string) bool {
	_, ok := s.types[name]
	return ok
}

// Names returns every registered type name, sorted
func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.types))
	for n := range s.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsSubtype reports whether typeName is candidate or inherits from it
func (s *Snapshot) IsSubtype(typeName, candidate string) bool {
	t, ok := s.types[typeName]
	return ok && t.IsNodeType(candidate)
}

// Subtypes returns the registered types that are name or inherit from it
func (s *Snapshot) Subtypes(name string) []string {
	var out []string
	for _, n := range s.order {
		if s.types[n].IsNodeType(name) {
			out = append(out, n)
		}
	}
	return out
}

// Effective returns the merged view of a primary type and mixins
func (s *Snapshot) Effective(primary string, mixins []string) (*EffectiveType, error) {
	key := primary
	if len(mixins) > 0 {
		key += "|" + strings.Join(mixins, ",")
	}
	if cached, ok := s.effective.Load(key); ok {
		return cached.(*EffectiveType), nil
	}

	p, err := s.Get(primary)
	if err != nil {
		return nil, err
	}
	if p.IsMixin() {
		return nil, errs.ConstraintViolation("effectiveType", primary, "mixin used as primary type")
	}
	ms := make([]*NodeType, 0, len(mixins))
	for _, m := range mixins {
		mt, err := s.Get(m)
		if err != nil {
			return nil, err
		}
		if !mt.IsMixin() {
			return nil, errs.ConstraintViolation("effectiveType", m, "primary type used as mixin")
		}
		ms = append(ms, mt)
	}
	eff := newEffectiveType(s, p, ms)
	actual, _ := s.effective.LoadOrStore(key, eff)
	return actual.(*EffectiveType), nil
}

// UsageFunc reports whether any live node uses the named type
type UsageFunc func(name string) bool

// Change is a registry change handed to the persist hook
type Change struct {
	// Upserted holds the full set of custom definitions after the change
	Upserted []Definition
	Removed  []string
	// Check re-validates the change against live nodes. The hook calls it
	// before storing anything, while no node commit can run.
	Check func() error
	// Publish makes the change visible. The hook calls it once the change
	// is stored, before any later node commit starts.
	Publish func()
}

// PersistFunc stores a registry change and publishes it
type PersistFunc func(Change) error

// Registry owns the node type definitions of a repository
type Registry struct {
	mu      sync.Mutex
	cur     atomic.Pointer[Snapshot]
	defs    map[string]Definition
	builtin map[string]bool
	inUse   UsageFunc
	persist PersistFunc
}

// NewRegistry returns a registry holding the built-in types
func NewRegistry() *Registry {
	r := &Registry{
		defs:    make(map[string]Definition),
		builtin: make(map[string]bool),
	}
	for _, d := range Builtins() {
		r.defs[d.Name] = d
		r.builtin[d.Name] = true
	}
	snap, err := r.build(r.defs, 1)
	if err != nil {
		panic("nodetype: invalid built-in types: " + err.Error())
	}
	r.cur.Store(snap)
	return r
}

// SetUsageFunc installs the live-usage check consulted by Unregister and
// incompatible updates
func (r *Registry) SetUsageFunc(fn UsageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse = fn
}

// SetPersistFunc installs the hook that stores registry changes
func (r *Registry) SetPersistFunc(fn PersistFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persist = fn
}

// Snapshot returns the current registry state
func (r *Registry) Snapshot() *Snapshot { return r.cur.Load() }

// Get returns the named type from the current snapshot
func (r *Registry) Get(name string) (*NodeType, error) { return r.Snapshot().Get(name) }

// Register registers or updates one type
func (r *Registry) Register(def Definition, allowUpdate bool) (*NodeType, error) {
	types, err := r.RegisterAll([]Definition{def}, allowUpdate)
	if err != nil {
		return nil, err
	}
	return types[0], nil
}

// RegisterAll registers a batch. Types in the batch may refer to each other.
// Either every definition is registered or none is.
func (r *Registry) RegisterAll(defs []Definition, allowUpdate bool) ([]*NodeType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Definition, len(r.defs)+len(defs))
	for k, v := range r.defs {
		next[k] = v
	}
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, errs.New(errs.KindInvalidDefinition, "registerNodeType", "", "missing name")
		}
		if seen[d.Name] {
			return nil, errs.New(errs.KindInvalidDefinition, "registerNodeType", d.Name, "defined twice in batch")
		}
		seen[d.Name] = true
		if old, exists := r.defs[d.Name]; exists {
			if !allowUpdate {
				return nil, errs.New(errs.KindNodeTypeExists, "registerNodeType", d.Name, "already registered")
			}
			if r.builtin[d.Name] {
				return nil, errs.Unsupported("registerNodeType", d.Name, "built-in types cannot be changed")
			}
			if err := r.checkUpdate(old, d); err != nil {
				return nil, err
			}
		}
		next[d.Name] = d.Clone()
	}

	snap, err := r.build(next, r.Snapshot().gen+1)
	if err != nil {
		return nil, err
	}
	err = r.apply(Change{
		Upserted: r.customDefs(snap, next),
		Check: func() error {
			for _, d := range defs {
				if old, exists := r.defs[d.Name]; exists {
					if err := r.checkUpdate(old, d); err != nil {
						return err
					}
				}
			}
			return nil
		},
		Publish: func() {
			r.defs = next
			r.cur.Store(snap)
		},
	})
	if err != nil {
		return nil, err
	}

	out := make([]*NodeType, len(defs))
	for i, d := range defs {
		out[i] = snap.types[d.Name]
	}
	return out, nil
}

// checkUpdate refuses updates that would invalidate nodes using the type
func (r *Registry) checkUpdate(old, upd Definition) error {
	if r.inUse == nil || !r.inUse(old.Name) {
		return nil
	}
	if old.Mixin != upd.Mixin || (!old.Abstract && upd.Abstract) {
		return errs.ConstraintViolation("registerNodeType", old.Name, "type is in use and the update changes its kind")
	}
	known := make(map[string]bool)
	for _, p := range old.Properties {
		known["p:"+p.Name] = true
	}
	for _, c := range old.ChildNodes {
		known["n:"+c.Name] = true
	}
	for _, p := range upd.Properties {
		if p.Mandatory && !p.AutoCreated && !known["p:"+p.Name] {
			return errs.ConstraintViolation("registerNodeType", old.Name, "type is in use and the update adds mandatory property %s", p.Name)
		}
	}
	for _, c := range upd.ChildNodes {
		if c.Mandatory && !c.AutoCreated && !known["n:"+c.Name] {
			return errs.ConstraintViolation("registerNodeType", old.Name, "type is in use and the update adds mandatory child %s", c.Name)
		}
	}
	return nil
}

// Unregister removes types. Built-in types, types in use and types other
// remaining types depend on cannot be removed.
func (r *Registry) Unregister(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removing := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.defs[n]; !ok {
			return errs.New(errs.KindNotFound, "unregisterNodeType", n, "no such node type")
		}
		if r.builtin[n] {
			return errs.Unsupported("unregisterNodeType", n, "built-in types cannot be removed")
		}
		if r.inUse != nil && r.inUse(n) {
			return errs.ConstraintViolation("unregisterNodeType", n, "type is assigned to existing nodes")
		}
		removing[n] = true
	}
	for name, d := range r.defs {
		if removing[name] {
			continue
		}
		for _, s := range d.Supertypes {
			if removing[s] {
				return errs.ConstraintViolation("unregisterNodeType", s, "%s inherits from it", name)
			}
		}
		for _, c := range d.ChildNodes {
			for _, req := range c.RequiredPrimaryTypes {
				if removing[req] {
					return errs.ConstraintViolation("unregisterNodeType", req, "%s requires it for child %s", name, c.Name)
				}
			}
			if removing[c.DefaultPrimaryType] {
				return errs.ConstraintViolation("unregisterNodeType", c.DefaultPrimaryType, "%s uses it as a default type", name)
			}
		}
	}

	next := make(map[string]Definition, len(r.defs))
	for k, v := range r.defs {
		if !removing[k] {
			next[k] = v
		}
	}
	snap, err := r.build(next, r.Snapshot().gen+1)
	if err != nil {
		return err
	}
	return r.apply(Change{
		Upserted: r.customDefs(snap, next),
		Removed:  names,
		Check: func() error {
			// a commit may have assigned the type since the first check
			for _, n := range names {
				if r.inUse != nil && r.inUse(n) {
					return errs.ConstraintViolation("unregisterNodeType", n, "type is assigned to existing nodes")
				}
			}
			return nil
		},
		Publish: func() {
			r.defs = next
			r.cur.Store(snap)
		},
	})
}

// apply stores and publishes c. Without a persist hook the change is
// checked and published directly. Callers hold r.mu.
func (r *Registry) apply(c Change) error {
	published := false
	publish := c.Publish
	c.Publish = func() {
		if !published {
			published = true
			publish()
		}
	}
	if r.persist == nil {
		if err := c.Check(); err != nil {
			return err
		}
		c.Publish()
		return nil
	}
	if err := r.persist(c); err != nil {
		return err
	}
	c.Publish()
	return nil
}

// Custom returns the definitions registered on top of the built-in set,
// ordered so that supertypes come first
func (r *Registry) Custom() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.customDefs(r.Snapshot(), r.defs)
}

func (r *Registry) customDefs(snap *Snapshot, defs map[string]Definition) []Definition {
	var out []Definition
	for _, n := range snap.order {
		if !r.builtin[n] {
			out = append(out, defs[n].Clone())
		}
	}
	return out
}
