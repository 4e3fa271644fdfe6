// ABOUTME: Validation and inheritance resolution of node type definitions
// ABOUTME: Supertype DAGs are linearised depth first, base types first

package nodetype

import (
	"sort"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/value"
)

const (
	stateVisiting = 1
	stateDone     = 2
)

type builder struct {
	defs    map[string]Definition
	builtin map[string]bool
	types   map[string]*NodeType
	state   map[string]int
	order   []string
}

func invalid(name, format string, args ...any) error {
	return errs.New(errs.KindInvalidDefinition, "registerNodeType", name, format, args...)
}

func (r *Registry) build(defs map[string]Definition, gen uint64) (*Snapshot, error) {
	b := &builder{
		defs:    defs,
		builtin: r.builtin,
		types:   make(map[string]*NodeType, len(defs)),
		state:   make(map[string]int, len(defs)),
	}
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := b.resolve(n); err != nil {
			return nil, err
		}
	}
	for _, n := range b.order {
		if err := b.checkChildTypes(b.types[n]); err != nil {
			return nil, err
		}
	}
	return &Snapshot{gen: gen, types: b.types, order: b.order}, nil
}

func (b *builder) resolve(name string) (*NodeType, error) {
	if t, ok := b.types[name]; ok {
		return t, nil
	}
	if b.state[name] == stateVisiting {
		return nil, invalid(name, "supertype cycle")
	}
	raw, ok := b.defs[name]
	if !ok {
		return nil, invalid(name, "unknown node type")
	}
	b.state[name] = stateVisiting

	t := &NodeType{def: raw.Clone(), builtin: b.builtin[name]}
	if err := validateDeclaration(&t.def); err != nil {
		return nil, err
	}

	supers := t.def.Supertypes
	if !t.def.Mixin && len(supers) == 0 && name != NTBase {
		supers = []string{NTBase}
	}
	seen := make(map[string]bool)
	for _, s := range supers {
		if _, ok := b.defs[s]; !ok {
			return nil, invalid(name, "unknown supertype %s", s)
		}
		st, err := b.resolve(s)
		if err != nil {
			return nil, err
		}
		if t.def.Mixin && !st.IsMixin() {
			return nil, invalid(name, "mixin cannot inherit from primary type %s", s)
		}
		for _, x := range append(st.SupertypeNames(), s) {
			if !seen[x] {
				seen[x] = true
				t.supertypes = append(t.supertypes, x)
			}
		}
	}

	t.items = newItemSet()
	for _, x := range t.supertypes {
		st := b.types[x]
		t.items.override(&st.def)
		if st.def.OrderableChildNodes {
			t.orderable = true
		}
		if st.def.PrimaryItemName != "" {
			t.primaryItem = st.def.PrimaryItemName
		}
	}
	t.items.override(&t.def)
	if t.def.OrderableChildNodes {
		t.orderable = true
	}
	if t.def.PrimaryItemName != "" {
		t.primaryItem = t.def.PrimaryItemName
	}

	b.types[name] = t
	b.state[name] = stateDone
	b.order = append(b.order, name)
	return t, nil
}

// validateDeclaration checks a definition in isolation and fills defaults
func validateDeclaration(d *Definition) error {
	if err := value.ValidateName(d.Name); err != nil {
		return invalid(d.Name, "%v", err)
	}
	seenSuper := make(map[string]bool)
	for _, s := range d.Supertypes {
		if s == d.Name {
			return invalid(d.Name, "type cannot inherit from itself")
		}
		if seenSuper[s] {
			return invalid(d.Name, "duplicate supertype %s", s)
		}
		seenSuper[s] = true
	}
	if d.PrimaryItemName != "" {
		if err := value.ValidateName(d.PrimaryItemName); err != nil {
			return invalid(d.Name, "primary item: %v", err)
		}
	}

	seen := make(map[string]bool)
	for i := range d.Properties {
		p := &d.Properties[i]
		p.DeclaringType = d.Name
		if err := validateItemName(d.Name, &p.ItemDefinition); err != nil {
			return err
		}
		if !p.IsResidual() {
			if seen[p.Name] {
				return invalid(d.Name, "duplicate property definition %s", p.Name)
			}
			seen[p.Name] = true
		}
		if !p.RequiredType.Valid() {
			return invalid(d.Name, "property %s has invalid type", p.Name)
		}
		if len(p.ValueConstraints) > 0 && p.RequiredType == value.Undefined {
			return invalid(d.Name, "property %s: constraints need a required type", p.Name)
		}
		p.constraints = p.constraints[:0]
		for _, expr := range p.ValueConstraints {
			c, err := value.ParseConstraint(p.RequiredType, expr)
			if err != nil {
				return invalid(d.Name, "property %s: %v", p.Name, err)
			}
			p.constraints = append(p.constraints, c)
		}
		if !p.Multiple && len(p.DefaultValues) > 1 {
			return invalid(d.Name, "property %s: single-valued with several defaults", p.Name)
		}
		for j, v := range p.DefaultValues {
			conv, err := value.Convert(v, p.RequiredType)
			if err != nil {
				return invalid(d.Name, "property %s: default value: %v", p.Name, err)
			}
			if !value.MatchAny(p.constraints, conv, nil) {
				return invalid(d.Name, "property %s: default value %s violates constraints", p.Name, conv)
			}
			p.DefaultValues[j] = conv
		}
	}

	seen = make(map[string]bool)
	for i := range d.ChildNodes {
		c := &d.ChildNodes[i]
		c.DeclaringType = d.Name
		if err := validateItemName(d.Name, &c.ItemDefinition); err != nil {
			return err
		}
		if !c.IsResidual() {
			if seen[c.Name] {
				return invalid(d.Name, "duplicate child node definition %s", c.Name)
			}
			seen[c.Name] = true
		}
		if c.AutoCreated && c.DefaultPrimaryType == "" {
			return invalid(d.Name, "auto-created child %s needs a default primary type", c.Name)
		}
		if len(c.RequiredPrimaryTypes) == 0 {
			c.RequiredPrimaryTypes = []string{NTBase}
		}
	}
	return nil
}

func validateItemName(typeName string, it *ItemDefinition) error {
	if it.OnParentVersion == 0 {
		it.OnParentVersion = OPVCopy
	}
	if it.OnParentVersion < OPVCopy || it.OnParentVersion > OPVAbort {
		return invalid(typeName, "item %s has invalid on-parent-version action", it.Name)
	}
	if it.IsResidual() {
		if it.AutoCreated {
			return invalid(typeName, "residual definitions cannot be auto-created")
		}
		return nil
	}
	if err := value.ValidateName(it.Name); err != nil {
		return invalid(typeName, "item name: %v", err)
	}
	return nil
}

// checkChildTypes verifies child definitions against the resolved types
func (b *builder) checkChildTypes(t *NodeType) error {
	for _, c := range t.def.ChildNodes {
		for _, req := range c.RequiredPrimaryTypes {
			rt, ok := b.types[req]
			if !ok {
				return invalid(t.Name(), "child %s requires unknown type %s", c.Name, req)
			}
			if rt.IsMixin() {
				return invalid(t.Name(), "child %s requires mixin %s as primary type", c.Name, req)
			}
		}
		if c.DefaultPrimaryType == "" {
			continue
		}
		dt, ok := b.types[c.DefaultPrimaryType]
		if !ok {
			return invalid(t.Name(), "child %s defaults to unknown type %s", c.Name, c.DefaultPrimaryType)
		}
		if dt.IsMixin() || dt.IsAbstract() {
			return invalid(t.Name(), "child %s defaults to non-instantiable type %s", c.Name, c.DefaultPrimaryType)
		}
		for _, req := range c.RequiredPrimaryTypes {
			if !dt.IsNodeType(req) {
				return invalid(t.Name(), "child %s default type %s is not a %s", c.Name, c.DefaultPrimaryType, req)
			}
		}
	}
	return nil
}
