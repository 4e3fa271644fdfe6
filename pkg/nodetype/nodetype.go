// ABOUTME: Registered node types and effective (merged) type views
// ABOUTME: Inheritance merges item definitions by name, most derived wins

package nodetype

import (
	"sort"

	"github.com/nainya/contentstore/pkg/value"
)

// itemSet is the merged item definitions of one or more types
type itemSet struct {
	props         map[string]*PropertyDefinition
	residualProps []*PropertyDefinition
	nodes         map[string]*NodeDefinition
	residualNodes []*NodeDefinition
}

func newItemSet() *itemSet {
	return &itemSet{
		props: make(map[string]*PropertyDefinition),
		nodes: make(map[string]*NodeDefinition),
	}
}

// override applies declarations so that they replace same-named entries
func (s *itemSet) override(def *Definition) {
	for i := range def.Properties {
		p := &def.Properties[i]
		if p.IsResidual() {
			s.residualProps = replaceResidualProp(s.residualProps, p)
			continue
		}
		s.props[p.Name] = p
	}
	for i := range def.ChildNodes {
		n := &def.ChildNodes[i]
		if n.IsResidual() {
			s.residualNodes = replaceResidualNode(s.residualNodes, n)
			continue
		}
		s.nodes[n.Name] = n
	}
}

// fill adds entries from o that s does not define yet
func (s *itemSet) fill(o *itemSet) {
	for name, p := range o.props {
		if _, ok := s.props[name]; !ok {
			s.props[name] = p
		}
	}
	for name, n := range o.nodes {
		if _, ok := s.nodes[name]; !ok {
			s.nodes[name] = n
		}
	}
	for _, p := range o.residualProps {
		if !containsResidualProp(s.residualProps, p) {
			s.residualProps = append(s.residualProps, p)
		}
	}
	for _, n := range o.residualNodes {
		if !containsResidualNode(s.residualNodes, n) {
			s.residualNodes = append(s.residualNodes, n)
		}
	}
}

func sameResidualProp(a, b *PropertyDefinition) bool {
	return a.RequiredType == b.RequiredType && a.Multiple == b.Multiple
}

func replaceResidualProp(list []*PropertyDefinition, p *PropertyDefinition) []*PropertyDefinition {
	out := make([]*PropertyDefinition, 0, len(list)+1)
	for _, e := range list {
		if !sameResidualProp(e, p) {
			out = append(out, e)
		}
	}
	return append(out, p)
}

func containsResidualProp(list []*PropertyDefinition, p *PropertyDefinition) bool {
	for _, e := range list {
		if sameResidualProp(e, p) {
			return true
		}
	}
	return false
}

func sameResidualNode(a, b *NodeDefinition) bool {
	if len(a.RequiredPrimaryTypes) != len(b.RequiredPrimaryTypes) || a.SameNameSiblings != b.SameNameSiblings {
		return false
	}
	for i := range a.RequiredPrimaryTypes {
		if a.RequiredPrimaryTypes[i] != b.RequiredPrimaryTypes[i] {
			return false
		}
	}
	return true
}

func replaceResidualNode(list []*NodeDefinition, n *NodeDefinition) []*NodeDefinition {
	out := make([]*NodeDefinition, 0, len(list)+1)
	for _, e := range list {
		if !sameResidualNode(e, n) {
			out = append(out, e)
		}
	}
	return append(out, n)
}

func containsResidualNode(list []*NodeDefinition, n *NodeDefinition) bool {
	for _, e := range list {
		if sameResidualNode(e, n) {
			return true
		}
	}
	return false
}

// NodeType is a registered, immutable node type
type NodeType struct {
	def         Definition
	builtin     bool
	supertypes  []string
	items       *itemSet
	orderable   bool
	primaryItem string
}

func (t *NodeType) Name() string            { return t.def.Name }
func (t *NodeType) IsMixin() bool           { return t.def.Mixin }
func (t *NodeType) IsAbstract() bool        { return t.def.Abstract }
func (t *NodeType) IsQueryable() bool       { return !t.def.NoQuery }
func (t *NodeType) IsBuiltin() bool         { return t.builtin }
func (t *NodeType) PrimaryItemName() string { return t.primaryItem }

// HasOrderableChildNodes is true if the type or any supertype declares it
func (t *NodeType) HasOrderableChildNodes() bool { return t.orderable }

// Definition returns a copy of the declared definition
func (t *NodeType) Definition() Definition { return t.def.Clone() }

// DeclaredSupertypeNames returns the directly declared supertypes
func (t *NodeType) DeclaredSupertypeNames() []string {
	return append([]string(nil), t.def.Supertypes...)
}

// SupertypeNames returns every transitive supertype, most basic first
func (t *NodeType) SupertypeNames() []string {
	return append([]string(nil), t.supertypes...)
}

// IsNodeType reports whether t is name or a subtype of it
func (t *NodeType) IsNodeType(name string) bool {
	if t.def.Name == name {
		return true
	}
	for _, s := range t.supertypes {
		if s == name {
			return true
		}
	}
	return false
}

// PropertyDefinitions returns the effective property definitions, named ones
// sorted by name followed by residual ones
func (t *NodeType) PropertyDefinitions() []*PropertyDefinition {
	return t.items.propertyList()
}

// ChildNodeDefinitions returns the effective child node definitions
func (t *NodeType) ChildNodeDefinitions() []*NodeDefinition {
	return t.items.nodeList()
}

func (s *itemSet) propertyList() []*PropertyDefinition {
	names := make([]string, 0, len(s.props))
	for n := range s.props {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*PropertyDefinition, 0, len(names)+len(s.residualProps))
	for _, n := range names {
		out = append(out, s.props[n])
	}
	return append(out, s.residualProps...)
}

func (s *itemSet) nodeList() []*NodeDefinition {
	names := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*NodeDefinition, 0, len(names)+len(s.residualNodes))
	for _, n := range names {
		out = append(out, s.nodes[n])
	}
	return append(out, s.residualNodes...)
}

// EffectiveType is the merged view of a node's primary type and mixins
type EffectiveType struct {
	snap    *Snapshot
	primary *NodeType
	mixins  []*NodeType
	names   map[string]struct{}
	items   *itemSet
}

func (e *EffectiveType) Primary() *NodeType { return e.primary }

// Mixins returns the assigned mixin types in assignment order
func (e *EffectiveType) Mixins() []*NodeType { return append([]*NodeType(nil), e.mixins...) }

// IsNodeType reports whether any of the merged types is name or a subtype
func (e *EffectiveType) IsNodeType(name string) bool {
	_, ok := e.names[name]
	return ok
}

// TypeNames returns every type name the node is an instance of, sorted
func (e *EffectiveType) TypeNames() []string {
	out := make([]string, 0, len(e.names))
	for n := range e.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (e *EffectiveType) HasOrderableChildNodes() bool { return e.primary.orderable }

func (e *EffectiveType) PrimaryItemName() string { return e.primary.primaryItem }

func (e *EffectiveType) PropertyDefinitions() []*PropertyDefinition { return e.items.propertyList() }

func (e *EffectiveType) ChildNodeDefinitions() []*NodeDefinition { return e.items.nodeList() }

// NamedPropertyDefinition returns the definition declared for exactly name
func (e *EffectiveType) NamedPropertyDefinition(name string) (*PropertyDefinition, bool) {
	p, ok := e.items.props[name]
	return p, ok
}

// NamedChildNodeDefinition returns the definition declared for exactly name
func (e *EffectiveType) NamedChildNodeDefinition(name string) (*NodeDefinition, bool) {
	n, ok := e.items.nodes[name]
	return n, ok
}

// PropertyDefinition finds the definition that governs a property called
// name holding values of type t. A named definition takes precedence over
// residual ones; among residual definitions an exact type match is preferred
// over UNDEFINED, which is preferred over a type that needs conversion.
func (e *EffectiveType) PropertyDefinition(name string, t value.Type, multiple bool) (*PropertyDefinition, bool) {
	if p, ok := e.items.props[name]; ok {
		if p.Multiple != multiple {
			return nil, false
		}
		return p, true
	}
	var undefined, other *PropertyDefinition
	for _, p := range e.items.residualProps {
		if p.Multiple != multiple {
			continue
		}
		switch {
		case p.RequiredType == t:
			return p, true
		case p.RequiredType == value.Undefined:
			if undefined == nil {
				undefined = p
			}
		default:
			if other == nil {
				other = p
			}
		}
	}
	if undefined != nil {
		return undefined, true
	}
	return other, other != nil
}

// ChildNodeDefinition finds the definition that allows a child called name
// with the given primary type. An empty primary type selects the
// definition's default. It returns the definition and the resolved type.
func (e *EffectiveType) ChildNodeDefinition(name, primaryType string) (*NodeDefinition, string, bool) {
	if n, ok := e.items.nodes[name]; ok {
		if resolved, ok := e.acceptChild(n, primaryType); ok {
			return n, resolved, true
		}
		return nil, "", false
	}
	for _, n := range e.items.residualNodes {
		if resolved, ok := e.acceptChild(n, primaryType); ok {
			return n, resolved, true
		}
	}
	return nil, "", false
}

func (e *EffectiveType) acceptChild(n *NodeDefinition, primaryType string) (string, bool) {
	if primaryType == "" {
		primaryType = n.DefaultPrimaryType
	}
	if primaryType == "" {
		return "", false
	}
	t, err := e.snap.Get(primaryType)
	if err != nil || t.IsMixin() || t.IsAbstract() {
		return "", false
	}
	for _, req := range n.RequiredPrimaryTypes {
		if !t.IsNodeType(req) {
			return "", false
		}
	}
	return primaryType, true
}

func newEffectiveType(snap *Snapshot, primary *NodeType, mixins []*NodeType) *EffectiveType {
	e := &EffectiveType{
		snap:    snap,
		primary: primary,
		mixins:  mixins,
		names:   make(map[string]struct{}),
		items:   newItemSet(),
	}
	for _, t := range append([]*NodeType{primary}, mixins...) {
		e.names[t.Name()] = struct{}{}
		for _, s := range t.supertypes {
			e.names[s] = struct{}{}
		}
		e.items.fill(t.items)
	}
	return e
}
