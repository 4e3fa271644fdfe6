// ABOUTME: Constraint enforcer validating mutations against effective node types
// ABOUTME: Single entry point Validate covers set, remove, add and commit checks

package constraint

import (
	"fmt"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/value"
)

// Kind identifies the mutation being validated
type Kind int

const (
	SetProperty Kind = iota
	RemoveProperty
	AddChild
	RemoveNode
	CommitNode
)

func (k Kind) String() string {
	switch k {
	case SetProperty:
		return "setProperty"
	case RemoveProperty:
		return "removeProperty"
	case AddChild:
		return "addChild"
	case RemoveNode:
		return "removeNode"
	case CommitNode:
		return "commit"
	}
	return fmt.Sprintf("mutation(%d)", int(k))
}

// PropertyState is a property as seen by the enforcer
type PropertyState struct {
	Name     string
	Type     value.Type
	Multiple bool
	Values   []value.Value
}

// ChildState is a child node entry as seen by the enforcer
type ChildState struct {
	Name        string
	PrimaryType string
}

// NodeState is the full content of a node validated on commit
type NodeState struct {
	Properties []PropertyState
	Children   []ChildState
}

// Mutation describes one change to a node. Path names the node for errors.
type Mutation struct {
	Kind Kind
	Path string

	// Name is the property or child node name
	Name     string
	Type     value.Type
	Multiple bool
	Values   []value.Value

	// ChildPrimaryType is the requested type of an added or removed child;
	// empty selects the definition default
	ChildPrimaryType string
	// Siblings counts existing children with the same name
	Siblings int

	// System marks writes issued by the engine itself, which may touch
	// protected items
	System bool

	// Node and Refs are used by CommitNode
	Node NodeState
	Refs value.TypeChecker
}

// Result carries what validation resolved
type Result struct {
	Property    *nodetype.PropertyDefinition
	Child       *nodetype.NodeDefinition
	Values      []value.Value
	Type        value.Type
	PrimaryType string
}

// Enforcer checks mutations against effective node types. It holds no state
// and is safe for concurrent use.
type Enforcer struct{}

// New returns an enforcer
func New() *Enforcer { return &Enforcer{} }

// Validate checks m against eff, the effective type of the mutated node (for
// AddChild and RemoveNode, of the parent)
func (e *Enforcer) Validate(m Mutation, eff *nodetype.EffectiveType) (Result, error) {
	switch m.Kind {
	case SetProperty:
		return e.setProperty(m, eff)
	case RemoveProperty:
		return e.removeProperty(m, eff)
	case AddChild:
		return e.addChild(m, eff)
	case RemoveNode:
		return e.removeNode(m, eff)
	case CommitNode:
		return Result{}, e.commitNode(m, eff)
	}
	return Result{}, errs.Unsupported(m.Kind.String(), m.Path, "unknown mutation")
}

func violation(m Mutation, format string, args ...any) error {
	return errs.ConstraintViolation(m.Kind.String(), m.Path, format, args...)
}

func (e *Enforcer) setProperty(m Mutation, eff *nodetype.EffectiveType) (Result, error) {
	if err := value.ValidateName(m.Name); err != nil {
		return Result{}, violation(m, "%v", err)
	}
	if !m.Multiple && len(m.Values) != 1 {
		return Result{}, violation(m, "single-valued property %s needs exactly one value", m.Name)
	}
	t := m.Type
	if t == value.Undefined {
		t = value.TypeOf(m.Values)
	}
	if len(m.Values) > 0 && value.TypeOf(m.Values) == value.Undefined {
		return Result{}, errs.New(errs.KindValueFormat, m.Kind.String(), m.Path, "values of %s have mixed types", m.Name)
	}
	if t == value.Undefined {
		t = value.String
	}

	def, ok := eff.PropertyDefinition(m.Name, t, m.Multiple)
	if !ok {
		return Result{}, violation(m, "no definition allows property %s (%s, multiple=%t)", m.Name, t, m.Multiple)
	}
	if def.Protected && !m.System {
		return Result{}, violation(m, "property %s is protected", m.Name)
	}

	target := t
	if def.RequiredType != value.Undefined {
		target = def.RequiredType
	}
	out := make([]value.Value, len(m.Values))
	for i, v := range m.Values {
		conv, err := value.Convert(v, target)
		if err != nil {
			return Result{}, err
		}
		if err := checkSyntax(conv); err != nil {
			return Result{}, errs.New(errs.KindValueFormat, m.Kind.String(), m.Path, "property %s: %v", m.Name, err)
		}
		out[i] = conv
	}
	return Result{Property: def, Values: out, Type: target}, nil
}

func checkSyntax(v value.Value) error {
	switch v.Type() {
	case value.Name:
		return value.ValidateName(v.String())
	case value.Path:
		_, err := value.ParsePath(v.String())
		return err
	}
	return nil
}

func (e *Enforcer) removeProperty(m Mutation, eff *nodetype.EffectiveType) (Result, error) {
	def, ok := eff.PropertyDefinition(m.Name, m.Type, m.Multiple)
	if !ok {
		return Result{}, nil
	}
	if def.Protected && !m.System {
		return Result{}, violation(m, "property %s is protected", m.Name)
	}
	return Result{Property: def}, nil
}

func (e *Enforcer) addChild(m Mutation, eff *nodetype.EffectiveType) (Result, error) {
	if err := value.ValidateName(m.Name); err != nil {
		return Result{}, violation(m, "%v", err)
	}
	def, primary, ok := eff.ChildNodeDefinition(m.Name, m.ChildPrimaryType)
	if !ok {
		if m.ChildPrimaryType == "" {
			return Result{}, violation(m, "no definition allows child %s without an explicit type", m.Name)
		}
		return Result{}, violation(m, "no definition allows child %s of type %s", m.Name, m.ChildPrimaryType)
	}
	if def.Protected && !m.System {
		return Result{}, violation(m, "child %s is protected", m.Name)
	}
	if m.Siblings > 0 && !def.SameNameSiblings {
		return Result{}, errs.New(errs.KindItemExists, m.Kind.String(), m.Path, "child %s already exists", m.Name)
	}
	return Result{Child: def, PrimaryType: primary}, nil
}

func (e *Enforcer) removeNode(m Mutation, eff *nodetype.EffectiveType) (Result, error) {
	def, _, ok := eff.ChildNodeDefinition(m.Name, m.ChildPrimaryType)
	if !ok {
		return Result{}, nil
	}
	if def.Protected && !m.System {
		return Result{}, violation(m, "child %s is protected", m.Name)
	}
	return Result{Child: def}, nil
}

func (e *Enforcer) commitNode(m Mutation, eff *nodetype.EffectiveType) error {
	present := make(map[string]bool, len(m.Node.Properties))
	for _, p := range m.Node.Properties {
		present[p.Name] = true
		def, ok := eff.PropertyDefinition(p.Name, p.Type, p.Multiple)
		if !ok {
			return violation(m, "no definition allows property %s (%s, multiple=%t)", p.Name, p.Type, p.Multiple)
		}
		if def.RequiredType != value.Undefined && def.RequiredType != p.Type {
			return violation(m, "property %s has type %s, requires %s", p.Name, p.Type, def.RequiredType)
		}
		for _, v := range p.Values {
			if !value.MatchAny(def.Constraints(), v, m.Refs) {
				return violation(m, "property %s value %q violates constraints %v", p.Name, v.String(), def.ValueConstraints)
			}
		}
	}
	for _, def := range eff.PropertyDefinitions() {
		if def.Mandatory && !def.IsResidual() && !present[def.Name] {
			return violation(m, "mandatory property %s is missing", def.Name)
		}
	}

	counts := make(map[string]int, len(m.Node.Children))
	for _, c := range m.Node.Children {
		counts[c.Name]++
		def, _, ok := eff.ChildNodeDefinition(c.Name, c.PrimaryType)
		if !ok {
			return violation(m, "no definition allows child %s of type %s", c.Name, c.PrimaryType)
		}
		if counts[c.Name] > 1 && !def.SameNameSiblings {
			return violation(m, "child %s does not allow same-name siblings", c.Name)
		}
	}
	for _, def := range eff.ChildNodeDefinitions() {
		if def.Mandatory && !def.IsResidual() && counts[def.Name] == 0 {
			return violation(m, "mandatory child node %s is missing", def.Name)
		}
	}
	return nil
}

// PropertyAction returns the on-parent-version action for a property;
// properties without a definition are copied
func PropertyAction(eff *nodetype.EffectiveType, p PropertyState) nodetype.OnParentVersion {
	if def, ok := eff.PropertyDefinition(p.Name, p.Type, p.Multiple); ok {
		return def.OnParentVersion
	}
	return nodetype.OPVCopy
}

// ChildAction returns the on-parent-version action for a child node
func ChildAction(eff *nodetype.EffectiveType, c ChildState) nodetype.OnParentVersion {
	if def, _, ok := eff.ChildNodeDefinition(c.Name, c.PrimaryType); ok {
		return def.OnParentVersion
	}
	return nodetype.OPVCopy
}
