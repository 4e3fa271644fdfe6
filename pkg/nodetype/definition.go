// ABOUTME: Node type and item definition data model
// ABOUTME: Item definitions are capability structs tagged with an ItemKind

package nodetype

import (
	"fmt"
	"strings"

	"github.com/nainya/contentstore/pkg/value"
)

// Residual is the name of a definition that matches any item name
const Residual = "*"

// OnParentVersion is the action applied to an item when its node is checked in
type OnParentVersion int

const (
	OPVCopy OnParentVersion = iota + 1
	OPVVersion
	OPVInitialize
	OPVCompute
	OPVIgnore
	OPVAbort
)

var opvNames = map[OnParentVersion]string{
	OPVCopy:       "COPY",
	OPVVersion:    "VERSION",
	OPVInitialize: "INITIALIZE",
	OPVCompute:    "COMPUTE",
	OPVIgnore:     "IGNORE",
	OPVAbort:      "ABORT",
}

func (o OnParentVersion) String() string {
	if s, ok := opvNames[o]; ok {
		return s
	}
	return fmt.Sprintf("OPV(%d)", int(o))
}

// ParseOnParentVersion resolves an action name; empty means COPY
func ParseOnParentVersion(s string) (OnParentVersion, error) {
	if s == "" {
		return OPVCopy, nil
	}
	for k, v := range opvNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown on-parent-version action: %q", s)
}

// ItemKind discriminates property and child node definitions
type ItemKind int

const (
	PropertyItem ItemKind = iota
	NodeItem
)

func (k ItemKind) String() string {
	if k == NodeItem {
		return "node"
	}
	return "property"
}

// ItemDefinition holds the attributes shared by property and child node
// definitions
type ItemDefinition struct {
	Name            string
	AutoCreated     bool
	Mandatory       bool
	Protected       bool
	OnParentVersion OnParentVersion
	DeclaringType   string
}

// IsResidual reports whether the definition matches any name
func (d *ItemDefinition) IsResidual() bool { return d.Name == Residual }

// Item is implemented by both definition kinds
type Item interface {
	Kind() ItemKind
	Common() *ItemDefinition
}

// PropertyDefinition constrains properties of a node type
type PropertyDefinition struct {
	ItemDefinition
	RequiredType       value.Type
	ValueConstraints   []string
	DefaultValues      []value.Value
	Multiple           bool
	FullTextSearchable bool
	QueryOrderable     bool

	constraints []value.Constraint
}

func (d *PropertyDefinition) Kind() ItemKind { return PropertyItem }
func (d *PropertyDefinition) Common() *ItemDefinition { return &d.ItemDefinition }

// Constraints returns the parsed value constraints
func (d *PropertyDefinition) Constraints() []value.Constraint { return d.constraints }

// NodeDefinition constrains child nodes of a node type
type NodeDefinition struct {
	ItemDefinition
	RequiredPrimaryTypes []string
	DefaultPrimaryType   string
	SameNameSiblings     bool
}

func (d *NodeDefinition) Kind() ItemKind { return NodeItem }
func (d *NodeDefinition) Common() *ItemDefinition { return &d.ItemDefinition }

// Definition is the declared form of a node type, as registered
type Definition struct {
	Name                string
	Supertypes          []string
	Abstract            bool
	Mixin               bool
	NoQuery             bool
	OrderableChildNodes bool
	PrimaryItemName     string
	Properties          []PropertyDefinition
	ChildNodes          []NodeDefinition
}

// Clone deep-copies d
func (d Definition) Clone() Definition {
	out := d
	out.Supertypes = append([]string(nil), d.Supertypes...)
	out.Properties = make([]PropertyDefinition, len(d.Properties))
	for i, p := range d.Properties {
		p.ValueConstraints = append([]string(nil), p.ValueConstraints...)
		p.DefaultValues = append([]value.Value(nil), p.DefaultValues...)
		p.constraints = append([]value.Constraint(nil), p.constraints...)
		out.Properties[i] = p
	}
	out.ChildNodes = make([]NodeDefinition, len(d.ChildNodes))
	for i, c := range d.ChildNodes {
		c.RequiredPrimaryTypes = append([]string(nil), c.RequiredPrimaryTypes...)
		out.ChildNodes[i] = c
	}
	return out
}
