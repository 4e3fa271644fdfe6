// ABOUTME: Query object model: sources, constraints, operands and orderings
// ABOUTME: Queries are plain values built directly or through Builder

package query

import (
	"github.com/nainya/contentstore/pkg/value"
)

// Source produces the node-tuples a query filters
type Source interface {
	isSource()
}

// Selector yields every node whose primary type or a mixin is NodeType or
// one of its subtypes. Name identifies the selector in constraints and
// defaults to NodeType.
type Selector struct {
	NodeType string
	Name     string
}

func (Selector) isSource() {}

// SelectorName returns the name the selector is referred to by
func (s Selector) SelectorName() string {
	if s.Name == "" {
		return s.NodeType
	}
	return s.Name
}

// JoinType defines the join operation
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftOuterJoin
	RightOuterJoin
)

func (t JoinType) String() string {
	switch t {
	case LeftOuterJoin:
		return "left outer"
	case RightOuterJoin:
		return "right outer"
	default:
		return "inner"
	}
}

// Join combines the tuples of two sources
type Join struct {
	Left      Source
	Right     Source
	Type      JoinType
	Condition JoinCondition
}

func (Join) isSource() {}

// JoinCondition relates the nodes of two selectors
type JoinCondition interface {
	isJoinCondition()
}

// EquiJoin holds when a value of Property1 equals a value of Property2
type EquiJoin struct {
	Selector1, Property1 string
	Selector2, Property2 string
}

// SameNodeJoin holds when Selector1 is the node at Path relative to
// Selector2, or Selector2 itself when Path is empty
type SameNodeJoin struct {
	Selector1, Selector2 string
	Path                 string
}

// ChildNodeJoin holds when Child is a child of Parent
type ChildNodeJoin struct {
	Child, Parent string
}

// DescendantNodeJoin holds when Descendant lies below Ancestor
type DescendantNodeJoin struct {
	Descendant, Ancestor string
}

func (EquiJoin) isJoinCondition()           {}
func (SameNodeJoin) isJoinCondition()       {}
func (ChildNodeJoin) isJoinCondition()      {}
func (DescendantNodeJoin) isJoinCondition() {}

// Constraint filters tuples
type Constraint interface {
	isConstraint()
}

type And struct{ Left, Right Constraint }
type Or struct{ Left, Right Constraint }
type Not struct{ Constraint Constraint }

// Operator compares two operands
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLike
)

var operatorNames = [...]string{"=", "<>", "<", "<=", ">", ">=", "LIKE"}

func (o Operator) String() string {
	if int(o) < len(operatorNames) {
		return operatorNames[o]
	}
	return "?"
}

// Comparison holds when some value of Operand1 compares to Operand2
type Comparison struct {
	Operand1 DynamicOperand
	Operator Operator
	Operand2 StaticOperand
}

// PropertyExistence holds when the selector's node has Property
type PropertyExistence struct {
	Selector, Property string
}

// FullTextSearch matches Expression against the text of Property, or of
// every text property when Property is empty. Expression terms are
// separated by spaces; "OR" separates alternatives, a leading "-" excludes
// a term and double quotes group a phrase.
type FullTextSearch struct {
	Selector, Property string
	Expression         StaticOperand
}

// SameNode holds for the node at Path
type SameNode struct {
	Selector, Path string
}

// ChildNode holds for the children of the node at Path
type ChildNode struct {
	Selector, Path string
}

// DescendantNode holds for every node below Path
type DescendantNode struct {
	Selector, Path string
}

func (And) isConstraint()               {}
func (Or) isConstraint()                {}
func (Not) isConstraint()               {}
func (Comparison) isConstraint()        {}
func (PropertyExistence) isConstraint() {}
func (FullTextSearch) isConstraint()    {}
func (SameNode) isConstraint()          {}
func (ChildNode) isConstraint()         {}
func (DescendantNode) isConstraint()    {}

// DynamicOperand evaluates against a tuple
type DynamicOperand interface {
	isDynamic()
}

type PropertyValue struct{ Selector, Property string }

// Length evaluates to the length of each value of a property; binaries
// measure bytes, everything else characters of the string form
type Length struct{ Property PropertyValue }

type NodeName struct{ Selector string }
type NodeLocalName struct{ Selector string }
type FullTextSearchScore struct{ Selector string }
type LowerCase struct{ Operand DynamicOperand }
type UpperCase struct{ Operand DynamicOperand }

func (PropertyValue) isDynamic()       {}
func (Length) isDynamic()              {}
func (NodeName) isDynamic()            {}
func (NodeLocalName) isDynamic()       {}
func (FullTextSearchScore) isDynamic() {}
func (LowerCase) isDynamic()           {}
func (UpperCase) isDynamic()           {}

// StaticOperand is fixed for one evaluation
type StaticOperand interface {
	isStatic()
}

type Literal struct{ Value value.Value }

// BindVariable is supplied when the query is evaluated
type BindVariable struct{ Name string }

func (Literal) isStatic()      {}
func (BindVariable) isStatic() {}

// Ordering sorts by the first value of Operand; nodes without a value sort
// first in ascending order
type Ordering struct {
	Operand    DynamicOperand
	Descending bool
}

// Column exposes a property in result rows. An empty Property expands to
// every named property of the selector's node type.
type Column struct {
	Selector string
	Property string
	Name     string
}

// Query is a complete object-model query
type Query struct {
	Source     Source
	Constraint Constraint
	Orderings  []Ordering
	Columns    []Column
	Limit      int // 0 means unlimited
	Offset     int
}
