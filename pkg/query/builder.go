// ABOUTME: Fluent construction of object-model queries
// ABOUTME: Where calls accumulate into a conjunction

package query

import "github.com/nainya/contentstore/pkg/value"

// Builder provides a fluent interface for building queries
type Builder struct {
	query Query
}

// NewBuilder starts a query over source
func NewBuilder(source Source) *Builder {
	return &Builder{query: Query{Source: source}}
}

// From starts a query over one selector
func From(nodeType, name string) *Builder {
	return NewBuilder(Selector{NodeType: nodeType, Name: name})
}

// Join combines the current source with right
func (b *Builder) Join(right Source, t JoinType, cond JoinCondition) *Builder {
	b.query.Source = Join{Left: b.query.Source, Right: right, Type: t, Condition: cond}
	return b
}

// Where adds a constraint; several constraints must all hold
func (b *Builder) Where(c Constraint) *Builder {
	if b.query.Constraint == nil {
		b.query.Constraint = c
	} else {
		b.query.Constraint = And{Left: b.query.Constraint, Right: c}
	}
	return b
}

// OrderBy appends an ordering
func (b *Builder) OrderBy(op DynamicOperand, descending bool) *Builder {
	b.query.Orderings = append(b.query.Orderings, Ordering{Operand: op, Descending: descending})
	return b
}

// Column appends a result column
func (b *Builder) Column(selector, property, name string) *Builder {
	b.query.Columns = append(b.query.Columns, Column{Selector: selector, Property: property, Name: name})
	return b
}

// Limit sets the result limit
func (b *Builder) Limit(limit int) *Builder {
	b.query.Limit = limit
	return b
}

// Offset sets the result offset
func (b *Builder) Offset(offset int) *Builder {
	b.query.Offset = offset
	return b
}

// Build returns the constructed query
func (b *Builder) Build() Query {
	return b.query
}

// Prop is shorthand for a property operand
func Prop(selector, property string) PropertyValue {
	return PropertyValue{Selector: selector, Property: property}
}

// Compare is shorthand for a comparison against a literal
func Compare(op DynamicOperand, operator Operator, v value.Value) Comparison {
	return Comparison{Operand1: op, Operator: operator, Operand2: Literal{Value: v}}
}

// Bind is shorthand for a comparison against a bind variable
func Bind(op DynamicOperand, operator Operator, name string) Comparison {
	return Comparison{Operand1: op, Operator: operator, Operand2: BindVariable{Name: name}}
}
