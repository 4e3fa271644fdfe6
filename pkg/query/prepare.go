// ABOUTME: Build-time validation of object-model queries
// ABOUTME: Resolves selectors, converts literals and expands columns

package query

import (
	"sort"

	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/value"
)

const opPrepare = "prepareQuery"

type selectorInfo struct {
	name     string
	nodeType string
	eff      *nodetype.EffectiveType // nil when the type is not registered
	matching map[string]bool
}

// Prepared is a validated query bound to one node type snapshot
type Prepared struct {
	query     Query
	types     *nodetype.Snapshot
	selectors []*selectorInfo
	index     map[string]int
	columns   []Column
	binds     map[string]bool
}

// Prepare validates q against types. Unknown selectors, malformed names
// and paths, literals that cannot be converted to the declared type of the
// property they are compared with, and LIKE on non-string operands all fail
// here with an invalid query error.
func Prepare(q Query, types *nodetype.Snapshot) (*Prepared, error) {
	if q.Source == nil {
		return nil, invalid("", "query has no source")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, invalid("", "limit and offset must not be negative")
	}
	p := &Prepared{
		types: types,
		index: make(map[string]int),
		binds: make(map[string]bool),
	}
	src, err := p.source(q.Source)
	if err != nil {
		return nil, err
	}
	q.Source = src

	if q.Constraint != nil {
		c, err := p.constraint(q.Constraint)
		if err != nil {
			return nil, err
		}
		q.Constraint = c
	}
	for _, o := range q.Orderings {
		if _, err := p.dynamic(o.Operand); err != nil {
			return nil, err
		}
	}
	q.Orderings = append([]Ordering(nil), q.Orderings...)
	if p.columns, err = p.expandColumns(q.Columns); err != nil {
		return nil, err
	}
	p.query = q
	return p, nil
}

func invalid(subject, format string, args ...any) error {
	return errs.New(errs.KindInvalidQuery, opPrepare, subject, format, args...)
}

// Query returns the normalised query
func (p *Prepared) Query() Query { return p.query }

// Selectors returns the selector names in source order
func (p *Prepared) Selectors() []string {
	out := make([]string, len(p.selectors))
	for i, s := range p.selectors {
		out[i] = s.name
	}
	return out
}

// Columns returns the result column names
func (p *Prepared) Columns() []string {
	out := make([]string, len(p.columns))
	for i, c := range p.columns {
		out[i] = c.Name
	}
	return out
}

// BindVariableNames returns the variables Evaluate must be given, sorted
func (p *Prepared) BindVariableNames() []string {
	out := make([]string, 0, len(p.binds))
	for n := range p.binds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (p *Prepared) source(s Source) (Source, error) {
	switch src := s.(type) {
	case Selector:
		if err := value.ValidateName(src.NodeType); err != nil {
			return nil, invalid(src.NodeType, "invalid node type name: %v", err)
		}
		name := src.SelectorName()
		if _, dup := p.index[name]; dup {
			return nil, invalid(name, "selector name is used twice")
		}
		info := &selectorInfo{name: name, nodeType: src.NodeType, matching: make(map[string]bool)}
		if p.types.Has(src.NodeType) {
			if eff, err := p.types.Effective(src.NodeType, nil); err == nil {
				info.eff = eff
			}
			for _, t := range p.types.Subtypes(src.NodeType) {
				info.matching[t] = true
			}
		}
		p.index[name] = len(p.selectors)
		p.selectors = append(p.selectors, info)
		src.Name = name
		return src, nil

	case Join:
		left, err := p.source(src.Left)
		if err != nil {
			return nil, err
		}
		right, err := p.source(src.Right)
		if err != nil {
			return nil, err
		}
		if src.Type < InnerJoin || src.Type > RightOuterJoin {
			return nil, invalid("", "unknown join type %d", src.Type)
		}
		cond, err := p.joinCondition(src.Condition)
		if err != nil {
			return nil, err
		}
		return Join{Left: left, Right: right, Type: src.Type, Condition: cond}, nil

	case nil:
		return nil, invalid("", "missing source")
	default:
		return nil, invalid("", "unsupported source %T", s)
	}
}

func (p *Prepared) selector(name string) (*selectorInfo, error) {
	i, ok := p.index[name]
	if !ok {
		return nil, invalid(name, "unknown selector")
	}
	return p.selectors[i], nil
}

func (p *Prepared) joinCondition(c JoinCondition) (JoinCondition, error) {
	switch jc := c.(type) {
	case EquiJoin:
		for _, sp := range [][2]string{{jc.Selector1, jc.Property1}, {jc.Selector2, jc.Property2}} {
			if _, err := p.selector(sp[0]); err != nil {
				return nil, err
			}
			if err := value.ValidateName(sp[1]); err != nil {
				return nil, invalid(sp[1], "invalid property name: %v", err)
			}
		}
		return jc, nil
	case SameNodeJoin:
		if _, err := p.selector(jc.Selector1); err != nil {
			return nil, err
		}
		if _, err := p.selector(jc.Selector2); err != nil {
			return nil, err
		}
		if jc.Path != "" {
			rel, err := value.ParsePath(jc.Path)
			if err != nil || rel.IsAbsolute() {
				return nil, invalid(jc.Path, "same-node join needs a relative path")
			}
		}
		return jc, nil
	case ChildNodeJoin:
		return jc, p.knownSelectors(jc.Child, jc.Parent)
	case DescendantNodeJoin:
		return jc, p.knownSelectors(jc.Descendant, jc.Ancestor)
	case nil:
		return nil, invalid("", "join without condition")
	default:
		return nil, invalid("", "unsupported join condition %T", c)
	}
}

func (p *Prepared) knownSelectors(names ...string) error {
	for _, n := range names {
		if _, err := p.selector(n); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prepared) constraint(c Constraint) (Constraint, error) {
	switch con := c.(type) {
	case And:
		l, r, err := p.pair(con.Left, con.Right)
		return And{Left: l, Right: r}, err
	case Or:
		l, r, err := p.pair(con.Left, con.Right)
		return Or{Left: l, Right: r}, err
	case Not:
		if con.Constraint == nil {
			return nil, invalid("", "NOT without operand")
		}
		inner, err := p.constraint(con.Constraint)
		return Not{Constraint: inner}, err
	case Comparison:
		return p.comparison(con)
	case PropertyExistence:
		if _, err := p.selector(con.Selector); err != nil {
			return nil, err
		}
		if err := value.ValidateName(con.Property); err != nil {
			return nil, invalid(con.Property, "invalid property name: %v", err)
		}
		return con, nil
	case FullTextSearch:
		if _, err := p.selector(con.Selector); err != nil {
			return nil, err
		}
		if con.Property != "" {
			if err := value.ValidateName(con.Property); err != nil {
				return nil, invalid(con.Property, "invalid property name: %v", err)
			}
		}
		switch e := con.Expression.(type) {
		case Literal:
			if _, err := parseFullText(e.Value.String(), con.Property); err != nil {
				return nil, invalid(con.Selector, "%v", err)
			}
		case BindVariable:
			if err := p.bind(e); err != nil {
				return nil, err
			}
		default:
			return nil, invalid(con.Selector, "full-text search without expression")
		}
		return con, nil
	case SameNode:
		path, err := p.path(con.Selector, con.Path)
		return SameNode{Selector: con.Selector, Path: path}, err
	case ChildNode:
		path, err := p.path(con.Selector, con.Path)
		return ChildNode{Selector: con.Selector, Path: path}, err
	case DescendantNode:
		path, err := p.path(con.Selector, con.Path)
		return DescendantNode{Selector: con.Selector, Path: path}, err
	case nil:
		return nil, invalid("", "missing constraint")
	default:
		return nil, invalid("", "unsupported constraint %T", c)
	}
}

func (p *Prepared) pair(a, b Constraint) (Constraint, Constraint, error) {
	if a == nil || b == nil {
		return nil, nil, invalid("", "AND and OR need two operands")
	}
	l, err := p.constraint(a)
	if err != nil {
		return nil, nil, err
	}
	r, err := p.constraint(b)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func (p *Prepared) path(selector, s string) (string, error) {
	if _, err := p.selector(selector); err != nil {
		return "", err
	}
	ip, err := value.ParsePath(s)
	if err != nil || !ip.IsAbsolute() {
		return "", invalid(s, "path constraints need an absolute path")
	}
	norm, err := ip.Normalize()
	if err != nil {
		return "", invalid(s, "%v", err)
	}
	return norm.String(), nil
}

func (p *Prepared) bind(b BindVariable) error {
	if err := value.ValidateName(b.Name); err != nil {
		return invalid(b.Name, "invalid bind variable name: %v", err)
	}
	p.binds[b.Name] = true
	return nil
}

func (p *Prepared) comparison(c Comparison) (Constraint, error) {
	t, err := p.dynamic(c.Operand1)
	if err != nil {
		return nil, err
	}
	if c.Operator < OpEqual || c.Operator > OpLike {
		return nil, invalid("", "unknown operator %d", c.Operator)
	}
	if c.Operator == OpLike {
		switch c.Operand1.(type) {
		case Length, FullTextSearchScore:
			return nil, invalid(c.Operator.String(), "LIKE needs a string operand, got %T", c.Operand1)
		}
		switch t {
		case value.Undefined, value.String, value.Name, value.Path, value.URI, value.Reference, value.WeakReference:
		default:
			return nil, invalid(c.Operator.String(), "LIKE cannot be applied to %s values", t)
		}
		t = value.String
	}

	switch o := c.Operand2.(type) {
	case Literal:
		if o.Value.IsZero() {
			return nil, invalid("", "comparison with an unset literal")
		}
		if t != value.Undefined {
			conv, err := value.Convert(o.Value, t)
			if err != nil {
				return nil, invalid(o.Value.String(), "literal cannot be converted to %s: %v", t, err)
			}
			c.Operand2 = Literal{Value: conv}
		}
	case BindVariable:
		if err := p.bind(o); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("", "comparison without static operand")
	}
	return c, nil
}

// dynamic checks an operand and returns the type its values are declared
// to have, Undefined when unknown
func (p *Prepared) dynamic(op DynamicOperand) (value.Type, error) {
	switch o := op.(type) {
	case PropertyValue:
		sel, err := p.selector(o.Selector)
		if err != nil {
			return value.Undefined, err
		}
		if err := value.ValidateName(o.Property); err != nil {
			return value.Undefined, invalid(o.Property, "invalid property name: %v", err)
		}
		if sel.eff != nil {
			if def, ok := sel.eff.NamedPropertyDefinition(o.Property); ok {
				return def.RequiredType, nil
			}
		}
		return value.Undefined, nil
	case Length:
		if _, err := p.dynamic(o.Property); err != nil {
			return value.Undefined, err
		}
		return value.Long, nil
	case NodeName:
		_, err := p.selector(o.Selector)
		return value.Name, err
	case NodeLocalName:
		_, err := p.selector(o.Selector)
		return value.String, err
	case FullTextSearchScore:
		_, err := p.selector(o.Selector)
		return value.Double, err
	case LowerCase:
		if _, err := p.dynamic(o.Operand); err != nil {
			return value.Undefined, err
		}
		return value.String, nil
	case UpperCase:
		if _, err := p.dynamic(o.Operand); err != nil {
			return value.Undefined, err
		}
		return value.String, nil
	case nil:
		return value.Undefined, invalid("", "missing operand")
	default:
		return value.Undefined, invalid("", "unsupported operand %T", op)
	}
}

func (p *Prepared) expandColumns(cols []Column) ([]Column, error) {
	if len(cols) == 0 {
		for _, s := range p.selectors {
			cols = append(cols, Column{Selector: s.name})
		}
	}
	single := len(p.selectors) == 1
	var out []Column
	seen := make(map[string]bool)
	add := func(c Column) error {
		if seen[c.Name] {
			return invalid(c.Name, "column name is used twice")
		}
		seen[c.Name] = true
		out = append(out, c)
		return nil
	}
	for _, c := range cols {
		sel, err := p.selector(c.Selector)
		if err != nil {
			return nil, err
		}
		if c.Property == "" {
			if sel.eff == nil {
				continue
			}
			for _, def := range sel.eff.PropertyDefinitions() {
				if def.IsResidual() {
					continue
				}
				if err := add(Column{Selector: sel.name, Property: def.Name, Name: columnName(sel.name, def.Name, single)}); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := value.ValidateName(c.Property); err != nil {
			return nil, invalid(c.Property, "invalid property name: %v", err)
		}
		if c.Name == "" {
			c.Name = columnName(sel.name, c.Property, single)
		}
		if err := add(c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func columnName(selector, property string, single bool) string {
	if single {
		return property
	}
	return selector + "." + property
}
