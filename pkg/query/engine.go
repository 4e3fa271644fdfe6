// ABOUTME: Query evaluation over a workspace snapshot
// ABOUTME: Resolves sources, filters tuples, sorts and paginates

package query

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/errs"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

const opEvaluate = "evaluateQuery"

// cancellation is checked every this many tuples
const checkEvery = 256

// Engine evaluates queries against the workspaces of a tree engine
type Engine struct {
	trees   *tree.Engine
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a new query engine
func NewEngine(e *tree.Engine) *Engine {
	return &Engine{
		trees:   e,
		log:     e.Logger().Component("query"),
		metrics: e.Metrics(),
	}
}

// Prepare validates q against the currently registered node types
func (q *Engine) Prepare(query Query) (*Prepared, error) {
	return Prepare(query, q.trees.Types().Snapshot())
}

// Execute evaluates p against a snapshot of workspace taken now
func (q *Engine) Execute(ctx context.Context, workspace string, p *Prepared, binds map[string]value.Value) (*Result, error) {
	s, err := q.trees.Workspace(workspace)
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	defer snap.Close()

	start := time.Now()
	res, err := Evaluate(ctx, snap, p, binds)
	rows := 0
	if res != nil {
		rows = res.Len()
	}
	q.metrics.RecordQuery(time.Since(start), rows, err)
	if err != nil {
		q.log.Debug("query failed").Str("workspace", workspace).Err(err).Send()
		return nil, err
	}
	q.log.Debug("query evaluated").
		Str("workspace", workspace).
		Uint64("seq", snap.Seq()).
		Int("rows", rows).
		Dur("took", time.Since(start)).
		Send()
	return res, nil
}

// tuple holds one node per selector; nil marks the missing side of an
// outer join
type tuple []*tree.Node

type evaluator struct {
	ctx     context.Context
	p       *Prepared
	snap    *tree.Snapshot
	binds   map[string]value.Value
	scorers map[int]*fullText
	steps   int
}

// Evaluate runs p against snap. The result holds the matching tuples in
// order; it stays valid after snap is closed. Unordered results follow
// document order of the first selector, then of the joined selectors.
func Evaluate(ctx context.Context, snap *tree.Snapshot, p *Prepared, binds map[string]value.Value) (*Result, error) {
	for name := range p.binds {
		if _, ok := binds[name]; !ok {
			return nil, errs.New(errs.KindInvalidQuery, opEvaluate, name, "bind variable has no value")
		}
	}
	ev := &evaluator{ctx: ctx, p: p, snap: snap, binds: binds, scorers: make(map[int]*fullText)}

	var filter func(tuple) bool
	if p.query.Constraint != nil {
		f, err := ev.compile(p.query.Constraint)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	operands := make([]func(tuple) ([]value.Value, bool), len(p.query.Orderings))
	for i, o := range p.query.Orderings {
		f, err := ev.operand(o.Operand)
		if err != nil {
			return nil, err
		}
		operands[i] = f
	}

	all, err := ev.source(p.query.Source)
	if err != nil {
		return nil, err
	}
	tuples := all[:0]
	for _, t := range all {
		if err := ev.tick(); err != nil {
			return nil, err
		}
		if filter == nil || filter(t) {
			tuples = append(tuples, t)
		}
	}

	if len(operands) > 0 {
		if err := ev.sort(tuples, operands); err != nil {
			return nil, err
		}
	}
	limit := p.query.Limit
	if limit == 0 {
		limit = len(tuples)
	}
	total := len(tuples)
	tuples = applyPagination(tuples, limit, p.query.Offset)

	return &Result{
		prepared: p,
		scorers:  ev.scorers,
		tuples:   tuples,
		Total:    total,
		HasMore:  total > p.query.Offset+len(tuples),
	}, nil
}

func (ev *evaluator) tick() error {
	ev.steps++
	if ev.steps%checkEvery == 0 {
		return ev.ctx.Err()
	}
	return nil
}

// source resolves a selector or join into tuples sized for every selector
func (ev *evaluator) source(s Source) ([]tuple, error) {
	switch src := s.(type) {
	case Selector:
		return ev.selector(src)
	case Join:
		return ev.join(src)
	default:
		return nil, errs.New(errs.KindInvalidQuery, opEvaluate, "", "unsupported source %T", s)
	}
}

func (ev *evaluator) selector(s Selector) ([]tuple, error) {
	idx := ev.p.index[s.Name]
	info := ev.p.selectors[idx]
	if len(info.matching) == 0 {
		return nil, nil
	}
	var out []tuple
	err := ev.snap.Walk(tree.RootID, func(n *tree.Node) error {
		if err := ev.tick(); err != nil {
			return err
		}
		if !info.accepts(n) {
			return nil
		}
		t := make(tuple, len(ev.p.selectors))
		t[idx] = n
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *selectorInfo) accepts(n *tree.Node) bool {
	if s.matching[n.PrimaryType] {
		return true
	}
	for _, m := range n.Mixins {
		if s.matching[m] {
			return true
		}
	}
	return false
}

func (ev *evaluator) join(j Join) ([]tuple, error) {
	left, err := ev.source(j.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.source(j.Right)
	if err != nil {
		return nil, err
	}
	cond := ev.joinCondition(j.Condition)

	outer, inner := left, right
	if j.Type == RightOuterJoin {
		outer, inner = right, left
	}
	var out []tuple
	for _, o := range outer {
		matched := false
		for _, i := range inner {
			if err := ev.tick(); err != nil {
				return nil, err
			}
			t := merge(o, i)
			if cond(t) {
				out = append(out, t)
				matched = true
			}
		}
		if !matched && j.Type != InnerJoin {
			out = append(out, o)
		}
	}
	return out, nil
}

func merge(a, b tuple) tuple {
	t := make(tuple, len(a))
	copy(t, a)
	for i, n := range b {
		if n != nil {
			t[i] = n
		}
	}
	return t
}

func (ev *evaluator) node(t tuple, selector string) *tree.Node {
	return t[ev.p.index[selector]]
}

func (ev *evaluator) joinCondition(c JoinCondition) func(tuple) bool {
	switch jc := c.(type) {
	case EquiJoin:
		return func(t tuple) bool {
			a, ok1 := propertyValues(ev.node(t, jc.Selector1), jc.Property1)
			b, ok2 := propertyValues(ev.node(t, jc.Selector2), jc.Property2)
			if !ok1 || !ok2 {
				return false
			}
			for _, x := range a {
				for _, y := range b {
					if c, err := value.CompareAs(x, y); err == nil && c == 0 {
						return true
					}
				}
			}
			return false
		}
	case SameNodeJoin:
		return func(t tuple) bool {
			n1, n2 := ev.node(t, jc.Selector1), ev.node(t, jc.Selector2)
			if n1 == nil || n2 == nil {
				return false
			}
			if jc.Path == "" {
				return n1.ID == n2.ID
			}
			return resolvePath(n2.Path, jc.Path) == n1.Path
		}
	case ChildNodeJoin:
		return func(t tuple) bool {
			c, p := ev.node(t, jc.Child), ev.node(t, jc.Parent)
			return c != nil && p != nil && c.ParentID == p.ID && !c.IsRoot()
		}
	case DescendantNodeJoin:
		return func(t tuple) bool {
			d, a := ev.node(t, jc.Descendant), ev.node(t, jc.Ancestor)
			return d != nil && a != nil && value.IsDescendantPath(a.Path, d.Path)
		}
	default:
		return func(tuple) bool { return false }
	}
}

func resolvePath(base, rel string) string {
	b, err := value.ParsePath(base)
	if err != nil {
		return ""
	}
	r, err := value.ParsePath(rel)
	if err != nil {
		return ""
	}
	p, err := b.Join(r).Normalize()
	if err != nil {
		return ""
	}
	return p.String()
}

func propertyValues(n *tree.Node, name string) ([]value.Value, bool) {
	if n == nil {
		return nil, false
	}
	p, ok := n.Property(name)
	if !ok || len(p.Values) == 0 {
		return nil, false
	}
	return p.Values, true
}

func (ev *evaluator) static(op StaticOperand) (value.Value, error) {
	switch o := op.(type) {
	case Literal:
		return o.Value, nil
	case BindVariable:
		return ev.binds[o.Name], nil
	default:
		return value.Value{}, errs.New(errs.KindInvalidQuery, opEvaluate, "", "unsupported static operand %T", op)
	}
}

func (ev *evaluator) compile(c Constraint) (func(tuple) bool, error) {
	switch con := c.(type) {
	case And:
		l, err := ev.compile(con.Left)
		if err != nil {
			return nil, err
		}
		r, err := ev.compile(con.Right)
		if err != nil {
			return nil, err
		}
		return func(t tuple) bool { return l(t) && r(t) }, nil
	case Or:
		l, err := ev.compile(con.Left)
		if err != nil {
			return nil, err
		}
		r, err := ev.compile(con.Right)
		if err != nil {
			return nil, err
		}
		return func(t tuple) bool { return l(t) || r(t) }, nil
	case Not:
		inner, err := ev.compile(con.Constraint)
		if err != nil {
			return nil, err
		}
		return func(t tuple) bool { return !inner(t) }, nil
	case Comparison:
		return ev.comparison(con)
	case PropertyExistence:
		return func(t tuple) bool {
			n := ev.node(t, con.Selector)
			return n != nil && n.HasProperty(con.Property)
		}, nil
	case FullTextSearch:
		expr, err := ev.static(con.Expression)
		if err != nil {
			return nil, err
		}
		ft, err := parseFullText(expr.String(), con.Property)
		if err != nil {
			return nil, errs.New(errs.KindInvalidQuery, opEvaluate, con.Selector, "%v", err)
		}
		idx := ev.p.index[con.Selector]
		if _, ok := ev.scorers[idx]; !ok {
			ev.scorers[idx] = ft
		}
		return func(t tuple) bool { return ft.matches(t[idx]) }, nil
	case SameNode:
		return func(t tuple) bool {
			n := ev.node(t, con.Selector)
			return n != nil && n.Path == con.Path
		}, nil
	case ChildNode:
		return func(t tuple) bool {
			n := ev.node(t, con.Selector)
			return n != nil && !n.IsRoot() && value.ParentPath(n.Path) == con.Path
		}, nil
	case DescendantNode:
		return func(t tuple) bool {
			n := ev.node(t, con.Selector)
			return n != nil && value.IsDescendantPath(con.Path, n.Path)
		}, nil
	default:
		return nil, errs.New(errs.KindInvalidQuery, opEvaluate, "", "unsupported constraint %T", c)
	}
}

func (ev *evaluator) comparison(c Comparison) (func(tuple) bool, error) {
	left, err := ev.operand(c.Operand1)
	if err != nil {
		return nil, err
	}
	right, err := ev.static(c.Operand2)
	if err != nil {
		return nil, err
	}

	if c.Operator == OpLike {
		re, err := likePattern(right.String())
		if err != nil {
			return nil, errs.New(errs.KindInvalidQuery, opEvaluate, right.String(), "%v", err)
		}
		return func(t tuple) bool {
			vals, ok := left(t)
			if !ok {
				return false
			}
			for _, v := range vals {
				if re.MatchString(v.String()) {
					return true
				}
			}
			return false
		}, nil
	}

	return func(t tuple) bool {
		vals, ok := left(t)
		if !ok {
			return false
		}
		for _, v := range vals {
			cmp, err := value.CompareAs(v, right)
			if err != nil {
				continue
			}
			if satisfies(c.Operator, cmp) {
				return true
			}
		}
		return false
	}, nil
}

func satisfies(op Operator, cmp int) bool {
	switch op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLessThan:
		return cmp < 0
	case OpLessThanOrEqual:
		return cmp <= 0
	case OpGreaterThan:
		return cmp > 0
	case OpGreaterThanOrEqual:
		return cmp >= 0
	}
	return false
}

// likePattern translates % and _ wildcards; a backslash escapes the next
// character
func likePattern(p string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s)^")
	escaped := false
	for _, r := range p {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(`\\`)
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// operand compiles a dynamic operand into a function returning its values
// and false when the operand is null
func (ev *evaluator) operand(op DynamicOperand) (func(tuple) ([]value.Value, bool), error) {
	switch o := op.(type) {
	case PropertyValue:
		return func(t tuple) ([]value.Value, bool) {
			return propertyValues(ev.node(t, o.Selector), o.Property)
		}, nil
	case Length:
		return func(t tuple) ([]value.Value, bool) {
			vals, ok := propertyValues(ev.node(t, o.Property.Selector), o.Property.Property)
			if !ok {
				return nil, false
			}
			out := make([]value.Value, len(vals))
			for i, v := range vals {
				out[i] = value.NewLong(v.Len())
			}
			return out, true
		}, nil
	case NodeName:
		return func(t tuple) ([]value.Value, bool) {
			n := ev.node(t, o.Selector)
			if n == nil {
				return nil, false
			}
			return []value.Value{value.NewName(n.Name)}, true
		}, nil
	case NodeLocalName:
		return func(t tuple) ([]value.Value, bool) {
			n := ev.node(t, o.Selector)
			if n == nil {
				return nil, false
			}
			return []value.Value{value.NewString(value.LocalName(n.Name))}, true
		}, nil
	case FullTextSearchScore:
		idx := ev.p.index[o.Selector]
		return func(t tuple) ([]value.Value, bool) {
			if t[idx] == nil {
				return nil, false
			}
			return []value.Value{value.NewDouble(ev.score(idx, t[idx]))}, true
		}, nil
	case LowerCase:
		return ev.mapStrings(o.Operand, strings.ToLower)
	case UpperCase:
		return ev.mapStrings(o.Operand, strings.ToUpper)
	default:
		return nil, errs.New(errs.KindInvalidQuery, opEvaluate, "", "unsupported operand %T", op)
	}
}

func (ev *evaluator) score(idx int, n *tree.Node) float64 {
	ft, ok := ev.scorers[idx]
	if !ok {
		return 0
	}
	return ft.score(n)
}

func (ev *evaluator) mapStrings(inner DynamicOperand, fn func(string) string) (func(tuple) ([]value.Value, bool), error) {
	f, err := ev.operand(inner)
	if err != nil {
		return nil, err
	}
	return func(t tuple) ([]value.Value, bool) {
		vals, ok := f(t)
		if !ok {
			return nil, false
		}
		out := make([]value.Value, len(vals))
		for i, v := range vals {
			out[i] = value.NewString(fn(v.String()))
		}
		return out, true
	}, nil
}

// sort orders tuples by the orderings left to right. The sort is stable so
// ties keep document order.
func (ev *evaluator) sort(tuples []tuple, operands []func(tuple) ([]value.Value, bool)) error {
	keys := make([][][]byte, len(tuples))
	for i, t := range tuples {
		if err := ev.tick(); err != nil {
			return err
		}
		keys[i] = make([][]byte, len(operands))
		for j, op := range operands {
			vals, ok := op(t)
			if ok {
				keys[i][j] = sortKey(vals[0], true)
			} else {
				keys[i][j] = sortKey(value.Value{}, false)
			}
		}
	}
	order := make([]int, len(tuples))
	for i := range order {
		order[i] = i
	}
	orderings := ev.p.query.Orderings
	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := keys[order[a]], keys[order[b]]
		for j := range orderings {
			c := bytes.Compare(ka[j], kb[j])
			if orderings[j].Descending {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	sorted := make([]tuple, len(tuples))
	for i, idx := range order {
		sorted[i] = tuples[idx]
	}
	copy(tuples, sorted)
	return nil
}

func applyPagination[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}

	start := offset
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	return items[start:end]
}
