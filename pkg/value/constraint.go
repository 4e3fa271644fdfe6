// ABOUTME: Value constraints declared on property definitions
// ABOUTME: Regex, range, name, path and referenced-type constraints

package value

import (
	"fmt"
	"regexp"
	"strings"
)

// TypeChecker answers whether the node with the given identifier is of a
// node type, for REFERENCE constraints
type TypeChecker func(id, nodeType string) bool

// Constraint restricts the values a property definition accepts
type Constraint interface {
	Match(v Value, check TypeChecker) bool
	String() string
}

// ParseConstraint parses expr for properties of type t
func ParseConstraint(t Type, expr string) (Constraint, error) {
	switch t {
	case String, URI:
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
		}
		return patternConstraint{expr: expr, re: re}, nil
	case Long, Double, Decimal, Date, Binary:
		return parseRange(t, expr)
	case Boolean:
		if expr != "true" && expr != "false" {
			return nil, fmt.Errorf("invalid boolean constraint %q", expr)
		}
		return exactConstraint{expr: expr, want: NewBoolean(expr == "true")}, nil
	case Name:
		if err := ValidateName(expr); err != nil {
			return nil, err
		}
		return exactConstraint{expr: expr, want: NewName(expr)}, nil
	case Path:
		return parsePathConstraint(expr)
	case Reference, WeakReference:
		if err := ValidateName(expr); err != nil {
			return nil, err
		}
		return typeConstraint{nodeType: expr}, nil
	}
	return nil, fmt.Errorf("constraints are not allowed on %s properties", t)
}

// MatchAny reports whether v satisfies at least one constraint. No
// constraints accept every value.
func MatchAny(cs []Constraint, v Value, check TypeChecker) bool {
	if len(cs) == 0 {
		return true
	}
	for _, c := range cs {
		if c.Match(v, check) {
			return true
		}
	}
	return false
}

type patternConstraint struct {
	expr string
	re   *regexp.Regexp
}

func (c patternConstraint) Match(v Value, _ TypeChecker) bool { return c.re.MatchString(v.String()) }
func (c patternConstraint) String() string { return c.expr }

type exactConstraint struct {
	expr string
	want Value
}

func (c exactConstraint) Match(v Value, _ TypeChecker) bool {
	conv, err := Convert(v, c.want.typ)
	return err == nil && conv.Equal(c.want)
}
func (c exactConstraint) String() string { return c.expr }

type pathConstraint struct {
	expr   string
	prefix string
	deep   bool
}

func parsePathConstraint(expr string) (Constraint, error) {
	base, deep := strings.CutSuffix(expr, "/*")
	if base == "" {
		base = "/"
	}
	p, err := ParsePath(base)
	if err != nil {
		return nil, err
	}
	return pathConstraint{expr: expr, prefix: p.String(), deep: deep}, nil
}

func (c pathConstraint) Match(v Value, _ TypeChecker) bool {
	s := v.String()
	if c.deep {
		return IsDescendantPath(c.prefix, s)
	}
	return s == c.prefix
}
func (c pathConstraint) String() string { return c.expr }

type typeConstraint struct {
	nodeType string
}

func (c typeConstraint) Match(v Value, check TypeChecker) bool {
	if check == nil {
		return true
	}
	return check(v.String(), c.nodeType)
}
func (c typeConstraint) String() string { return c.nodeType }

// rangeConstraint bounds values; a nil bound is open. BINARY ranges bound the
// length in bytes.
type rangeConstraint struct {
	expr         string
	typ          Type
	min, max     *Value
	minIn, maxIn bool
}

func parseRange(t Type, expr string) (Constraint, error) {
	s := strings.TrimSpace(expr)
	if len(s) < 3 {
		return nil, fmt.Errorf("invalid range %q", expr)
	}
	open, closing := s[0], s[len(s)-1]
	if (open != '[' && open != '(') || (closing != ']' && closing != ')') {
		return nil, fmt.Errorf("invalid range %q", expr)
	}
	lo, hi, found := strings.Cut(s[1:len(s)-1], ",")
	if !found {
		return nil, fmt.Errorf("invalid range %q", expr)
	}
	boundType := t
	if t == Binary {
		boundType = Long
	}
	rc := rangeConstraint{expr: expr, typ: t, minIn: open == '[', maxIn: closing == ']'}
	var err error
	if rc.min, err = parseBound(boundType, lo); err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", expr, err)
	}
	if rc.max, err = parseBound(boundType, hi); err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", expr, err)
	}
	return rc, nil
}

func parseBound(t Type, s string) (*Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := Parse(t, s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c rangeConstraint) Match(v Value, _ TypeChecker) bool {
	if c.typ == Binary {
		v = NewLong(v.Len())
	} else {
		conv, err := Convert(v, c.typ)
		if err != nil {
			return false
		}
		v = conv
	}
	if c.min != nil {
		cmp, err := Compare(v, *c.min)
		if err != nil || cmp < 0 || (cmp == 0 && !c.minIn) {
			return false
		}
	}
	if c.max != nil {
		cmp, err := Compare(v, *c.max)
		if err != nil || cmp > 0 || (cmp == 0 && !c.maxIn) {
			return false
		}
	}
	return true
}
func (c rangeConstraint) String() string { return c.expr }
