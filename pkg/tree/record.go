// ABOUTME: Node and property records stored in the tree
// ABOUTME: Records are immutable once installed; writers copy before changing

package tree

import (
	"sort"

	"github.com/nainya/contentstore/pkg/value"
)

// RootID is the identifier of the root node of every workspace
const RootID = "cafebabe-cafe-babe-cafe-babecafebabe"

// ChildEntry names one child of a node
type ChildEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Property is a named, typed property value. Single-valued properties hold
// exactly one value.
type Property struct {
	Name     string
	Type     value.Type
	Multiple bool
	Values   []value.Value
}

// Value returns the single value of a property
func (p *Property) Value() value.Value {
	if len(p.Values) == 0 {
		return value.Value{}
	}
	return p.Values[0]
}

func (p *Property) clone() *Property {
	c := *p
	c.Values = append([]value.Value(nil), p.Values...)
	return &c
}

func (p *Property) equal(o *Property) bool {
	if p.Type != o.Type || p.Multiple != o.Multiple || len(p.Values) != len(o.Values) {
		return false
	}
	for i := range p.Values {
		if !p.Values[i].Equal(o.Values[i]) {
			return false
		}
	}
	return true
}

type record struct {
	id          string
	name        string
	parent      string
	primaryType string
	mixins      []string
	children    []ChildEntry
	props       map[string]*Property
}

// clone returns a copy whose slices and maps may be changed freely. The
// property values themselves are shared; writers replace them, never edit.
func (r *record) clone() *record {
	c := *r
	c.mixins = append([]string(nil), r.mixins...)
	c.children = append([]ChildEntry(nil), r.children...)
	c.props = make(map[string]*Property, len(r.props))
	for k, v := range r.props {
		c.props[k] = v
	}
	return &c
}

func (r *record) hasMixin(name string) bool {
	for _, m := range r.mixins {
		if m == name {
			return true
		}
	}
	return false
}

func (r *record) childIndex(id string) int {
	for i, c := range r.children {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// segment returns the path segment naming child id, with a same-name
// sibling index when needed
func (r *record) segment(id string) value.Segment {
	i := r.childIndex(id)
	if i < 0 {
		return value.Segment{}
	}
	seg := value.Segment{Name: r.children[i].Name, Index: 1}
	for _, c := range r.children[:i] {
		if c.Name == seg.Name {
			seg.Index++
		}
	}
	return seg
}

// childByName returns the id of the index-th (1-based) child called name
func (r *record) childByName(name string, index int) (string, bool) {
	if index < 1 {
		index = 1
	}
	n := 0
	for _, c := range r.children {
		if c.Name == name {
			n++
			if n == index {
				return c.ID, true
			}
		}
	}
	return "", false
}

func (r *record) countNamed(name string) int {
	n := 0
	for _, c := range r.children {
		if c.Name == name {
			n++
		}
	}
	return n
}

func (r *record) propertyNames() []string {
	names := make([]string, 0, len(r.props))
	for k := range r.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// references returns the REFERENCE and WEAKREFERENCE targets of the record
func (r *record) references() []refKey {
	var out []refKey
	for _, p := range r.props {
		if !p.Type.IsReference() {
			continue
		}
		for _, v := range p.Values {
			out = append(out, refKey{target: v.String(), source: r.id, prop: p.Name, weak: p.Type == value.WeakReference})
		}
	}
	return out
}
