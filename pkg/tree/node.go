package tree

import "sort"

// Node is an immutable view of one committed or staged node
type Node struct {
	ID          string
	Name        string
	Path        string
	ParentID    string
	PrimaryType string
	Mixins      []string
	Children    []ChildEntry

	props map[string]*Property
}

func newNode(r reader, rec *record) (*Node, error) {
	path, err := pathOf(r, rec.id)
	if err != nil {
		return nil, err
	}
	props := make(map[string]*Property, len(rec.props))
	for k, p := range rec.props {
		props[k] = p.clone()
	}
	return &Node{
		ID:          rec.id,
		Name:        rec.name,
		Path:        path,
		ParentID:    rec.parent,
		PrimaryType: rec.primaryType,
		Mixins:      append([]string(nil), rec.mixins...),
		Children:    append([]ChildEntry(nil), rec.children...),
		props:       props,
	}, nil
}

// IsRoot reports whether the node is the workspace root
func (n *Node) IsRoot() bool { return n.ID == RootID }

// Property returns the named property
func (n *Node) Property(name string) (*Property, bool) {
	p, ok := n.props[name]
	return p, ok
}

// HasProperty reports whether the named property exists
func (n *Node) HasProperty(name string) bool {
	_, ok := n.props[name]
	return ok
}

// Properties returns all properties ordered by name
func (n *Node) Properties() []*Property {
	out := make([]*Property, 0, len(n.props))
	for _, p := range n.props {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasMixin reports whether name is among the node's mixins
func (n *Node) HasMixin(name string) bool {
	for _, m := range n.Mixins {
		if m == name {
			return true
		}
	}
	return false
}

// Child returns the identifier of the index-th (1-based) child called name
func (n *Node) Child(name string, index int) (string, bool) {
	seen := 0
	for _, c := range n.Children {
		if c.Name == name {
			seen++
			if seen == index || (index < 1 && seen == 1) {
				return c.ID, true
			}
		}
	}
	return "", false
}
