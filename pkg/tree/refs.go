package tree

import "sort"

type refKey struct {
	target string
	source string
	prop   string
	weak   bool
}

// Reference names a property that points at a node
type Reference struct {
	NodeID   string
	Property string
	Weak     bool
}

// refIndex maps reference targets to the properties pointing at them, for
// the current state of one workspace
type refIndex struct {
	byTarget map[string]map[refKey]struct{}
}

func newRefIndex() *refIndex {
	return &refIndex{byTarget: make(map[string]map[refKey]struct{})}
}

func (ix *refIndex) add(keys []refKey) {
	for _, k := range keys {
		set, ok := ix.byTarget[k.target]
		if !ok {
			set = make(map[refKey]struct{})
			ix.byTarget[k.target] = set
		}
		set[k] = struct{}{}
	}
}

func (ix *refIndex) remove(keys []refKey) {
	for _, k := range keys {
		set := ix.byTarget[k.target]
		delete(set, k)
		if len(set) == 0 {
			delete(ix.byTarget, k.target)
		}
	}
}

// sources lists the references to target of the requested strength,
// ordered by source then property
func (ix *refIndex) sources(target string, weak bool) []Reference {
	var out []Reference
	for k := range ix.byTarget[target] {
		if k.weak == weak {
			out = append(out, Reference{NodeID: k.source, Property: k.prop, Weak: k.weak})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Property < out[j].Property
	})
	return out
}
