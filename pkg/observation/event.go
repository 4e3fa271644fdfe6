// ABOUTME: Observation events produced by committed transactions
// ABOUTME: Event type flags, event records and listener filters

package observation

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nainya/contentstore/pkg/value"
)

// Type is an event type. Types are bit flags so filters can combine them.
type Type int

const (
	NodeAdded       Type = 1
	NodeRemoved     Type = 2
	PropertyAdded   Type = 4
	PropertyRemoved Type = 8
	PropertyChanged Type = 16
	NodeMoved       Type = 32
	Persist         Type = 64

	AllTypes = NodeAdded | NodeRemoved | PropertyAdded | PropertyRemoved | PropertyChanged | NodeMoved | Persist
)

var typeNames = map[Type]string{
	NodeAdded:       "NODE_ADDED",
	NodeRemoved:     "NODE_REMOVED",
	PropertyAdded:   "PROPERTY_ADDED",
	PropertyRemoved: "PROPERTY_REMOVED",
	PropertyChanged: "PROPERTY_CHANGED",
	NodeMoved:       "NODE_MOVED",
	Persist:         "PERSIST",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	var parts []string
	for _, flag := range []Type{NodeAdded, NodeRemoved, PropertyAdded, PropertyRemoved, PropertyChanged, NodeMoved, Persist} {
		if t&flag != 0 {
			parts = append(parts, typeNames[flag])
		}
	}
	return strings.Join(parts, "|")
}

// Event is one committed change. Events are immutable once dispatched.
//
// Path is the node path for node events and the property path for property
// events. NodeTypes holds the type closure of the associated node: the
// parent of an added, removed or moved node, or the node owning a property.
type Event struct {
	Seq        uint64            `json:"seq"`
	Type       Type              `json:"type"`
	Path       string            `json:"path"`
	Identifier string            `json:"identifier"`
	Info       map[string]string `json:"info,omitempty"`
	UserID     string            `json:"userId"`
	UserData   string            `json:"userData,omitempty"`
	Date       time.Time         `json:"date"`
	Workspace  string            `json:"workspace"`
	Session    string            `json:"session,omitempty"`
	NodeTypes  []string          `json:"nodeTypes,omitempty"`
}

// Filter selects the events a listener or journal reader sees. Zero values
// accept everything.
type Filter struct {
	Types Type
	// Path restricts events to those whose associated node is at Path, or
	// below it when Deep is set
	Path string
	Deep bool
	// Globs are doublestar patterns matched against the event path
	Globs       []string
	Identifiers []string
	NodeTypes   []string
	// NoLocal drops events caused by Session
	NoLocal bool
	Session string
	// Workspace restricts events to one workspace
	Workspace string
}

// associatedPath returns the path of the node an event is associated with
func associatedPath(e Event) string {
	switch e.Type {
	case Persist:
		return e.Path
	}
	return value.ParentPath(e.Path)
}

// Match reports whether e passes the filter
func (f Filter) Match(e Event) bool {
	if f.Types != 0 && f.Types&e.Type == 0 {
		return false
	}
	if f.Workspace != "" && e.Workspace != f.Workspace {
		return false
	}
	if f.NoLocal && f.Session != "" && e.Session == f.Session {
		return false
	}
	if e.Type == Persist {
		return true
	}
	if f.Path != "" {
		assoc := associatedPath(e)
		if assoc != f.Path && !(f.Deep && value.IsDescendantPath(f.Path, assoc)) {
			return false
		}
	}
	if len(f.Globs) > 0 && !matchAnyGlob(f.Globs, e.Path) {
		return false
	}
	if len(f.Identifiers) > 0 && !contains(f.Identifiers, e.Identifier) {
		return false
	}
	if len(f.NodeTypes) > 0 {
		ok := false
		for _, nt := range f.NodeTypes {
			if contains(e.NodeTypes, nt) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchAnyGlob(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// apply returns the events of bundle that pass f. A bundle whose only
// surviving event is its PERSIST marker is dropped.
func (f Filter) apply(bundle []Event) []Event {
	var out []Event
	content := false
	for _, e := range bundle {
		if f.Match(e) {
			out = append(out, e)
			if e.Type != Persist {
				content = true
			}
		}
	}
	if !content {
		return nil
	}
	return out
}
