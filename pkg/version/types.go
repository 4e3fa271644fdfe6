// ABOUTME: Version graph data model
// ABOUTME: Histories own immutable versions linked by predecessor/successor edges

package version

import (
	"time"

	"github.com/nainya/contentstore/pkg/value"
)

// Version is an immutable snapshot of a versionable node. Only graph repair
// rewrites its edges, and it does so on a copy of the owning history.
type Version struct {
	ID           string      `json:"id"`                     // Version identifier
	Name         string      `json:"name"`                   // Name unique within the history ("1.0", "1.1", ...)
	HistoryID    string      `json:"history"`                // Owning history
	Created      time.Time   `json:"created"`                // Checkin time
	CreatedBy    string      `json:"createdBy,omitempty"`    // User that checked in
	Predecessors []string    `json:"predecessors,omitempty"` // Version identifiers
	Successors   []string    `json:"successors,omitempty"`   // Version identifiers
	Frozen       *FrozenNode `json:"frozen"`                 // Captured state
}

// FrozenProperty is a property captured at checkin
type FrozenProperty struct {
	Name     string        `json:"name"`
	Type     value.Type    `json:"type"`
	Multiple bool          `json:"multiple,omitempty"`
	Values   []value.Value `json:"values"`
}

// FrozenNode is the captured state of a node and its copied descendants. A
// child recorded with ChildHistory stands for a versionable child, which is
// versioned on its own and restored through its own history.
type FrozenNode struct {
	ID           string            `json:"id"` // Identifier of the captured node
	Name         string            `json:"name"`
	ParentID     string            `json:"parent,omitempty"`
	PrimaryType  string            `json:"primaryType,omitempty"`
	Mixins       []string          `json:"mixins,omitempty"`
	Properties   []*FrozenProperty `json:"properties,omitempty"`
	Children     []*FrozenNode     `json:"children,omitempty"`
	ChildHistory string            `json:"childHistory,omitempty"`
}

// Property returns a captured property
func (f *FrozenNode) Property(name string) (*FrozenProperty, bool) {
	for _, p := range f.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// History holds every version ever created for one versionable identifier.
// It outlives the node it was created for.
type History struct {
	ID            string            `json:"id"`
	VersionableID string            `json:"versionableId"`         // Identifier of the versioned node
	Workspace     string            `json:"workspace"`             // Workspace the history was created in
	RootVersion   string            `json:"rootVersion,omitempty"` // Empty until the first checkin
	Versions      []*Version        `json:"versions,omitempty"`    // Creation order
	Labels        map[string]string `json:"labels,omitempty"`      // Label to version identifier
}

// Query selects one version of a history
type Query struct {
	HistoryID string
	AsOf      *time.Time // Version current at this time
	Name      *string    // Version by name
	Label     *string    // Version by label
}
