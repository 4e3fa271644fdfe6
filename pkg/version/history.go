// ABOUTME: Copy-on-write operations on version histories
// ABOUTME: Edge maintenance, DAG repair, naming and the persisted encoding

package version

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nainya/contentstore/pkg/blob"
	"github.com/nainya/contentstore/pkg/errs"
)

const rootVersionName = "1.0"

func newHistory(id, versionableID, workspace string) *History {
	return &History{
		ID:            id,
		VersionableID: versionableID,
		Workspace:     workspace,
		Labels:        make(map[string]string),
	}
}

// clone copies the history deeply enough that edges and labels of the copy
// can change without touching h. Frozen state is shared.
func (h *History) clone() *History {
	out := *h
	out.Versions = make([]*Version, len(h.Versions))
	for i, v := range h.Versions {
		cp := *v
		cp.Predecessors = append([]string(nil), v.Predecessors...)
		cp.Successors = append([]string(nil), v.Successors...)
		out.Versions[i] = &cp
	}
	out.Labels = make(map[string]string, len(h.Labels))
	for k, v := range h.Labels {
		out.Labels[k] = v
	}
	return &out
}

// Version returns a version of the history by identifier
func (h *History) Version(id string) (*Version, bool) {
	for _, v := range h.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}

// VersionByName returns a version of the history by name
func (h *History) VersionByName(name string) (*Version, bool) {
	for _, v := range h.Versions {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// LabelsOf returns the labels attached to a version, sorted
func (h *History) LabelsOf(versionID string) []string {
	var out []string
	for label, id := range h.Labels {
		if id == versionID {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// IsAncestor reports whether a precedes b in the graph. A version is not
// its own ancestor.
func (h *History) IsAncestor(a, b string) bool {
	seen := map[string]bool{b: true}
	queue := []string{b}
	for len(queue) > 0 {
		cur, ok := h.Version(queue[0])
		queue = queue[1:]
		if !ok {
			continue
		}
		for _, p := range cur.Predecessors {
			if p == a {
				return true
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false
}

// addVersion appends v and links it as a successor of its predecessors.
// It must only be called on a clone.
func (h *History) addVersion(v *Version) {
	if len(h.Versions) == 0 {
		h.RootVersion = v.ID
	}
	for _, p := range v.Predecessors {
		if pv, ok := h.Version(p); ok {
			pv.Successors = appendUnique(pv.Successors, v.ID)
		}
	}
	h.Versions = append(h.Versions, v)
}

// removeVersion excises id, linking each of its predecessors directly to
// each of its successors. It must only be called on a clone.
func (h *History) removeVersion(id string) error {
	v, ok := h.Version(id)
	if !ok {
		return errs.NotFound("removeVersion", id)
	}
	if id == h.RootVersion {
		return errs.VersionConflict("removeVersion", v.Name, "the root version cannot be removed")
	}
	for _, p := range v.Predecessors {
		if pv, ok := h.Version(p); ok {
			pv.Successors = without(pv.Successors, id)
			for _, s := range v.Successors {
				pv.Successors = appendUnique(pv.Successors, s)
			}
		}
	}
	for _, s := range v.Successors {
		if sv, ok := h.Version(s); ok {
			sv.Predecessors = without(sv.Predecessors, id)
			for _, p := range v.Predecessors {
				sv.Predecessors = appendUnique(sv.Predecessors, p)
			}
		}
	}
	for label, target := range h.Labels {
		if target == id {
			delete(h.Labels, label)
		}
	}
	kept := h.Versions[:0]
	for _, cur := range h.Versions {
		if cur.ID != id {
			kept = append(kept, cur)
		}
	}
	h.Versions = kept
	return nil
}

// check verifies the graph: symmetric edges between known versions, one
// root without predecessors and no cycle
func (h *History) check() error {
	if len(h.Versions) == 0 {
		return nil
	}
	ids := make(map[string]*Version, len(h.Versions))
	for _, v := range h.Versions {
		ids[v.ID] = v
	}
	var roots []string
	indegree := make(map[string]int, len(h.Versions))
	for _, v := range h.Versions {
		if len(v.Predecessors) == 0 {
			roots = append(roots, v.ID)
		}
		for _, p := range v.Predecessors {
			pv, ok := ids[p]
			if !ok {
				return fmt.Errorf("history %s: version %s has unknown predecessor %s", h.ID, v.Name, p)
			}
			if !contains(pv.Successors, v.ID) {
				return fmt.Errorf("history %s: edge %s -> %s is one-sided", h.ID, pv.Name, v.Name)
			}
		}
		indegree[v.ID] = len(v.Predecessors)
	}
	if len(roots) != 1 || roots[0] != h.RootVersion {
		return fmt.Errorf("history %s: expected the single root %s, found %v", h.ID, h.RootVersion, roots)
	}

	queue := append([]string(nil), roots...)
	visited := 0
	for len(queue) > 0 {
		cur := ids[queue[0]]
		queue = queue[1:]
		visited++
		for _, s := range cur.Successors {
			if _, ok := ids[s]; !ok {
				return fmt.Errorf("history %s: version %s has unknown successor %s", h.ID, cur.Name, s)
			}
			if indegree[s]--; indegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if visited != len(h.Versions) {
		return fmt.Errorf("history %s: version graph has a cycle", h.ID)
	}
	return nil
}

// nextName derives the name of a version succeeding preds. The first
// predecessor's name has its last component incremented; when that name is
// taken the successor starts a branch below it.
func (h *History) nextName(preds []string) string {
	if len(h.Versions) == 0 {
		return rootVersionName
	}
	base := rootVersionName
	if len(preds) > 0 {
		if pv, ok := h.Version(preds[0]); ok {
			base = pv.Name
		}
	}
	name := increment(base)
	for {
		if _, taken := h.VersionByName(name); !taken {
			return name
		}
		base += ".0"
		name = increment(base)
	}
}

func increment(name string) string {
	i := strings.LastIndex(name, ".")
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return name + ".1"
	}
	return name[:i+1] + strconv.Itoa(n+1)
}

func encodeHistory(h *History) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode history %s: %w", h.ID, err)
	}
	return blob.Compress(data)
}

func decodeHistory(data []byte) (*History, error) {
	raw, err := blob.Decompress(data, "")
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	if h.Labels == nil {
		h.Labels = make(map[string]string)
	}
	return &h, nil
}

func appendUnique(list []string, s string) []string {
	if contains(list, s) {
		return list
	}
	return append(list, s)
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
