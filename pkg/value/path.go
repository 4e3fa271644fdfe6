// ABOUTME: Item names and hierarchical paths with same-name-sibling indexes
// ABOUTME: Syntax checks used for NAME and PATH values and tree navigation

package value

import (
	"fmt"
	"strconv"
	"strings"
)

const illegalNameChars = "/:[]|*"

// ValidateName checks the syntax of a qualified name (prefix:local or local)
// or an expanded name ({uri}local)
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if strings.HasPrefix(name, "{") {
		end := strings.Index(name, "}")
		if end < 0 {
			return fmt.Errorf("unterminated namespace in %q", name)
		}
		return validateLocal(name[end+1:], name)
	}
	prefix, local, found := strings.Cut(name, ":")
	if !found {
		return validateLocal(name, name)
	}
	if prefix == "" || strings.ContainsAny(prefix, illegalNameChars+" {}") {
		return fmt.Errorf("invalid prefix in %q", name)
	}
	return validateLocal(local, name)
}

func validateLocal(local, full string) error {
	if local == "" || local == "." || local == ".." {
		return fmt.Errorf("invalid local name in %q", full)
	}
	if strings.ContainsAny(local, illegalNameChars) {
		return fmt.Errorf("illegal character in %q", full)
	}
	if strings.TrimSpace(local) != local {
		return fmt.Errorf("leading or trailing whitespace in %q", full)
	}
	for _, r := range local {
		if r < 0x20 {
			return fmt.Errorf("control character in %q", full)
		}
	}
	return nil
}

// LocalName strips the prefix or namespace of a name
func LocalName(name string) string {
	if strings.HasPrefix(name, "{") {
		if end := strings.Index(name, "}"); end >= 0 {
			return name[end+1:]
		}
	}
	if _, local, found := strings.Cut(name, ":"); found {
		return local
	}
	return name
}

// Segment is one path element. Index 0 means unspecified, which resolves
// to the first same-name sibling.
type Segment struct {
	Name  string
	Index int
}

// Pos returns the one-based sibling index
func (s Segment) Pos() int {
	if s.Index < 1 {
		return 1
	}
	return s.Index
}

func (s Segment) String() string {
	if s.Index > 1 {
		return s.Name + "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Name
}

// ParseSegment parses "name" or "name[n]"
func ParseSegment(s string) (Segment, error) {
	if s == "." || s == ".." {
		return Segment{Name: s}, nil
	}
	name, idx := s, 0
	if open := strings.IndexByte(s, '['); open >= 0 {
		if !strings.HasSuffix(s, "]") {
			return Segment{}, fmt.Errorf("malformed index in %q", s)
		}
		n, err := strconv.Atoi(s[open+1 : len(s)-1])
		if err != nil || n < 1 {
			return Segment{}, fmt.Errorf("malformed index in %q", s)
		}
		name, idx = s[:open], n
	}
	if err := ValidateName(name); err != nil {
		return Segment{}, err
	}
	return Segment{Name: name, Index: idx}, nil
}

// ItemPath is a parsed absolute or relative path
type ItemPath struct {
	abs  bool
	segs []Segment
}

// RootPath is "/"
func RootPath() ItemPath { return ItemPath{abs: true} }

// ParsePath parses an absolute ("/a/b[2]") or relative ("a/../b") path
func ParsePath(s string) (ItemPath, error) {
	if s == "" {
		return ItemPath{}, fmt.Errorf("empty path")
	}
	p := ItemPath{abs: strings.HasPrefix(s, "/")}
	body := strings.TrimPrefix(s, "/")
	if body == "" {
		if p.abs {
			return p, nil
		}
		return ItemPath{}, fmt.Errorf("empty path")
	}
	for _, part := range strings.Split(body, "/") {
		seg, err := ParseSegment(part)
		if err != nil {
			return ItemPath{}, fmt.Errorf("invalid path %q: %w", s, err)
		}
		p.segs = append(p.segs, seg)
	}
	return p, nil
}

// MustParsePath panics on malformed input
func MustParsePath(s string) ItemPath {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p ItemPath) IsAbsolute() bool { return p.abs }
func (p ItemPath) IsRoot() bool { return p.abs && len(p.segs) == 0 }
func (p ItemPath) Len() int { return len(p.segs) }

// Segments returns a copy of the elements
func (p ItemPath) Segments() []Segment {
	return append([]Segment(nil), p.segs...)
}

// Last returns the final element; the zero Segment for the root
func (p ItemPath) Last() Segment {
	if len(p.segs) == 0 {
		return Segment{}
	}
	return p.segs[len(p.segs)-1]
}

// Parent drops the final element
func (p ItemPath) Parent() (ItemPath, bool) {
	if len(p.segs) == 0 {
		return ItemPath{}, false
	}
	return ItemPath{abs: p.abs, segs: append([]Segment(nil), p.segs[:len(p.segs)-1]...)}, true
}

// Child appends an element
func (p ItemPath) Child(name string, index int) ItemPath {
	segs := append(append([]Segment(nil), p.segs...), Segment{Name: name, Index: index})
	return ItemPath{abs: p.abs, segs: segs}
}

// Join resolves rel against p. An absolute rel replaces p.
func (p ItemPath) Join(rel ItemPath) ItemPath {
	if rel.abs {
		return rel
	}
	return ItemPath{abs: p.abs, segs: append(append([]Segment(nil), p.segs...), rel.segs...)}
}

// Normalize removes "." and ".." elements
func (p ItemPath) Normalize() (ItemPath, error) {
	out := make([]Segment, 0, len(p.segs))
	for _, s := range p.segs {
		switch s.Name {
		case ".":
		case "..":
			if len(out) == 0 || out[len(out)-1].Name == ".." {
				if p.abs {
					return ItemPath{}, fmt.Errorf("path %s escapes the root", p)
				}
				out = append(out, s)
				continue
			}
			out = out[:len(out)-1]
		default:
			out = append(out, s)
		}
	}
	return ItemPath{abs: p.abs, segs: out}, nil
}

// IsAncestorOf reports whether q lies strictly below p
func (p ItemPath) IsAncestorOf(q ItemPath) bool {
	if p.abs != q.abs || len(p.segs) >= len(q.segs) {
		return false
	}
	for i, s := range p.segs {
		if s.Name != q.segs[i].Name || s.Pos() != q.segs[i].Pos() {
			return false
		}
	}
	return true
}

func (p ItemPath) String() string {
	var b strings.Builder
	if p.abs {
		b.WriteByte('/')
	}
	for i, s := range p.segs {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(s.String())
	}
	return b.String()
}

// IsDescendantPath reports whether path lies strictly below ancestor, both in
// string form
func IsDescendantPath(ancestor, path string) bool {
	if ancestor == "/" {
		return path != "/" && strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// ParentPath returns the parent of an absolute path string
func ParentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
