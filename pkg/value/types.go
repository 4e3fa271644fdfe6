// ABOUTME: Property type enumeration for repository values
// ABOUTME: Numbering and names follow the content repository API

package value

import (
	"fmt"
	"strings"
)

// Type is a property type
type Type int

const (
	Undefined     Type = 0
	String        Type = 1
	Binary        Type = 2
	Long          Type = 3
	Double        Type = 4
	Date          Type = 5
	Boolean       Type = 6
	Name          Type = 7
	Path          Type = 8
	Reference     Type = 9
	WeakReference Type = 10
	URI           Type = 11
	Decimal       Type = 12
)

var typeNames = [...]string{
	Undefined:     "Undefined",
	String:        "String",
	Binary:        "Binary",
	Long:          "Long",
	Double:        "Double",
	Date:          "Date",
	Boolean:       "Boolean",
	Name:          "Name",
	Path:          "Path",
	Reference:     "Reference",
	WeakReference: "WeakReference",
	URI:           "URI",
	Decimal:       "Decimal",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Valid reports whether t is a known property type
func (t Type) Valid() bool {
	return t >= Undefined && t <= Decimal
}

// IsReference reports whether values of t point at nodes by identifier
func (t Type) IsReference() bool {
	return t == Reference || t == WeakReference
}

// ParseType resolves a type name case-insensitively
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if strings.EqualFold(n, name) {
			return Type(i), nil
		}
	}
	if strings.EqualFold(name, "weak_reference") || strings.EqualFold(name, "weakref") {
		return WeakReference, nil
	}
	return Undefined, fmt.Errorf("unknown property type: %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
