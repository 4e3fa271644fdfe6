// ABOUTME: Immutable typed property values
// ABOUTME: Constructors, accessors, equality and JSON form

package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strconv"
	"time"
)

// DateFormat is the canonical string form of DATE values
const DateFormat = "2006-01-02T15:04:05.000Z07:00"

// Value is an immutable typed property value. The zero Value is invalid.
type Value struct {
	typ Type
	s   string
	i   int64
	f   float64
	t   time.Time
	b   []byte
}

func NewString(s string) Value { return Value{typ: String, s: s} }

// NewBinary copies data
func NewBinary(data []byte) Value {
	return Value{typ: Binary, b: append([]byte(nil), data...)}
}

func NewLong(i int64) Value { return Value{typ: Long, i: i} }
func NewDouble(f float64) Value { return Value{typ: Double, f: f} }

func NewBoolean(b bool) Value {
	v := Value{typ: Boolean}
	if b {
		v.i = 1
	}
	return v
}

func NewDate(t time.Time) Value { return Value{typ: Date, t: t} }

// NewDecimal stores the exact decimal form of r
func NewDecimal(r *big.Rat) Value {
	return Value{typ: Decimal, s: formatRat(r)}
}

// NewName does not validate; use Parse(Name, s) for untrusted input
func NewName(s string) Value { return Value{typ: Name, s: s} }
func NewPath(p string) Value { return Value{typ: Path, s: p} }
func NewReference(id string) Value { return Value{typ: Reference, s: id} }
func NewWeakReference(id string) Value { return Value{typ: WeakReference, s: id} }
func NewURI(u string) Value { return Value{typ: URI, s: u} }

// Parse converts a string form into a value of type t
func Parse(t Type, s string) (Value, error) {
	if t == Undefined {
		return NewString(s), nil
	}
	return Convert(NewString(s), t)
}

// Type returns the property type of v
func (v Value) Type() Type { return v.typ }

// IsZero reports whether v was never assigned
func (v Value) IsZero() bool { return v.typ == Undefined }

// String returns the canonical string form of v
func (v Value) String() string {
	switch v.typ {
	case Binary:
		return string(v.b)
	case Long:
		return strconv.FormatInt(v.i, 10)
	case Double:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case Date:
		return v.t.Format(DateFormat)
	case Boolean:
		if v.i != 0 {
			return "true"
		}
		return "false"
	default:
		return v.s
	}
}

// Bytes returns a copy of the binary form of v
func (v Value) Bytes() []byte {
	if v.typ == Binary {
		return append([]byte(nil), v.b...)
	}
	return []byte(v.String())
}

// Len is the length used by Length operands and BINARY range constraints
func (v Value) Len() int64 {
	if v.typ == Binary {
		return int64(len(v.b))
	}
	return int64(len([]rune(v.String())))
}

// Long converts v to LONG
func (v Value) Long() (int64, error) {
	c, err := Convert(v, Long)
	if err != nil {
		return 0, err
	}
	return c.i, nil
}

// Double converts v to DOUBLE
func (v Value) Double() (float64, error) {
	c, err := Convert(v, Double)
	if err != nil {
		return 0, err
	}
	return c.f, nil
}

// Bool converts v to BOOLEAN
func (v Value) Bool() (bool, error) {
	c, err := Convert(v, Boolean)
	if err != nil {
		return false, err
	}
	return c.i != 0, nil
}

// Date converts v to DATE
func (v Value) Date() (time.Time, error) {
	c, err := Convert(v, Date)
	if err != nil {
		return time.Time{}, err
	}
	return c.t, nil
}

// Decimal converts v to DECIMAL
func (v Value) Decimal() (*big.Rat, error) {
	c, err := Convert(v, Decimal)
	if err != nil {
		return nil, err
	}
	r, _ := parseDecimal(c.s)
	return r, nil
}

// Equal reports whether both values have the same type and content
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case Binary:
		return bytes.Equal(v.b, o.b)
	case Long, Boolean:
		return v.i == o.i
	case Double:
		return v.f == o.f
	case Date:
		return v.t.Equal(o.t)
	case Decimal:
		a, _ := parseDecimal(v.s)
		b, _ := parseDecimal(o.s)
		return a != nil && b != nil && a.Cmp(b) == 0
	default:
		return v.s == o.s
	}
}

type jsonValue struct {
	Type  Type   `json:"type"`
	Value string `json:"value"`
}

// MarshalJSON encodes v as {"type": ..., "value": ...}; binaries are base64
func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Type: v.typ, Value: v.String()}
	if v.typ == Binary {
		jv.Value = base64.StdEncoding.EncodeToString(v.b)
	}
	return json.Marshal(jv)
}

// UnmarshalJSON decodes the form produced by MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	if jv.Type == Binary {
		b, err := base64.StdEncoding.DecodeString(jv.Value)
		if err != nil {
			return err
		}
		*v = Value{typ: Binary, b: b}
		return nil
	}
	parsed, err := Parse(jv.Type, jv.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// TypeOf returns the common type of vals, or Undefined when empty or mixed
func TypeOf(vals []Value) Type {
	if len(vals) == 0 {
		return Undefined
	}
	t := vals[0].typ
	for _, v := range vals[1:] {
		if v.typ != t {
			return Undefined
		}
	}
	return t
}
