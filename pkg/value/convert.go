// ABOUTME: Pure value conversion table between property types
// ABOUTME: Conversion failures are immediate ValueFormat errors

package value

import (
	"math"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nainya/contentstore/pkg/errs"
)

var dateLayouts = []string{
	DateFormat,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Convert returns v converted to type to. Converting to Undefined or to v's
// own type returns v unchanged.
func Convert(v Value, to Type) (Value, error) {
	if to == Undefined || to == v.typ {
		return v, nil
	}
	if to == Binary {
		return Value{typ: Binary, b: []byte(v.String())}, nil
	}
	if to == String {
		return NewString(v.String()), nil
	}

	switch v.typ {
	case String, Binary:
		return fromString(v.String(), v.typ, to)
	case Long:
		return fromLong(v.i, to)
	case Double:
		return fromDouble(v.f, to)
	case Decimal:
		return fromDecimal(v.s, to)
	case Date:
		return fromDate(v.t, to)
	case Name:
		return fromName(v.s, to)
	case Path:
		return fromPath(v.s, to)
	case Reference, WeakReference:
		if to.IsReference() {
			return Value{typ: to, s: v.s}, nil
		}
	case URI:
		return fromURI(v.s, to)
	}
	return Value{}, convErr(v.typ, to, v.String())
}

func convErr(from, to Type, s string) error {
	return errs.New(errs.KindValueFormat, "convert", "", "cannot convert %s %q to %s", from, s, to)
}

func fromString(s string, from, to Type) (Value, error) {
	switch to {
	case Long:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Value{}, convErr(from, to, s)
		}
		return NewLong(i), nil
	case Double:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return Value{}, convErr(from, to, s)
		}
		return NewDouble(f), nil
	case Decimal:
		r, ok := parseDecimal(s)
		if !ok {
			return Value{}, convErr(from, to, s)
		}
		return NewDecimal(r), nil
	case Boolean:
		return NewBoolean(strings.EqualFold(strings.TrimSpace(s), "true")), nil
	case Date:
		t, ok := parseDate(s)
		if !ok {
			return Value{}, convErr(from, to, s)
		}
		return NewDate(t), nil
	case Name:
		if err := ValidateName(s); err != nil {
			return Value{}, convErr(from, to, s)
		}
		return NewName(s), nil
	case Path:
		p, err := ParsePath(s)
		if err != nil {
			return Value{}, convErr(from, to, s)
		}
		return NewPath(p.String()), nil
	case Reference, WeakReference:
		if _, err := uuid.Parse(s); err != nil {
			return Value{}, convErr(from, to, s)
		}
		return Value{typ: to, s: s}, nil
	case URI:
		if _, err := url.Parse(s); err != nil || s == "" {
			return Value{}, convErr(from, to, s)
		}
		return NewURI(s), nil
	}
	return Value{}, convErr(from, to, s)
}

func fromLong(i int64, to Type) (Value, error) {
	switch to {
	case Double:
		return NewDouble(float64(i)), nil
	case Decimal:
		return NewDecimal(new(big.Rat).SetInt64(i)), nil
	case Date:
		t, ok := dateFromMillis(i)
		if !ok {
			break
		}
		return NewDate(t), nil
	}
	return Value{}, convErr(Long, to, strconv.FormatInt(i, 10))
}

func fromDouble(f float64, to Type) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, convErr(Double, to, strconv.FormatFloat(f, 'g', -1, 64))
	}
	// float64 holds -2^63 exactly but 2^63 is already out of range
	inRange := f >= -0x1p63 && f < 0x1p63
	switch to {
	case Long:
		if inRange {
			return NewLong(int64(f)), nil
		}
	case Decimal:
		return NewDecimal(new(big.Rat).SetFloat64(f)), nil
	case Date:
		if !inRange {
			break
		}
		if t, ok := dateFromMillis(int64(f)); ok {
			return NewDate(t), nil
		}
	}
	return Value{}, convErr(Double, to, strconv.FormatFloat(f, 'g', -1, 64))
}

func fromDecimal(s string, to Type) (Value, error) {
	r, ok := parseDecimal(s)
	if !ok {
		return Value{}, convErr(Decimal, to, s)
	}
	switch to {
	case Long:
		if i, ok := truncRat(r); ok {
			return NewLong(i), nil
		}
	case Double:
		f, _ := r.Float64()
		return NewDouble(f), nil
	case Date:
		i, ok := truncRat(r)
		if !ok {
			break
		}
		if t, ok := dateFromMillis(i); ok {
			return NewDate(t), nil
		}
	}
	return Value{}, convErr(Decimal, to, s)
}

func fromDate(t time.Time, to Type) (Value, error) {
	ms := t.UnixMilli()
	switch to {
	case Long:
		return NewLong(ms), nil
	case Double:
		return NewDouble(float64(ms)), nil
	case Decimal:
		return NewDecimal(new(big.Rat).SetInt64(ms)), nil
	}
	return Value{}, convErr(Date, to, t.Format(DateFormat))
}

func fromName(s string, to Type) (Value, error) {
	switch to {
	case Path:
		return NewPath(s), nil
	case URI:
		return NewURI("./" + url.PathEscape(s)), nil
	}
	return Value{}, convErr(Name, to, s)
}

func fromPath(s string, to Type) (Value, error) {
	switch to {
	case Name:
		p, err := ParsePath(s)
		if err != nil || p.IsAbsolute() || p.Len() != 1 || p.Last().Index > 1 {
			return Value{}, convErr(Path, to, s)
		}
		return NewName(p.Last().Name), nil
	case URI:
		if strings.HasPrefix(s, "/") {
			return NewURI((&url.URL{Path: s}).String()), nil
		}
		return NewURI("./" + (&url.URL{Path: s}).String()), nil
	}
	return Value{}, convErr(Path, to, s)
}

func fromURI(s string, to Type) (Value, error) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return Value{}, convErr(URI, to, s)
	}
	p := strings.TrimPrefix(u.Path, "./")
	switch to {
	case Name:
		if err := ValidateName(p); err != nil {
			return Value{}, convErr(URI, to, s)
		}
		return NewName(p), nil
	case Path:
		parsed, err := ParsePath(p)
		if err != nil {
			return Value{}, convErr(URI, to, s)
		}
		return NewPath(parsed.String()), nil
	}
	return Value{}, convErr(URI, to, s)
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseDecimal(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "/") {
		return nil, false
	}
	return new(big.Rat).SetString(s)
}

func formatRat(r *big.Rat) string {
	if r == nil {
		return "0"
	}
	if r.IsInt() {
		return r.Num().String()
	}
	// Terminating decimals print exactly; others are cut at 34 digits.
	if prec, exact := r.FloatPrec(); exact {
		return r.FloatString(prec)
	}
	return strings.TrimRight(r.FloatString(34), "0")
}

// truncRat truncates r toward zero. ok is false when the result does not
// fit an int64.
func truncRat(r *big.Rat) (int64, bool) {
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

// Dates outside four-digit years cannot be written in DateFormat
var (
	minDate = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxDate = time.Date(9999, time.December, 31, 23, 59, 59, 999_000_000, time.UTC)
)

func dateFromMillis(ms int64) (time.Time, bool) {
	if ms < minDate.UnixMilli() || ms > maxDate.UnixMilli() {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
