package value

import (
	"bytes"
	"cmp"
	"strings"

	"github.com/nainya/contentstore/pkg/errs"
)

// Compare orders two values of the same type
func Compare(a, b Value) (int, error) {
	if a.typ != b.typ {
		return 0, errs.New(errs.KindValueFormat, "compare", "", "cannot compare %s with %s", a.typ, b.typ)
	}
	switch a.typ {
	case Binary:
		return bytes.Compare(a.b, b.b), nil
	case Long, Boolean:
		return cmp.Compare(a.i, b.i), nil
	case Double:
		return cmp.Compare(a.f, b.f), nil
	case Date:
		return a.t.Compare(b.t), nil
	case Decimal:
		x, ok1 := parseDecimal(a.s)
		y, ok2 := parseDecimal(b.s)
		if !ok1 || !ok2 {
			return 0, errs.New(errs.KindValueFormat, "compare", "", "malformed decimal")
		}
		return x.Cmp(y), nil
	default:
		return strings.Compare(a.s, b.s), nil
	}
}

// CompareAs converts b to a's type before comparing
func CompareAs(a, b Value) (int, error) {
	conv, err := Convert(b, a.typ)
	if err != nil {
		return 0, err
	}
	return Compare(a, conv)
}
