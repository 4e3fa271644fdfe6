// ABOUTME: Order-preserving sort keys for property values
// ABOUTME: Keys are type-tagged so values of different types order deterministically

package query

import (
	"encoding/binary"
	"math"

	"github.com/nainya/contentstore/pkg/value"
)

// Type tags, in cross-type order. Absent values sort first.
const (
	tagNull    = 0x00
	tagNumber  = 0x10
	tagDate    = 0x20
	tagBoolean = 0x30
	tagText    = 0x40
	tagBinary  = 0x50
)

// sortKey encodes v so that bytes.Compare on two keys agrees with the
// value order within a type group
func sortKey(v value.Value, present bool) []byte {
	if !present {
		return []byte{tagNull}
	}
	switch v.Type() {
	case value.Long, value.Double, value.Decimal:
		f, err := v.Double()
		if err != nil {
			return append([]byte{tagText}, escape([]byte(v.String()))...)
		}
		key := binary.BigEndian.AppendUint64([]byte{tagNumber}, orderedFloat(f))
		// LONGs sharing a float64 rounding are told apart by their exact value
		if i, err := v.Long(); err == nil && v.Type() == value.Long {
			key = binary.BigEndian.AppendUint64(key, flipSign(i))
		}
		return key

	case value.Date:
		t, _ := v.Date()
		key := binary.BigEndian.AppendUint64([]byte{tagDate}, flipSign(t.Unix()))
		return binary.BigEndian.AppendUint32(key, uint32(t.Nanosecond()))

	case value.Boolean:
		b, _ := v.Bool()
		if b {
			return []byte{tagBoolean, 1}
		}
		return []byte{tagBoolean, 0}

	case value.Binary:
		return append([]byte{tagBinary}, escape(v.Bytes())...)

	default:
		return append([]byte{tagText}, escape([]byte(v.String()))...)
	}
}

// flipSign maps i to an unsigned integer with the same order
func flipSign(i int64) uint64 {
	return uint64(i) ^ (1 << 63)
}

// orderedFloat maps f to an unsigned integer with the same order
func orderedFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if f < 0 || (f == 0 && math.Signbit(f)) {
		return ^bits
	}
	return bits | (1 << 63)
}

// escape makes s safe to terminate with 0x00: 0x00 becomes 01 01 and 0x01
// becomes 01 02
func escape(s []byte) []byte {
	out := make([]byte, 0, len(s)+1)
	for _, b := range s {
		switch b {
		case 0x00:
			out = append(out, 0x01, 0x01)
		case 0x01:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, b)
		}
	}
	return append(out, 0x00)
}
