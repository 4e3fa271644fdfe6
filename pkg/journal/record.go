package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Kind identifies what a record carries
type Kind byte

const (
	// KindBundle is one committed transaction's events
	KindBundle Kind = 1

	// KindMarker is an administrative marker, e.g. a workspace creation
	KindMarker Kind = 2
)

// HeaderSize is the fixed size of the record header.
// Layout: Seq(8) + Kind(1) + Reserved(7) + KeyLen(4) + PayloadLen(4) + Timestamp(8)
const HeaderSize = 32

// Record is one journal entry. Key holds the workspace name.
type Record struct {
	Seq       uint64
	Kind      Kind
	Key       []byte
	Payload   []byte
	Timestamp time.Time
}

// Encode serializes the record followed by a CRC32 of everything before it.
// Format: [Header(32)] [Key] [Payload] [CRC32(4)]
func (r *Record) Encode() []byte {
	keyLen := len(r.Key)
	payLen := len(r.Payload)
	buf := make([]byte, HeaderSize+keyLen+payLen+4)

	binary.LittleEndian.PutUint64(buf[0:8], r.Seq)
	buf[8] = byte(r.Kind)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(payLen))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(r.Timestamp.UnixNano()))

	offset := HeaderSize
	copy(buf[offset:], r.Key)
	offset += keyLen
	copy(buf[offset:], r.Payload)
	offset += payLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:], crc)
	return buf
}

// bodyLen returns the number of bytes following a header
func bodyLen(header []byte) int {
	keyLen := binary.LittleEndian.Uint32(header[16:20])
	payLen := binary.LittleEndian.Uint32(header[20:24])
	return int(keyLen) + int(payLen) + 4
}

// Decode deserializes a record produced by Encode
func Decode(data []byte) (*Record, error) {
	if len(data) < HeaderSize+4 {
		return nil, ErrTruncated
	}
	if len(data) < HeaderSize+bodyLen(data[:HeaderSize]) {
		return nil, ErrTruncated
	}
	end := HeaderSize + bodyLen(data[:HeaderSize])
	data = data[:end]

	stored := binary.LittleEndian.Uint32(data[end-4:])
	if stored != crc32.ChecksumIEEE(data[:end-4]) {
		return nil, ErrCorrupted
	}

	keyLen := int(binary.LittleEndian.Uint32(data[16:20]))
	payLen := int(binary.LittleEndian.Uint32(data[20:24]))
	r := &Record{
		Seq:       binary.LittleEndian.Uint64(data[0:8]),
		Kind:      Kind(data[8]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[24:32]))),
	}
	offset := HeaderSize
	if keyLen > 0 {
		r.Key = append([]byte(nil), data[offset:offset+keyLen]...)
		offset += keyLen
	}
	if payLen > 0 {
		r.Payload = append([]byte(nil), data[offset:offset+payLen]...)
	}
	return r, nil
}

// Size returns the encoded size of the record
func (r *Record) Size() int {
	return HeaderSize + len(r.Key) + len(r.Payload) + 4
}

func (r *Record) String() string {
	kind := "UNKNOWN"
	switch r.Kind {
	case KindBundle:
		kind = "BUNDLE"
	case KindMarker:
		kind = "MARKER"
	}
	return fmt.Sprintf("journal[seq=%d kind=%s key=%s payload=%d]", r.Seq, kind, r.Key, len(r.Payload))
}
