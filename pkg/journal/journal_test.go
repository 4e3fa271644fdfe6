package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordEncodeDecode(t *testing.T) {
	rec := &Record{
		Seq:       42,
		Kind:      KindBundle,
		Key:       []byte("default"),
		Payload:   []byte(`[{"type":1}]`),
		Timestamp: time.Unix(0, 1700000000123456789),
	}

	decoded, err := Decode(rec.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Seq != rec.Seq {
		t.Errorf("Seq mismatch: got %d, want %d", decoded.Seq, rec.Seq)
	}
	if decoded.Kind != rec.Kind {
		t.Errorf("Kind mismatch: got %d, want %d", decoded.Kind, rec.Kind)
	}
	if string(decoded.Key) != "default" {
		t.Errorf("Key mismatch: got %s", decoded.Key)
	}
	if string(decoded.Payload) != string(rec.Payload) {
		t.Errorf("Payload mismatch: got %s", decoded.Payload)
	}
	if !decoded.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("Timestamp mismatch: got %v, want %v", decoded.Timestamp, rec.Timestamp)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	rec := &Record{Seq: 1, Kind: KindBundle, Payload: []byte("payload")}
	data := rec.Encode()
	data[HeaderSize] ^= 0xff

	if _, err := Decode(data); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	if _, err := Decode(data[:10]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "events.journal"), Options{})
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 50; i++ {
		err := j.Append(Record{
			Seq:       uint64(i),
			Kind:      KindBundle,
			Key:       []byte("default"),
			Payload:   []byte(fmt.Sprintf("bundle-%d", i)),
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Sync(); err != nil {
		t.Fatal(err)
	}

	recs, err := j.Records(40)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 10 {
		t.Fatalf("expected 10 records after seq 40, got %d", len(recs))
	}
	if string(recs[0].Payload) != "bundle-41" {
		t.Errorf("first record mismatch: got %s", recs[0].Payload)
	}

	if err := j.Append(Record{Seq: 50}); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(Record{Seq: 51}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestReopenRecoversSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.journal")
	j, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		if err := j.Append(Record{Seq: uint64(i * 10), Kind: KindBundle}); err != nil {
			t.Fatal(err)
		}
	}
	j.Close()

	// Simulate a torn write at the tail
	files, _ := j.Segments()
	f, err := os.OpenFile(files[len(files)-1], os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{1, 2, 3, 4, 5})
	f.Close()

	j2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()

	if got := j2.LastSeq(); got != 50 {
		t.Fatalf("LastSeq = %d, want 50", got)
	}
	if err := j2.Append(Record{Seq: 60, Kind: KindBundle}); err != nil {
		t.Fatal(err)
	}
	recs, err := j2.Records(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 6 {
		t.Fatalf("expected 6 records, got %d", len(recs))
	}
	if recs[5].Seq != 60 {
		t.Errorf("last seq = %d, want 60", recs[5].Seq)
	}
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.journal")
	j, err := Open(path, Options{MaxSegmentSize: 1 << 10, MaxSegments: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	payload := make([]byte, 300)
	for i := 1; i <= 20; i++ {
		if err := j.Append(Record{Seq: uint64(i), Kind: KindBundle, Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}

	files, err := j.Segments()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 retained segments, got %d", len(files))
	}
	recs, err := j.Records(0)
	if err != nil {
		t.Fatal(err)
	}
	if recs[len(recs)-1].Seq != 20 {
		t.Errorf("last seq = %d, want 20", recs[len(recs)-1].Seq)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq != recs[i-1].Seq+1 {
			t.Fatalf("gap between %d and %d", recs[i-1].Seq, recs[i].Seq)
		}
	}
}
