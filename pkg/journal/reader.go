package journal

import (
	"io"
	"os"
)

// readRecord reads one record from r and returns it with its encoded size
func readRecord(r io.Reader) (*Record, int, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTruncated
		}
		return nil, 0, err
	}

	data := make([]byte, HeaderSize+bodyLen(header))
	copy(data, header)
	if _, err := io.ReadFull(r, data[HeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTruncated
		}
		return nil, 0, err
	}

	rec, err := Decode(data)
	if err != nil {
		return nil, 0, err
	}
	return rec, len(data), nil
}

// Reader reads records from segment files in order. A corrupted or
// truncated record ends its segment; reading resumes with the next one.
type Reader struct {
	files   []string
	current int
	fd      *os.File
}

// NewReader creates a reader over the given segment files
func NewReader(files []string) *Reader {
	return &Reader{files: files, current: -1}
}

// Next returns the next record, or io.EOF after the last segment
func (r *Reader) Next() (*Record, error) {
	for {
		if r.fd == nil {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
		}
		rec, _, err := readRecord(r.fd)
		if err == nil {
			return rec, nil
		}
		if err == io.EOF || err == ErrTruncated || err == ErrCorrupted {
			r.fd.Close()
			r.fd = nil
			continue
		}
		return nil, err
	}
}

// nextFile opens the next segment
func (r *Reader) nextFile() error {
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		err := r.fd.Close()
		r.fd = nil
		return err
	}
	return nil
}

// ReadAll reads every record of the given segments
func ReadAll(files []string) ([]*Record, error) {
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	reader := NewReader(files)
	defer reader.Close()

	var records []*Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// Records reads every record of the journal with a sequence above after
func (j *Journal) Records(after uint64) ([]*Record, error) {
	files, err := j.Segments()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	all, err := ReadAll(files)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Seq > after {
			out = append(out, rec)
		}
	}
	return out, nil
}
