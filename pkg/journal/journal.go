package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	// DefaultMaxSegmentSize is the size at which a segment is rotated (64MB)
	DefaultMaxSegmentSize = 64 << 20

	// DefaultMaxSegments is the number of segments kept after rotation;
	// zero keeps every segment
	DefaultMaxSegments = 0
)

// Options configure a journal
type Options struct {
	MaxSegmentSize int64
	MaxSegments    int
	// SyncEachAppend fsyncs after every append
	SyncEachAppend bool
}

// Journal is an append-only log split into numbered segment files
// <path>.000, <path>.001, ...
type Journal struct {
	// Path is the base path of the segment files, e.g. "/data/events.journal"
	Path string

	opts Options

	mu        sync.Mutex
	fd        *os.File
	lastSeq   uint64
	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the journal at path
func Open(path string, opts Options) (*Journal, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	j := &Journal{Path: path, opts: opts}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	files, err := j.Segments()
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		fd, err := os.OpenFile(j.segmentPath(0), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		j.fd = fd
		return j, nil
	}

	latest := files[len(files)-1]
	last, validEnd, err := scanSegment(latest)
	if err != nil {
		return nil, err
	}
	// Drop a torn tail so new records follow the last valid one
	if err := os.Truncate(latest, validEnd); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	j.fd = fd
	j.fileSize = validEnd
	j.fileIndex = j.indexOf(latest)
	j.lastSeq = last
	if last == 0 {
		// An empty latest segment; the highest sequence is in an older one
		for i := len(files) - 2; i >= 0 && j.lastSeq == 0; i-- {
			seq, _, err := scanSegment(files[i])
			if err != nil {
				fd.Close()
				return nil, err
			}
			j.lastSeq = seq
		}
	}
	return j, nil
}

// LastSeq returns the highest sequence appended so far
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Append writes a record. Sequences must be strictly increasing.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if rec.Seq <= j.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, rec.Seq, j.lastSeq)
	}

	data := rec.Encode()
	if j.fileSize > 0 && j.fileSize+int64(len(data)) > j.opts.MaxSegmentSize {
		if err := j.rotateNoLock(); err != nil {
			return err
		}
	}

	n, err := j.fd.Write(data)
	j.fileSize += int64(n)
	if err != nil {
		return err
	}
	j.lastSeq = rec.Seq
	if j.opts.SyncEachAppend {
		return j.fd.Sync()
	}
	return nil
}

// Sync flushes written records to disk
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.fd.Sync()
}

// Close syncs and closes the current segment
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.fd.Sync(); err != nil {
		j.fd.Close()
		return err
	}
	return j.fd.Close()
}

// rotateNoLock starts a new segment (caller must hold mu)
func (j *Journal) rotateNoLock() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}

	j.fileIndex++
	fd, err := os.OpenFile(j.segmentPath(j.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.fd = fd
	j.fileSize = 0

	return j.cleanOldSegmentsNoLock()
}

// cleanOldSegmentsNoLock removes segments beyond MaxSegments (caller must hold mu)
func (j *Journal) cleanOldSegmentsNoLock() error {
	if j.opts.MaxSegments <= 0 {
		return nil
	}
	files, err := j.Segments()
	if err != nil {
		return err
	}
	if len(files) > j.opts.MaxSegments {
		for _, f := range files[:len(files)-j.opts.MaxSegments] {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

func (j *Journal) baseName() string {
	return filepath.Base(j.Path)
}

func (j *Journal) segmentPath(index int) string {
	return filepath.Join(filepath.Dir(j.Path), fmt.Sprintf("%s.%03d", j.baseName(), index))
}

func (j *Journal) indexOf(file string) int {
	var index int
	if _, err := fmt.Sscanf(filepath.Base(file), j.baseName()+".%d", &index); err != nil {
		return -1
	}
	return index
}

// Segments returns the segment files sorted by index
func (j *Journal) Segments() ([]string, error) {
	dir := filepath.Dir(j.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && j.indexOf(entry.Name()) >= 0 {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Slice(files, func(a, b int) bool {
		return j.indexOf(files[a]) < j.indexOf(files[b])
	})
	return files, nil
}

// scanSegment returns the highest sequence in file and the offset just past
// its last valid record
func scanSegment(file string) (uint64, int64, error) {
	fd, err := os.Open(file)
	if err != nil {
		return 0, 0, err
	}
	defer fd.Close()

	var last uint64
	var offset int64
	for {
		rec, n, err := readRecord(fd)
		if err == io.EOF || err == ErrTruncated || err == ErrCorrupted {
			return last, offset, nil
		}
		if err != nil {
			return 0, 0, err
		}
		offset += int64(n)
		if rec.Seq > last {
			last = rec.Seq
		}
	}
}
