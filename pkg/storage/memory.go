package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a closed backend
var ErrClosed = errors.New("storage: backend closed")

// Memory is a Backend that keeps everything in process memory
type Memory struct {
	mu     sync.Mutex
	img    *Image
	closed bool
}

// NewMemory returns an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{img: NewImage()}
}

func (m *Memory) Load(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := NewImage()
	out.Seq = m.img.Seq
	for name, bucket := range m.img.Buckets {
		for k, v := range bucket {
			out.Set(name, k, append([]byte(nil), v...))
		}
	}
	return out, nil
}

func (m *Memory) Commit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.img.Apply(b)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
