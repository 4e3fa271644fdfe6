package storage

import (
	"context"
	"time"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
)

// Instrumented wraps a Backend with logging and metrics
type Instrumented struct {
	Backend
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Instrument wraps b. A nil log or metrics disables that side.
func Instrument(b Backend, log *logger.Logger, m *metrics.Metrics) *Instrumented {
	if log == nil {
		log = logger.Nop()
	}
	return &Instrumented{Backend: b, log: log.Component("storage"), metrics: m}
}

func (i *Instrumented) Load(ctx context.Context) (*Image, error) {
	start := time.Now()
	img, err := i.Backend.Load(ctx)
	count := 0
	if img != nil {
		for _, bucket := range img.Buckets {
			count += len(bucket)
		}
	}
	i.log.LogBackendOperation("load", time.Since(start), count, err)
	i.metrics.RecordBackendOperation("load", time.Since(start), err)
	return img, err
}

func (i *Instrumented) Commit(ctx context.Context, b *Batch) error {
	start := time.Now()
	err := i.Backend.Commit(ctx, b)
	i.log.LogBackendOperation("commit", time.Since(start), b.Len(), err)
	i.metrics.RecordBackendOperation("commit", time.Since(start), err)
	return err
}
