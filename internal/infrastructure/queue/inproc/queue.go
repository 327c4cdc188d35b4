// Package inproc is a single-process validation queue backed by a buffered channel.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

var ErrClosed = errors.New("inproc queue closed")

type Queue struct {
	jobs    chan domain.ValidationJob
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func New(size, workers int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:    make(chan domain.ValidationJob, size),
		workers: workers,
		logger:  logger,
	}
}

// PublishValidation never blocks: a full buffer is reported as a temporary failure.
func (q *Queue) PublishValidation(ctx context.Context, job domain.ValidationJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return domain.WrapError(domain.ErrTemporary, "inproc publish", ErrClosed)
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return domain.WrapError(domain.ErrTemporary, "inproc publish", fmt.Errorf("queue full (%d jobs)", cap(q.jobs)))
	}
}

// SubscribeValidation runs handler on a fixed pool of workers until ctx ends.
// Jobs already buffered at that point are drained before it returns.
func (q *Queue) SubscribeValidation(ctx context.Context, handler func(context.Context, domain.ValidationJob) error) error {
	if handler == nil {
		return errors.New("inproc subscribe: handler is nil")
	}
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		if !q.closed {
			q.closed = true
			close(q.jobs)
		}
		q.mu.Unlock()
	}()

	// Handlers keep running past shutdown so drained jobs still commit.
	handlerCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range q.jobs {
				if err := handler(handlerCtx, job); err != nil {
					q.logger.Error("validation_handler_error", "document_id", job.DocumentID, "version", job.Version, "error", err)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Len is the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}
