package ingest

import (
	"context"
	"sync"

	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// MemoryQueue is a bounded in-process queue drained by a fixed worker pool.
type MemoryQueue struct {
	ch      chan Signal
	workers int
	wg      sync.WaitGroup
}

func NewMemoryQueue(buffer, workers int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &MemoryQueue{ch: make(chan Signal, buffer), workers: workers}
}

// Enqueue never blocks; a full buffer drops the signal.
func (q *MemoryQueue) Enqueue(_ context.Context, s Signal) error {
	select {
	case q.ch <- s:
		return nil
	default:
		metrics.Signals.WithLabelValues(string(s.Kind), "dropped").Inc()
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and the
// buffered signals have been drained.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx, h)
		}()
	}
	<-ctx.Done()
	q.wg.Wait()
}

func (q *MemoryQueue) work(ctx context.Context, h Handler) {
	for {
		select {
		case s := <-q.ch:
			q.handle(ctx, h, s)
		case <-ctx.Done():
			for {
				select {
				case s := <-q.ch:
					q.handle(context.WithoutCancel(ctx), h, s)
				default:
					return
				}
			}
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, h Handler, s Signal) {
	if err := h(ctx, s); err != nil {
		logger.Warn("ingest: signal failed", "kind", string(s.Kind), "err", err)
	}
}
