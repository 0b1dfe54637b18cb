package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// DepthSource reports how many jobs are waiting. *JobQueue satisfies it.
type DepthSource interface {
	Depth(ctx context.Context) (int64, error)
}

// BackpressureMonitor checks queue depth and signals when submission
// should pause. It pauses at maxDepth and resumes once the queue drains
// below half of it.
type BackpressureMonitor struct {
	src      DepthSource
	maxDepth int64
	interval time.Duration

	mu     sync.RWMutex
	paused bool
	depth  int64
	log    *logger.Logger
}

// NewBackpressureMonitor defaults maxDepth to 10,000 and the check
// interval to 15s.
func NewBackpressureMonitor(src DepthSource, maxDepth int64, interval time.Duration) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = 10000
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &BackpressureMonitor{
		src:      src,
		maxDepth: maxDepth,
		interval: interval,
		log:      logger.With("component", "backpressure"),
	}
}

// Start runs the periodic check. It blocks until ctx is cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.Check(ctx)

	ticker := time.NewTicker(bp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.Check(ctx)
		}
	}
}

// Check samples the queue once and updates the paused flag.
func (bp *BackpressureMonitor) Check(ctx context.Context) {
	depth, err := bp.src.Depth(ctx)
	if err != nil {
		bp.log.Warn("queue depth check failed", "err", err)
		return
	}
	metrics.QueueDepth.Set(float64(depth))

	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.depth = depth

	was := bp.paused
	switch {
	case depth >= bp.maxDepth:
		bp.paused = true
		if !was {
			bp.log.Warn("queue depth over threshold, pausing submissions", "depth", depth, "threshold", bp.maxDepth)
		}
	case depth < bp.maxDepth/2:
		bp.paused = false
		if was {
			bp.log.Info("queue drained, resuming submissions", "depth", depth)
		}
	}
}

// Paused reports whether new submissions should be refused.
func (bp *BackpressureMonitor) Paused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// LastDepth is the depth seen by the latest successful check.
func (bp *BackpressureMonitor) LastDepth() int64 {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.depth
}
