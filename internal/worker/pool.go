package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Runner executes one dispatch job. *Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// Queue is the job source a Pool drains. *JobQueue satisfies it.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Retry(ctx context.Context, job *Job, cause error) (bool, error)
	Finish(ctx context.Context, job *Job, state string, cause error) error
}

// PoolConfig holds pool configuration.
type PoolConfig struct {
	Workers int
	// PollTimeout bounds each blocking dequeue so shutdown is noticed.
	PollTimeout time.Duration
}

// Pool runs campaign jobs on a fixed number of goroutines. Each job is
// sequential; different campaigns run in parallel.
type Pool struct {
	queue  Queue
	runner Runner
	cfg    PoolConfig
	log    *logger.Logger

	completed int64
	failed    int64
	retried   int64
}

func NewPool(queue Queue, runner Runner, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &Pool{queue: queue, runner: runner, cfg: cfg, log: logger.With("component", "worker-pool")}
}

// Run blocks until ctx is cancelled and every in-flight job returned.
// Jobs interrupted by shutdown are rescheduled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting workers", "workers", p.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
	p.log.Info("workers stopped", "completed", atomic.LoadInt64(&p.completed),
		"failed", atomic.LoadInt64(&p.failed), "retried", atomic.LoadInt64(&p.retried))
	return nil
}

// Stats returns counters since start.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"completed": atomic.LoadInt64(&p.completed),
		"failed":    atomic.LoadInt64(&p.failed),
		"retried":   atomic.LoadInt64(&p.retried),
	}
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dequeue failed", "worker", n, "err", err)
			sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.handle(ctx, job)
	}
}

// handle runs a job and settles it on the queue. Settlement uses a context
// that survives shutdown so an interrupted job is rescheduled.
func (p *Pool) handle(ctx context.Context, job *Job) {
	err := p.runner.Run(ctx, job)
	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		atomic.AddInt64(&p.completed, 1)
		if ferr := p.queue.Finish(settle, job, JobCompleted, nil); ferr != nil {
			p.log.Error("finish job", "job_id", job.ID, "err", ferr)
		}
	case IsValidation(err):
		atomic.AddInt64(&p.failed, 1)
		if ferr := p.queue.Finish(settle, job, JobFailed, err); ferr != nil {
			p.log.Error("finish job", "job_id", job.ID, "err", ferr)
		}
	default:
		again, rerr := p.queue.Retry(settle, job, err)
		if rerr != nil {
			p.log.Error("reschedule job", "job_id", job.ID, "err", rerr)
			return
		}
		if again {
			atomic.AddInt64(&p.retried, 1)
			metrics.Jobs.WithLabelValues("retried").Inc()
			p.log.Warn("job will be retried", "job_id", job.ID, "attempt", job.Attempt, "err", err)
			return
		}
		atomic.AddInt64(&p.failed, 1)
		p.log.Error("job failed permanently", "job_id", job.ID, "attempts", job.Attempt, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
