package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	mu   sync.Mutex
	errs map[string]error
	ran  []string
	done chan struct{}
}

func (r *scriptedRunner) Run(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, job.CampaignID)
	if r.done != nil && len(r.ran) == cap(r.done) {
		close(r.done)
	}
	return r.errs[job.CampaignID]
}

func TestPool_SettlesJobsByOutcome(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"ok", "invalid", "flaky"} {
		_, err := q.Enqueue(ctx, id, "u1")
		require.NoError(t, err)
	}
	runner := &scriptedRunner{
		errs: map[string]error{
			"invalid": &ValidationError{Reason: "no recipients"},
			"flaky":   errors.New("db down"),
		},
		done: make(chan struct{}, 3),
	}
	pool := NewPool(q, runner, PoolConfig{Workers: 2, PollTimeout: 50 * time.Millisecond})

	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	select {
	case <-runner.done:
	case <-time.After(10 * time.Second):
		t.Fatal("jobs were not processed")
	}
	cancel()
	<-stopped

	state := func(id string) string {
		meta, err := q.Progress(context.Background(), id)
		require.NoError(t, err)
		return meta["state"]
	}
	assert.Equal(t, JobCompleted, state("ok"))
	assert.Equal(t, JobFailed, state("invalid"))
	assert.Equal(t, JobRetrying, state("flaky"))

	stats := pool.Stats()
	assert.EqualValues(t, 1, stats["completed"])
	assert.EqualValues(t, 1, stats["failed"])
	assert.EqualValues(t, 1, stats["retried"])
}
