package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/redis/go-redis/v9"
)

// ErrAlreadyQueued is returned by Enqueue while a job for the same campaign
// is pending, delayed or running.
var ErrAlreadyQueued = errors.New("campaign already queued")

const (
	pendingKey    = "jobs:dispatch:pending"
	delayedKey    = "jobs:dispatch:delayed"
	processingKey = "jobs:dispatch:processing"
	progressTTL   = 24 * time.Hour
)

// Job is one request to dispatch a campaign.
type Job struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// DequeuedAt is only filled in for jobs listed by Orphans.
	DequeuedAt time.Time `json:"-"`

	// raw is the payload as stored in the processing list.
	raw string
}

// JobID is the dedup key of a campaign's job.
func JobID(campaignID string) string { return "campaign-" + campaignID }

func jobKey(id string) string      { return "job:" + id }
func progressKey(id string) string { return "job:" + id + ":progress" }

// Job states recorded in the progress hash.
const (
	JobQueued    = "queued"
	JobActive    = "active"
	JobRetrying  = "retrying"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Moves every delayed job whose score is due onto the pending list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, payload in ipairs(due) do
    redis.call("ZREM", KEYS[1], payload)
    redis.call("LPUSH", KEYS[2], payload)
end
return #due
`)

// Moves one payload from the processing list back to pending, only if it
// is still there. A job that finished meanwhile is left alone.
var requeueScript = redis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
    return 0
end
redis.call("LPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "queued")
return 1
`)

// JobQueue is a Redis list of campaign jobs with a dedup key per campaign
// and a sorted set of delayed retries.
type JobQueue struct {
	client      *redis.Client
	maxAttempts int
	backoffBase time.Duration
	keyTTL      time.Duration
	now         func() time.Time
}

// JobQueueOptions configures retry behaviour.
type JobQueueOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	// KeyTTL bounds how long a dedup key survives a crashed worker.
	KeyTTL time.Duration
}

func NewJobQueue(client *redis.Client, opts JobQueueOptions) *JobQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = 12 * time.Hour
	}
	return &JobQueue{
		client:      client,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		keyTTL:      opts.KeyTTL,
		now:         time.Now,
	}
}

// Enqueue submits a campaign for dispatch.
func (q *JobQueue) Enqueue(ctx context.Context, campaignID, userID string) (*Job, error) {
	job := &Job{
		ID:         JobID(campaignID),
		CampaignID: campaignID,
		UserID:     userID,
		Attempt:    1,
		EnqueuedAt: q.now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	ok, err := q.client.SetNX(ctx, jobKey(job.ID), payload, q.keyTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve job key: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyQueued
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, pendingKey, payload)
	pipe.HSet(ctx, progressKey(job.ID), "state", JobQueued, "attempt", job.Attempt, "error", "")
	pipe.Expire(ctx, progressKey(job.ID), progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		q.client.Del(ctx, jobKey(job.ID))
		return nil, fmt.Errorf("push job: %w", err)
	}
	return job, nil
}

// Dequeue promotes due retries and then blocks up to timeout for the next
// job. It returns nil, nil when nothing arrived. The job stays on the
// processing list until Retry or Finish settles it.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, []string{delayedKey, pendingKey}, now).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	raw, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.client.LRem(ctx, processingKey, 1, raw)
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.raw = raw
	q.client.HSet(ctx, progressKey(job.ID), "state", JobActive, "attempt", job.Attempt,
		"dequeued_at", q.now().UnixMilli())
	return &job, nil
}

// Retry schedules the next attempt with exponential backoff. It reports
// false, and releases the dedup key, once attempts are exhausted.
func (q *JobQueue) Retry(ctx context.Context, job *Job, cause error) (bool, error) {
	if job.Attempt >= q.maxAttempts {
		return false, q.Finish(ctx, job, JobFailed, cause)
	}

	next := *job
	next.Attempt++
	payload, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	due := q.now().Add(q.Backoff(job.Attempt))

	pipe := q.client.TxPipeline()
	if job.raw != "" {
		pipe.LRem(ctx, processingKey, 1, job.raw)
	}
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: payload})
	pipe.Set(ctx, jobKey(job.ID), payload, q.keyTTL)
	pipe.HSet(ctx, progressKey(job.ID), "state", JobRetrying, "attempt", next.Attempt, "error", errText(cause))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return true, nil
}

// Backoff is base * 2^(attempt-1).
func (q *JobQueue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(q.backoffBase) * math.Pow(2, float64(attempt-1)))
}

// Finish records the terminal state and frees the campaign for a new
// submission.
func (q *JobQueue) Finish(ctx context.Context, job *Job, state string, cause error) error {
	pipe := q.client.TxPipeline()
	if job.raw != "" {
		pipe.LRem(ctx, processingKey, 1, job.raw)
	}
	pipe.Del(ctx, jobKey(job.ID))
	pipe.HSet(ctx, progressKey(job.ID), "state", state, "error", errText(cause))
	pipe.Expire(ctx, progressKey(job.ID), progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Orphans lists jobs that were dequeued before the given time and never
// settled. A live worker holds the dispatch lock for its job, so callers
// must check that before requeueing.
func (q *JobQueue) Orphans(ctx context.Context, before time.Time) ([]*Job, error) {
	raws, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.client.LRem(ctx, processingKey, 1, raw)
			continue
		}
		job.raw = raw
		ms, err := q.client.HGet(ctx, progressKey(job.ID), "dequeued_at").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if ms > 0 {
			job.DequeuedAt = time.UnixMilli(ms).UTC()
		}
		if job.DequeuedAt.Before(before) {
			out = append(out, &job)
		}
	}
	return out, nil
}

// Requeue puts an orphaned job back on the pending list under its existing
// dedup key. It reports false when the job was settled in the meantime.
func (q *JobQueue) Requeue(ctx context.Context, job *Job) (bool, error) {
	if job.raw == "" {
		return false, errors.New("requeue: job was not dequeued")
	}
	n, err := requeueScript.Run(ctx, q.client,
		[]string{processingKey, pendingKey, progressKey(job.ID)}, job.raw).Int()
	if err != nil {
		return false, err
	}
	if n == 1 {
		q.client.Expire(ctx, jobKey(job.ID), q.keyTTL)
	}
	return n == 1, nil
}

// Queued reports whether a campaign holds a dedup key.
func (q *JobQueue) Queued(ctx context.Context, campaignID string) (bool, error) {
	n, err := q.client.Exists(ctx, jobKey(JobID(campaignID))).Result()
	return n > 0, err
}

// Depth counts jobs waiting to run, including delayed retries.
func (q *JobQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, pendingKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return pending.Val() + delayed.Val(), nil
}

// SetProgress stores the latest progress snapshot of a campaign's job.
func (q *JobQueue) SetProgress(ctx context.Context, campaignID string, p broadcast.Progress) error {
	key := progressKey(JobID(campaignID))
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(p.Status),
		"total", p.Total,
		"processed", p.Processed,
		"sent", p.Sent,
		"failed", p.Failed,
		"progress", p.Progress,
		"updated_at", q.now().UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, key, progressTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Progress returns the stored job metadata of a campaign.
func (q *JobQueue) Progress(ctx context.Context, campaignID string) (map[string]string, error) {
	return q.client.HGetAll(ctx, progressKey(JobID(campaignID))).Result()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
