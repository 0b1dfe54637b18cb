package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Pacer gates each outbound message. Wait blocks until the next send may
// start or ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// PacerFunc builds the pacer for one campaign job.
type PacerFunc func(c *domain.Campaign) Pacer

// TokenBucket paces a single job at perSecond messages with the given
// burst. Each job gets its own bucket.
func TokenBucket(perSecond float64, burst int) PacerFunc {
	if burst <= 0 {
		burst = 1
	}
	return func(*domain.Campaign) Pacer {
		if perSecond <= 0 {
			return rate.NewLimiter(rate.Inf, burst)
		}
		return rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// Lua script for an atomic per-second window. The counter is only
// incremented when the caller is still under the limit.
const windowLimitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`

var windowLimitScript = redis.NewScript(windowLimitLuaScript)

// CredentialCap limits sends per SMTP credential across every worker
// process, so two campaigns sharing one mailbox cannot exceed the
// provider's per-second allowance together.
func CredentialCap(client *redis.Client, perSecond int) PacerFunc {
	return func(c *domain.Campaign) Pacer {
		key := ""
		if c.CredentialID != nil {
			key = *c.CredentialID
		}
		return &redisWindow{client: client, key: key, limit: perSecond, now: time.Now}
	}
}

type redisWindow struct {
	client *redis.Client
	key    string
	limit  int
	now    func() time.Time
}

func (w *redisWindow) Wait(ctx context.Context) error {
	if w.limit <= 0 || w.key == "" {
		return nil
	}
	for {
		now := w.now()
		key := fmt.Sprintf("pace:credential:%s:%d", w.key, now.Unix())
		ok, err := windowLimitScript.Run(ctx, w.client, []string{key}, w.limit, 2).Int()
		if err != nil {
			return fmt.Errorf("credential pacer: %w", err)
		}
		if ok == 1 {
			return nil
		}
		next := now.Truncate(time.Second).Add(time.Second)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Chain combines pacers; Wait passes only after every pacer admitted the
// send, in order.
func Chain(fs ...PacerFunc) PacerFunc {
	return func(c *domain.Campaign) Pacer {
		ps := make(chain, 0, len(fs))
		for _, f := range fs {
			if f != nil {
				ps = append(ps, f(c))
			}
		}
		return ps
	}
}

type chain []Pacer

func (c chain) Wait(ctx context.Context) error {
	for _, p := range c {
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
