package smtpgw

import (
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/patrickmn/go-cache"
)

// pooled is one transport plus the credential version it was built for.
// closed is set under mu once the transport has been shut.
type pooled struct {
	mu        sync.Mutex
	transport Transport
	version   time.Time
	lastUsed  time.Time
	closed    bool
}

// Pool keeps at most max transports keyed by credential id. Idle entries
// expire after ttl; when full, the least recently used entry is evicted.
// Evicted transports are closed.
type Pool struct {
	mu    sync.Mutex
	items *cache.Cache
	max   int
	ttl   time.Duration
	now   func() time.Time
}

func NewPool(max int, ttl time.Duration) *Pool {
	if max <= 0 {
		max = 50
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	p := &Pool{items: cache.New(ttl, ttl/2), max: max, ttl: ttl, now: time.Now}
	p.items.OnEvicted(func(key string, v interface{}) {
		metrics.PooledTransports.Dec()
		go closeEntry(key, v.(*pooled))
	})
	return p
}

// closeEntry waits for an in-flight send on the entry before closing.
func closeEntry(key string, e *pooled) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if err := e.transport.Close(); err != nil {
		logger.Debug("close pooled transport", "component", "smtpgw", "credential_id", key, "err", err)
	}
}

// get returns the live entry for key if it was built for version.
// Stale entries are evicted.
func (p *Pool) get(key string, version time.Time) *pooled {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.items.Get(key)
	if !ok {
		return nil
	}
	e := v.(*pooled)
	if !e.version.Equal(version) {
		p.items.Delete(key)
		return nil
	}
	e.lastUsed = p.now()
	p.items.Set(key, e, cache.DefaultExpiration)
	return e
}

// put stores a new entry, evicting the least recently used one when full.
// If another goroutine stored an entry for the same version first, that
// one wins and the caller's transport is closed.
func (p *Pool) put(key string, version time.Time, t Transport) *pooled {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.items.Get(key); ok {
		if e := v.(*pooled); e.version.Equal(version) {
			go t.Close()
			return e
		}
		p.items.Delete(key)
	}
	for p.items.ItemCount() >= p.max {
		p.evictOldest()
	}
	e := &pooled{transport: t, version: version, lastUsed: p.now()}
	p.items.Set(key, e, cache.DefaultExpiration)
	metrics.PooledTransports.Inc()
	return e
}

func (p *Pool) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, it := range p.items.Items() {
		e := it.Object.(*pooled)
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey, oldest = k, e.lastUsed
		}
	}
	if oldestKey == "" {
		return
	}
	p.items.Delete(oldestKey)
}

// Invalidate closes and forgets the transport for key.
func (p *Pool) Invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items.Delete(key)
}

// drop forgets e if it is still the entry stored for key.
func (p *Pool) drop(key string, e *pooled) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.items.Get(key); ok && v.(*pooled) == e {
		p.items.Delete(key)
	}
}

// Len is the number of pooled transports.
func (p *Pool) Len() int { return p.items.ItemCount() }

// Close evicts every entry.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.items.Items() {
		p.items.Delete(k)
	}
}
