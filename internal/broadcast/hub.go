package broadcast

import (
	"context"
	"sync"

	"github.com/ignite/campaign-engine/internal/metrics"
)

// Hub is the in-process fan-out used by the SSE endpoint and by tests.
// Slow subscribers lose events rather than blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe registers interest in one campaign. The returned cancel func
// unregisters and closes the channel.
func (h *Hub) Subscribe(campaignID string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	topic := Topic(campaignID)

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[chan Event]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], ch)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[Topic(ev.CampaignID)] {
		select {
		case ch <- ev:
		default:
			metrics.BroadcastDrops.Inc()
		}
	}
}

// Subscribers reports how many observers a campaign has.
func (h *Hub) Subscribers(campaignID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[Topic(campaignID)])
}
