// Package ingest moves tracking and provider signals from the public
// handlers to the state-update primitive. Handlers enqueue and return; a
// Processor consumes the queue.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Kind identifies what produced a signal.
type Kind string

const (
	KindOpen     Kind = "open"
	KindClick    Kind = "click"
	KindProvider Kind = "provider"
)

// Signal is one unit of ingestion work. It is JSON encoded on the SQS
// backend, so every field must survive a round trip.
type Signal struct {
	Kind Kind `json:"kind"`

	PixelID string `json:"pixel_id,omitempty"`
	LinkID  string `json:"link_id,omitempty"`

	// Provider notifications.
	MessageID string           `json:"message_id,omitempty"`
	Event     domain.EventKind `json:"event"`
	Detail    string           `json:"detail,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`

	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Device    string    `json:"device,omitempty"`
	Bot       bool      `json:"bot,omitempty"`
	At        time.Time `json:"at"`
}

func (s Signal) hit() domain.Hit {
	return domain.Hit{IP: s.IP, UserAgent: s.UserAgent, Device: s.Device, Bot: s.Bot, At: s.At}
}

// Handler processes one signal. A returned error means the signal may be
// redelivered.
type Handler func(ctx context.Context, s Signal) error

// Queue accepts signals from the public handlers.
type Queue interface {
	Enqueue(ctx context.Context, s Signal) error
}

// ErrQueueFull is returned by bounded in-process queues under overload.
var ErrQueueFull = errors.New("ingest: queue full")

// Inline runs the handler synchronously on Enqueue. Tests and single-binary
// development setups use it.
type Inline Handler

func (h Inline) Enqueue(ctx context.Context, s Signal) error { return h(ctx, s) }
