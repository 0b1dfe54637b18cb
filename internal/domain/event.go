package domain

import (
	"fmt"
	"time"
)

// EventKind is the closed set of ledger event types.
type EventKind uint8

const (
	EventSent EventKind = iota
	EventDelivered
	EventOpened
	EventClicked
	EventBounced
	EventComplained
	EventReplied
	EventUnsubscribed
	EventFailed

	numEventKinds
)

var eventKindNames = [numEventKinds]string{
	EventSent:         "sent",
	EventDelivered:    "delivered",
	EventOpened:       "opened",
	EventClicked:      "clicked",
	EventBounced:      "bounced",
	EventComplained:   "complained",
	EventReplied:      "replied",
	EventUnsubscribed: "unsubscribed",
	EventFailed:       "failed",
}

// EventKinds lists every kind in declaration order.
func EventKinds() []EventKind {
	out := make([]EventKind, 0, numEventKinds)
	for k := EventKind(0); k < numEventKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k EventKind) String() string {
	if k < numEventKinds {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k EventKind) Valid() bool { return k < numEventKinds }

// ParseEventKind maps the stored string form back to a kind.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventKindNames {
		if name == s {
			return EventKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid event kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TrackingEvent is one append-only ledger entry.
type TrackingEvent struct {
	ID                string         `json:"id"`
	CampaignID        string         `json:"campaign_id"`
	RecipientID       string         `json:"recipient_id"`
	Kind              EventKind      `json:"event_type"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// LedgerEntry builds the append-only record for an occurrence.
func (o Occurrence) LedgerEntry(id string, r *Recipient) TrackingEvent {
	payload := o.Payload
	if o.Kind == EventFailed && o.Detail != "" {
		payload = withKey(payload, "error", Truncate(o.Detail, MaxErrorLength))
	}
	return TrackingEvent{
		ID:                id,
		CampaignID:        r.CampaignID,
		RecipientID:       r.ID,
		Kind:              o.Kind,
		ProviderMessageID: o.ProviderMessageID,
		Payload:           payload,
		CreatedAt:         o.At.UTC(),
	}
}

func withKey(m map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}
