// Package broadcast pushes campaign and recipient state changes to live
// observers. Every event is scoped to a campaign topic "campaign:<id>".
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// EventType names the observer-facing event.
type EventType string

const (
	CampaignProgress     EventType = "campaign-progress"
	CampaignStats        EventType = "campaign-stats"
	RecipientUpdate      EventType = "recipient-update"
	CampaignStatusChange EventType = "campaign-status-change"
)

// Event is one notification on a campaign topic. Data is one of Progress,
// domain.CampaignStats, RecipientChange or StatusChange when published
// locally, and raw JSON after a trip through Redis.
type Event struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaign_id"`
	Data       any       `json:"data"`
	At         time.Time `json:"at"`
}

// Topic is the channel name for a campaign.
func Topic(campaignID string) string { return "campaign:" + campaignID }

// Progress is the payload of campaign-progress.
type Progress struct {
	Status    domain.CampaignStatus `json:"status"`
	Total     int                   `json:"total"`
	Processed int                   `json:"processed"`
	Sent      int                   `json:"sent"`
	Failed    int                   `json:"failed"`
	Progress  int                   `json:"progress"`
}

// RecipientChange is the payload of recipient-update.
type RecipientChange struct {
	RecipientID string                 `json:"recipient_id"`
	Email       string                 `json:"email"`
	Kind        domain.EventKind       `json:"event"`
	From        domain.RecipientStatus `json:"from"`
	To          domain.RecipientStatus `json:"to"`
	First       bool                   `json:"first"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// StatusChange is the payload of campaign-status-change.
type StatusChange struct {
	From  domain.CampaignStatus `json:"from"`
	To    domain.CampaignStatus `json:"to"`
	Error string                `json:"error,omitempty"`
}

// Publisher delivers events. Delivery is best effort; implementations log
// their own failures instead of returning them to the state writers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// New builds an event stamped with the current time.
func New(t EventType, campaignID string, data any) Event {
	return Event{Type: t, CampaignID: campaignID, Data: data, At: time.Now().UTC()}
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

func encode(ev Event) ([]byte, error) { return json.Marshal(ev) }

func decode(b []byte) (Event, error) {
	var raw struct {
		Type       EventType       `json:"type"`
		CampaignID string          `json:"campaign_id"`
		Data       json.RawMessage `json:"data"`
		At         time.Time       `json:"at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Event{}, err
	}
	return Event{Type: raw.Type, CampaignID: raw.CampaignID, Data: raw.Data, At: raw.At}, nil
}
