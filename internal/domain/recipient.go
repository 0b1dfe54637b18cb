package domain

import (
	"strings"
	"time"
)

// RecipientStatus is the highest-engagement state observed for an address.
type RecipientStatus string

const (
	RecipientPending      RecipientStatus = "pending"
	RecipientSent         RecipientStatus = "sent"
	RecipientDelivered    RecipientStatus = "delivered"
	RecipientOpened       RecipientStatus = "opened"
	RecipientClicked      RecipientStatus = "clicked"
	RecipientReplied      RecipientStatus = "replied"
	RecipientBounced      RecipientStatus = "bounced"
	RecipientFailed       RecipientStatus = "failed"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
)

// MaxErrorLength caps the stored send error.
const MaxErrorLength = 500

// Recipient is one addressee of a campaign. Personalization fields are
// copied in when the campaign is built so later lead edits do not change
// what was sent.
type Recipient struct {
	ID                string          `json:"id"`
	CampaignID        string          `json:"campaign_id"`
	Email             string          `json:"email"`
	Name              string          `json:"name,omitempty"`
	Company           string          `json:"company,omitempty"`
	Role              string          `json:"role,omitempty"`
	Location          string          `json:"location,omitempty"`
	Status            RecipientStatus `json:"status"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time      `json:"opened_at,omitempty"`
	ClickedAt         *time.Time      `json:"clicked_at,omitempty"`
	BouncedAt         *time.Time      `json:"bounced_at,omitempty"`
	RepliedAt         *time.Time      `json:"replied_at,omitempty"`
	UnsubscribedAt    *time.Time      `json:"unsubscribed_at,omitempty"`
	ComplainedAt      *time.Time      `json:"complained_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// FirstName returns the first word of Name.
func (r *Recipient) FirstName() string {
	if f := strings.Fields(r.Name); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Dispatchable reports whether the dispatcher should (re)send to r.
func (r *Recipient) Dispatchable() bool {
	return r.Status == RecipientPending || r.Status == RecipientFailed
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
