package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPaused    CampaignStatus = "paused"
)

// Campaign is one outbound blast: its templates, sending account and
// aggregate delivery statistics.
type Campaign struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Name            string         `json:"name"`
	Subject         string         `json:"subject"`
	HTMLBody        string         `json:"html_body"`
	TextBody        string         `json:"text_body,omitempty"`
	FromName        string         `json:"from_name"`
	ReplyTo         string         `json:"reply_to,omitempty"`
	CredentialID    *string        `json:"smtp_credential_id"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"total_recipients"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Stats           CampaignStats  `json:"stats"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CampaignStats are aggregate counters derived from recipient rows. They
// are always recomputed, never incremented in place.
type CampaignStats struct {
	Total        int `json:"total"`
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Replied      int `json:"replied"`
	Failed       int `json:"failed"`
	Unsubscribed int `json:"unsubscribed"`
	Complained   int `json:"complained"`
}

// ComputeStats derives counters from recipient state. A recipient counts
// toward every stage whose timestamp it carries, so a clicked recipient is
// also opened, delivered and sent.
func ComputeStats(recipients []Recipient) CampaignStats {
	s := CampaignStats{Total: len(recipients)}
	for _, r := range recipients {
		if r.SentAt != nil {
			s.Sent++
		}
		if r.DeliveredAt != nil && r.BouncedAt == nil {
			s.Delivered++
		}
		if r.OpenedAt != nil {
			s.Opened++
		}
		if r.ClickedAt != nil {
			s.Clicked++
		}
		if r.BouncedAt != nil {
			s.Bounced++
		}
		if r.RepliedAt != nil {
			s.Replied++
		}
		if r.Status == RecipientFailed {
			s.Failed++
		}
		if r.UnsubscribedAt != nil {
			s.Unsubscribed++
		}
		if r.ComplainedAt != nil {
			s.Complained++
		}
	}
	return s
}
