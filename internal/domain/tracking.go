package domain

import "time"

// TrackingPixel is the per-message open beacon.
type TrackingPixel struct {
	ID            string     `json:"id"`
	RecipientID   string     `json:"recipient_id"`
	CampaignID    string     `json:"campaign_id"`
	URL           string     `json:"url"`
	OpenCount     int        `json:"open_count"`
	FirstOpenedAt *time.Time `json:"first_opened_at,omitempty"`
	LastOpenedAt  *time.Time `json:"last_opened_at,omitempty"`
	LastIP        string     `json:"last_ip,omitempty"`
	LastUserAgent string     `json:"last_user_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TrackedLink maps one opaque redirect id to an original URL for one
// message.
type TrackedLink struct {
	ID             string     `json:"id"`
	RecipientID    string     `json:"recipient_id"`
	CampaignID     string     `json:"campaign_id"`
	OriginalURL    string     `json:"original_url"`
	TrackedURL     string     `json:"tracked_url"`
	ClickCount     int        `json:"click_count"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty"`
	LastClickedAt  *time.Time `json:"last_clicked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Hit is the client metadata attached to a pixel load or redirect.
type Hit struct {
	IP        string
	UserAgent string
	Device    string
	Bot       bool
	At        time.Time
}

// Payload returns the ledger payload for the hit with extra merged in.
func (h Hit) Payload(extra map[string]any) map[string]any {
	m := map[string]any{"ip": h.IP, "user_agent": h.UserAgent}
	if h.Device != "" {
		m["device"] = h.Device
	}
	if h.Bot {
		m["bot"] = true
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
