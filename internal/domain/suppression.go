package domain

import "time"

// Suppression is a global do-not-send entry.
type Suppression struct {
	Email     string    `json:"email"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Suppression reasons.
const (
	SuppressUnsubscribe = "unsubscribe"
	SuppressComplaint   = "complaint"
	SuppressHardBounce  = "hard_bounce"
)
