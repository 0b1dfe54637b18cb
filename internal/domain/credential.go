package domain

import "time"

// Transport providers for an SMTP credential.
const (
	ProviderSMTP = "smtp"
	ProviderSES  = "ses"
)

// SMTPCredential is a user-supplied sending account. FromEmail is the
// account's own mailbox and is always used as the envelope sender.
type SMTPCredential struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	FromEmail string    `json:"from_email"`
	Region    string    `json:"region,omitempty"`
	Verified  bool      `json:"verified"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImplicitTLS reports whether the connection starts with a TLS handshake
// (SMTPS) instead of upgrading with STARTTLS.
func (c *SMTPCredential) ImplicitTLS() bool { return c.Port == 465 }
