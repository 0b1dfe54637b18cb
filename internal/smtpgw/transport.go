package smtpgw

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Envelope is the SMTP-level sender and recipients.
type Envelope struct {
	From string
	To   []string
}

// Transport delivers rendered messages for one credential. Implementations
// are not required to be safe for concurrent use; the pool serialises
// access.
type Transport interface {
	// Verify checks the connection and credentials.
	Verify(ctx context.Context) error
	// Send delivers raw and returns the provider's message id, or "" when
	// the provider does not assign one.
	Send(ctx context.Context, env Envelope, raw []byte) (string, error)
	Close() error
}

// Timeouts bound each phase of an SMTP conversation.
type Timeouts struct {
	Connect  time.Duration
	Greeting time.Duration
	Socket   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = 10 * time.Second
	}
	if t.Greeting <= 0 {
		t.Greeting = 10 * time.Second
	}
	if t.Socket <= 0 {
		t.Socket = 30 * time.Second
	}
	return t
}

// Factory opens a transport for a credential.
type Factory func(ctx context.Context, cred *domain.SMTPCredential) (Transport, error)

// DefaultFactory picks the SMTP or SES transport by credential provider.
func DefaultFactory(t Timeouts, heloName string) Factory {
	return func(ctx context.Context, cred *domain.SMTPCredential) (Transport, error) {
		switch cred.Provider {
		case domain.ProviderSES:
			return NewSESTransport(ctx, cred)
		case domain.ProviderSMTP, "":
			return NewSMTPTransport(cred, t, heloName), nil
		default:
			return nil, &GatewayError{Kind: KindConfig, Stage: StageDial, Hint: hints[KindConfig],
				Err: errUnknownProvider(cred.Provider)}
		}
	}
}

type errUnknownProvider string

func (e errUnknownProvider) Error() string { return "unknown provider " + string(e) }
