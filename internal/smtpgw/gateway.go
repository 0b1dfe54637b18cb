// Package smtpgw sends campaign mail through user-owned SMTP or SES
// credentials. Transports are opened lazily, verified before first use and
// pooled per credential.
package smtpgw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// CredentialStore loads sending credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*domain.SMTPCredential, error)
}

// Options configures a Gateway.
type Options struct {
	Timeouts Timeouts
	HeloName string
	PoolSize int
	IdleTTL  time.Duration
	// Factory overrides transport construction; tests use it.
	Factory Factory
}

type Gateway struct {
	creds   CredentialStore
	pool    *Pool
	factory Factory
	log     *logger.Logger
}

func New(creds CredentialStore, opts Options) *Gateway {
	f := opts.Factory
	if f == nil {
		f = DefaultFactory(opts.Timeouts, opts.HeloName)
	}
	return &Gateway{
		creds:   creds,
		pool:    NewPool(opts.PoolSize, opts.IdleTTL),
		factory: f,
		log:     logger.With("component", "smtpgw"),
	}
}

// Send delivers msg with the given credential. It makes exactly one
// delivery attempt; every failure is a *GatewayError.
func (g *Gateway) Send(ctx context.Context, credentialID string, msg *Message) (*Receipt, error) {
	start := time.Now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	cred, err := g.credential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	messageID := newMessageID(cred.FromEmail)
	raw, err := build(cred.FromEmail, msg, messageID)
	if err != nil {
		return nil, &GatewayError{Kind: KindMessage, Stage: StageBuild, Hint: hints[KindMessage], Err: err}
	}
	env := Envelope{From: cred.FromEmail, To: []string{msg.To}}

	e, err := g.lease(ctx, cred)
	if err != nil {
		return nil, err
	}
	providerID, err := e.transport.Send(ctx, env, raw)
	e.mu.Unlock()
	if err != nil {
		ge := newError(StageData, err)
		if connectionLevel(ge.Kind) {
			g.pool.drop(credentialID, e)
		}
		g.log.Warn("send failed", "credential_id", credentialID, "to", msg.To, "kind", string(ge.Kind), "err", ge.Err)
		return nil, ge
	}

	if providerID == "" {
		providerID = messageID
	}
	return &Receipt{MessageID: providerID, Accepted: env.To}, nil
}

// Verify opens (or reuses) the credential's transport and checks it.
func (g *Gateway) Verify(ctx context.Context, credentialID string) error {
	cred, err := g.credential(ctx, credentialID)
	if err != nil {
		return err
	}
	_, err = g.acquire(ctx, cred)
	return err
}

// Invalidate drops the pooled transport after a credential change.
func (g *Gateway) Invalidate(credentialID string) { g.pool.Invalidate(credentialID) }

// Close shuts every pooled transport.
func (g *Gateway) Close() { g.pool.Close() }

func (g *Gateway) credential(ctx context.Context, id string) (*domain.SMTPCredential, error) {
	cred, err := g.creds.GetCredential(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &GatewayError{Kind: KindConfig, Stage: StageDial, Hint: hints[KindConfig],
			Err: fmt.Errorf("credential %s not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s: %w", id, err)
	}
	if cred.FromEmail == "" {
		return nil, &GatewayError{Kind: KindConfig, Stage: StageDial, Hint: hints[KindConfig],
			Err: errors.New("credential has no from address")}
	}
	return cred, nil
}

func (g *Gateway) acquire(ctx context.Context, cred *domain.SMTPCredential) (*pooled, error) {
	if e := g.pool.get(cred.ID, cred.UpdatedAt); e != nil {
		return e, nil
	}
	t, err := g.factory(ctx, cred)
	if err != nil {
		return nil, newError(StageDial, err)
	}
	if err := t.Verify(ctx); err != nil {
		t.Close()
		ge := newError(StageDial, err)
		g.log.Warn("transport verification failed", "credential_id", cred.ID, "kind", string(ge.Kind), "err", ge.Err)
		return nil, ge
	}
	g.log.Debug("transport opened", "credential_id", cred.ID, "provider", cred.Provider)
	return g.pool.put(cred.ID, cred.UpdatedAt, t), nil
}

// errPoolChurn means every leased entry was closed before it could be used.
var errPoolChurn = errors.New("pooled transport closed while leasing")

// lease returns a pooled entry with its mutex held for one send. An entry
// that was evicted and closed between lookup and lock is dropped and
// replaced.
func (g *Gateway) lease(ctx context.Context, cred *domain.SMTPCredential) (*pooled, error) {
	for attempt := 0; attempt < 3; attempt++ {
		e, err := g.acquire(ctx, cred)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.closed {
			return e, nil
		}
		e.mu.Unlock()
		g.pool.drop(cred.ID, e)
	}
	return nil, &GatewayError{Kind: KindConnect, Stage: StageDial, Hint: hints[KindConnect], Err: errPoolChurn}
}

// connectionLevel kinds leave the transport unusable.
func connectionLevel(k Kind) bool {
	switch k {
	case KindConnect, KindTimeout, KindTLS, KindDNS, KindAuth, KindUnknown:
		return true
	}
	return false
}
