package smtpgw

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// SMTPTransport holds one authenticated connection to a submission server
// and reuses it for consecutive sends.
type SMTPTransport struct {
	cred     domain.SMTPCredential
	timeouts Timeouts
	helo     string
	tls      *tls.Config

	conn   net.Conn
	client *smtp.Client
}

func NewSMTPTransport(cred *domain.SMTPCredential, t Timeouts, heloName string) *SMTPTransport {
	return &SMTPTransport{
		cred:     *cred,
		timeouts: t.withDefaults(),
		helo:     heloName,
		tls:      &tls.Config{ServerName: cred.Host, MinVersion: tls.VersionTLS12},
	}
}

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.cred.Host, strconv.Itoa(t.cred.Port))
}

// Verify dials, upgrades and authenticates, leaving the connection open
// for the first send.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	if t.client != nil {
		return nil
	}
	return t.connect(ctx)
}

func (t *SMTPTransport) connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: t.timeouts.Connect}
	var (
		conn net.Conn
		err  error
	)
	if t.cred.ImplicitTLS() {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: t.tls}).DialContext(ctx, "tcp", t.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.addr())
	}
	if err != nil {
		return newError(StageDial, err)
	}

	conn.SetDeadline(time.Now().Add(t.timeouts.Greeting))
	c, err := smtp.NewClient(conn, t.cred.Host)
	if err != nil {
		conn.Close()
		return newError(StageGreeting, err)
	}
	conn.SetDeadline(time.Now().Add(t.timeouts.Socket))

	if t.helo != "" {
		if err := c.Hello(t.helo); err != nil {
			c.Close()
			return newError(StageGreeting, err)
		}
	}
	if !t.cred.ImplicitTLS() {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(t.tls); err != nil {
				c.Close()
				return newError(StageTLS, err)
			}
		}
	}
	if t.cred.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			c.Close()
			return newError(StageAuth, errors.New("server does not advertise AUTH"))
		}
		if err := c.Auth(smtp.PlainAuth("", t.cred.Username, t.cred.Password, t.cred.Host)); err != nil {
			c.Close()
			return newError(StageAuth, err)
		}
	}
	t.conn, t.client = conn, c
	return nil
}

// Send runs one MAIL/RCPT/DATA transaction. A connection that went stale
// while pooled is replaced before the transaction starts; the message
// itself is never retried.
func (t *SMTPTransport) Send(ctx context.Context, env Envelope, raw []byte) (string, error) {
	if err := t.ensure(ctx); err != nil {
		return "", err
	}
	deadline := time.Now().Add(t.timeouts.Socket)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetDeadline(deadline)

	if err := t.client.Mail(env.From); err != nil {
		t.reset()
		return "", newError(StageMail, err)
	}
	var rejected []string
	var rcptErr error
	for _, to := range env.To {
		if err := t.client.Rcpt(to); err != nil {
			rejected = append(rejected, to)
			if rcptErr == nil {
				rcptErr = err
			}
		}
	}
	if len(rejected) > 0 {
		t.reset()
		ge := newError(StageRcpt, rcptErr)
		ge.Rejected = rejected
		return "", ge
	}

	w, err := t.client.Data()
	if err != nil {
		t.reset()
		return "", newError(StageData, err)
	}
	if _, err := w.Write(raw); err != nil {
		t.drop()
		return "", newError(StageData, err)
	}
	if err := w.Close(); err != nil {
		t.reset()
		return "", newError(StageData, err)
	}
	return "", nil
}

func (t *SMTPTransport) ensure(ctx context.Context) error {
	if t.client != nil {
		t.conn.SetDeadline(time.Now().Add(t.timeouts.Greeting))
		if err := t.client.Noop(); err == nil {
			return nil
		}
		t.drop()
	}
	return t.connect(ctx)
}

// reset aborts the current transaction, dropping the connection when the
// server does not answer RSET.
func (t *SMTPTransport) reset() {
	if t.client == nil {
		return
	}
	if err := t.client.Reset(); err != nil {
		t.drop()
	}
}

func (t *SMTPTransport) drop() {
	if t.client != nil {
		t.client.Close()
	}
	t.client, t.conn = nil, nil
}

func (t *SMTPTransport) Close() error {
	if t.client == nil {
		return nil
	}
	t.conn.SetDeadline(time.Now().Add(t.timeouts.Greeting))
	err := t.client.Quit()
	if err != nil {
		t.client.Close()
	}
	t.client, t.conn = nil, nil
	if err != nil {
		return fmt.Errorf("smtp quit: %w", err)
	}
	return nil
}
