package smtpgw

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

// Kind is the diagnostic bucket of a gateway failure.
type Kind string

const (
	KindConfig    Kind = "config"
	KindDNS       Kind = "dns"
	KindConnect   Kind = "connect"
	KindTimeout   Kind = "timeout"
	KindTLS       Kind = "tls"
	KindAuth      Kind = "auth"
	KindSender    Kind = "sender_rejected"
	KindRelay     Kind = "relay_denied"
	KindRecipient Kind = "recipient_rejected"
	KindMessage   Kind = "message_rejected"
	KindProvider  Kind = "provider"
	KindUnknown   Kind = "unknown"
)

// Stage names the step of the conversation that failed.
type Stage string

const (
	StageDial     Stage = "dial"
	StageGreeting Stage = "greeting"
	StageTLS      Stage = "starttls"
	StageAuth     Stage = "auth"
	StageMail     Stage = "mail"
	StageRcpt     Stage = "rcpt"
	StageData     Stage = "data"
	StageAPI      Stage = "api"
	StageBuild    Stage = "build"
)

var hints = map[Kind]string{
	KindConfig:    "check the credential's host, port and from address",
	KindDNS:       "the SMTP host name does not resolve; check for typos",
	KindConnect:   "the server refused the connection; check host, port and firewall rules",
	KindTimeout:   "the server did not answer in time; port 465 expects implicit TLS, 587 and 25 use STARTTLS",
	KindTLS:       "TLS handshake failed; use port 465 for implicit TLS or 587 for STARTTLS",
	KindAuth:      "the server rejected the username or password; some providers need an app password",
	KindSender:    "the server will not send as this from address; verify the sender identity",
	KindRelay:     "the server refused to relay; authenticate or send from an allowed domain",
	KindRecipient: "the recipient address was rejected by the server",
	KindMessage:   "the server rejected the message content",
	KindProvider:  "the provider API rejected the request",
	KindUnknown:   "unexpected SMTP failure",
}

// GatewayError wraps every failure returned by the gateway.
type GatewayError struct {
	Kind  Kind
	Stage Stage
	Hint  string
	// Rejected lists recipients the server refused, if any.
	Rejected []string
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("smtp %s failed (%s): %v; hint: %s", e.Stage, e.Kind, e.Err, e.Hint)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func newError(stage Stage, err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	kind := classify(stage, err)
	return &GatewayError{Kind: kind, Stage: stage, Hint: hints[kind], Err: err}
}

// classify maps a raw error and the stage it surfaced at to a Kind.
func classify(stage Stage, err error) Kind {
	var (
		dnsErr  *net.DNSError
		tpErr   *textproto.Error
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
		netErr  net.Error
	)
	switch {
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.As(err, &recErr), errors.As(err, &certErr):
		return KindTLS
	case errors.As(err, &tpErr):
		return classifyReply(stage, tpErr)
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls") || strings.Contains(msg, "x509") || strings.Contains(msg, "handshake"):
		return KindTLS
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host") || strings.Contains(msg, "network is unreachable"):
		return KindConnect
	case strings.Contains(msg, "eof") && (stage == StageGreeting || stage == StageDial):
		// plain-text client hitting an implicit-TLS port, or the reverse
		return KindTLS
	case stage == StageAuth:
		return KindAuth
	case stage == StageDial:
		return KindConnect
	}
	return KindUnknown
}

func classifyReply(stage Stage, e *textproto.Error) Kind {
	msg := strings.ToLower(e.Msg)
	switch {
	case e.Code == 535 || e.Code == 534 || e.Code == 530 || stage == StageAuth:
		return KindAuth
	case strings.Contains(msg, "relay"):
		return KindRelay
	case stage == StageMail:
		return KindSender
	case stage == StageRcpt:
		if e.Code == 554 || e.Code == 551 || strings.Contains(msg, "5.7.1") {
			return KindRelay
		}
		return KindRecipient
	case stage == StageData:
		return KindMessage
	case stage == StageTLS:
		return KindTLS
	}
	return KindUnknown
}
