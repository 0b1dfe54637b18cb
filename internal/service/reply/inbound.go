package reply

import (
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Inbound is the payload posted by the inbound mail relay.
type Inbound struct {
	From       string `json:"from" validate:"required_without=Raw"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	MessageID  string `json:"messageId"`
	InReplyTo  string `json:"inReplyTo"`
	References string `json:"references"`
	// Raw is the full RFC 5322 message when the relay forwards it.
	Raw string `json:"raw"`
}

// maxRawBody bounds how much of a raw message body is read.
const maxRawBody = 256 << 10

// fillFromRaw parses in.Raw and copies headers and the first text body
// into any field the relay left empty.
func fillFromRaw(in *Inbound) error {
	mr, err := mail.CreateReader(strings.NewReader(in.Raw))
	if err != nil {
		return fmt.Errorf("parse raw message: %w", err)
	}
	h := mr.Header

	if in.From == "" {
		if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
			in.From = from[0].Address
		}
	}
	if in.To == "" {
		if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
			in.To = to[0].Address
		}
	}
	if in.Subject == "" {
		in.Subject, _ = h.Subject()
	}
	if in.MessageID == "" {
		in.MessageID, _ = h.MessageID()
	}
	if in.InReplyTo == "" {
		if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
			in.InReplyTo = strings.Join(ids, " ")
		}
	}
	if in.References == "" {
		if ids, err := h.MsgIDList("References"); err == nil {
			in.References = strings.Join(ids, " ")
		}
	}
	if in.Body != "" {
		return nil
	}

	var htmlBody string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read raw part: %w", err)
		}
		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		b, err := io.ReadAll(io.LimitReader(p.Body, maxRawBody))
		if err != nil {
			return fmt.Errorf("read raw body: %w", err)
		}
		switch {
		case ct == "text/plain" || ct == "":
			in.Body = string(b)
			return nil
		case ct == "text/html" && htmlBody == "":
			htmlBody = string(b)
		}
	}
	in.Body = htmlBody
	return nil
}

// senderAddress extracts the bare address from a From value such as
// `"Ada" <ada@example.com>`.
func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(from), "<>"))
}
