package smtpgw

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/pkg/htmltext"
	"gopkg.in/gomail.v2"
)

// Message is one outbound email. The envelope sender is never taken from
// the message; it is always the credential's own address.
type Message struct {
	FromName       string
	To             string
	ToName         string
	ReplyTo        string
	Subject        string
	HTML           string
	Text           string
	CampaignID     string
	RecipientID    string
	UnsubscribeURL string
	Headers        map[string]string
}

// Receipt is a successful send.
type Receipt struct {
	// MessageID is the provider's id when it assigns one, otherwise the
	// Message-ID header without angle brackets.
	MessageID string
	Accepted  []string
}

// newMessageID returns a Message-ID local part and domain taken from from.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

// build renders msg as an RFC 5322 multipart/alternative document.
func build(from string, msg *Message, messageID string) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, msg.FromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+messageID+">")
	if msg.CampaignID != "" {
		m.SetHeader("X-Campaign-ID", msg.CampaignID)
	}
	if msg.RecipientID != "" {
		m.SetHeader("X-Recipient-ID", msg.RecipientID)
	}
	if msg.UnsubscribeURL != "" {
		m.SetHeader("List-Unsubscribe", "<"+msg.UnsubscribeURL+">")
		m.SetHeader("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	text := msg.Text
	if text == "" && msg.HTML != "" {
		text = htmltext.Convert(msg.HTML)
	}
	m.SetBody("text/plain", text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}
