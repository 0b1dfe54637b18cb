// Package webhook receives provider delivery notifications over SNS and
// inbound replies from the mail relay.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// SNS envelope types.
const (
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeNotification             = "Notification"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// Envelope is the JSON document SNS posts to HTTP subscribers.
type Envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}

// sesNotification covers both classic SES notifications (notificationType)
// and configuration-set event publishing (eventType).
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Delivery *struct {
		Timestamp            string   `json:"timestamp"`
		ProcessingTimeMillis int64    `json:"processingTimeMillis"`
		SMTPResponse         string   `json:"smtpResponse"`
		Recipients           []string `json:"recipients"`
	} `json:"delivery"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			Status         string `json:"status"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
		ComplainedRecipients  []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Open *struct {
		Timestamp string `json:"timestamp"`
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
	} `json:"open"`
	Click *struct {
		Timestamp string `json:"timestamp"`
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
		Link      string `json:"link"`
	} `json:"click"`
}

// ProviderEvent is a decoded SES notification.
type ProviderEvent struct {
	MessageID string
	Kind      domain.EventKind
	Detail    string
	Payload   map[string]any
	At        time.Time
}

// errUnsupported marks SES event types that carry no recipient transition
// (Send, Reject, DeliveryDelay, Rendering Failure, Subscription).
var errUnsupported = errors.New("unsupported ses event")

// DecodeSES maps an SNS Notification message body to a ProviderEvent.
func DecodeSES(message string) (*ProviderEvent, error) {
	var n sesNotification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		return nil, fmt.Errorf("decode ses notification: %w", err)
	}
	typ := n.EventType
	if typ == "" {
		typ = n.NotificationType
	}
	ev := &ProviderEvent{MessageID: n.Mail.MessageID, Payload: map[string]any{"provider": "ses", "ses_type": typ}}
	ts := n.Mail.Timestamp

	switch typ {
	case "Delivery":
		ev.Kind = domain.EventDelivered
		if d := n.Delivery; d != nil {
			ts = d.Timestamp
			ev.Payload["smtp_response"] = d.SMTPResponse
			ev.Payload["processing_time_ms"] = d.ProcessingTimeMillis
		}
	case "Bounce":
		ev.Kind = domain.EventBounced
		if b := n.Bounce; b != nil {
			ts = b.Timestamp
			ev.Payload["bounce_type"] = b.BounceType
			ev.Payload["bounce_sub_type"] = b.BounceSubType
			if len(b.BouncedRecipients) > 0 {
				ev.Detail = b.BouncedRecipients[0].DiagnosticCode
				ev.Payload["diagnostic_code"] = ev.Detail
				ev.Payload["status"] = b.BouncedRecipients[0].Status
			}
		}
	case "Complaint":
		ev.Kind = domain.EventComplained
		if c := n.Complaint; c != nil {
			ts = c.Timestamp
			ev.Payload["feedback_type"] = c.ComplaintFeedbackType
		}
	case "Open":
		ev.Kind = domain.EventOpened
		if o := n.Open; o != nil {
			ts = o.Timestamp
			ev.Payload["ip"] = o.IPAddress
			ev.Payload["user_agent"] = o.UserAgent
		}
	case "Click":
		ev.Kind = domain.EventClicked
		if c := n.Click; c != nil {
			ts = c.Timestamp
			ev.Payload["ip"] = c.IPAddress
			ev.Payload["user_agent"] = c.UserAgent
			ev.Payload["url"] = c.Link
		}
	default:
		return nil, fmt.Errorf("%w %q", errUnsupported, typ)
	}

	if strings.TrimSpace(ev.MessageID) == "" {
		return nil, fmt.Errorf("ses %s notification without mail.messageId", typ)
	}
	ev.At = parseTime(ts)
	return ev, nil
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
