// Package mail holds the outbound message model, the transports that carry
// it (SMTP, Gmail API, Resend, SendGrid, stdout) and the classification of
// their failures.
package mail

import (
	"context"
	"strings"
	"time"
)

// Transport delivers a single message through one path.
type Transport interface {
	// Name returns the transport identifier used in logs and metrics
	// (e.g. "smtp", "gmail").
	Name() string
	// Send delivers msg and returns the receipt issued by the remote side.
	// Failures should be returned as *DeliveryError so callers can decide
	// whether a retry makes sense.
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// Message is a rendered email ready for delivery.
type Message struct {
	ID       string            `json:"id"`
	From     string            `json:"from"`
	To       []string          `json:"to"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Subject  string            `json:"subject"`
	TextBody string            `json:"text_body"`
	HTMLBody string            `json:"html_body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Recipients returns the To addresses joined for logging.
func (m *Message) Recipients() string {
	return strings.Join(m.To, ", ")
}

// Receipt is returned by a transport once the remote side has accepted a
// message.
type Receipt struct {
	Transport  string    `json:"transport"`
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}
