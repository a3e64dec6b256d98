package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resend/resend-go/v3"

	"github.com/ceotr/form-relay/internal/config"
)

// Resend delivers through the Resend HTTP API.
type Resend struct {
	client *resend.Client
}

// NewResend creates a Resend transport.
func NewResend(cfg config.ResendConfig) *Resend {
	return &Resend{client: resend.NewClient(cfg.APIKey)}
}

// NewResendClient wraps an existing client, for a custom base URL or HTTP
// client.
func NewResendClient(client *resend.Client) *Resend {
	return &Resend{client: client}
}

func (r *Resend) Name() string { return "resend" }

// Send submits msg and returns the Resend email id as the message id.
func (r *Resend) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
		Text:    msg.TextBody,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	resp, err := r.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return nil, classifyResend(r.Name(), err)
	}

	return &Receipt{
		Transport:  r.Name(),
		MessageID:  resp.Id,
		AcceptedAt: time.Now(),
	}, nil
}

// classifyResend maps a resend-go error to a DeliveryError. Rate limits come
// back typed; other API failures are plain errors carrying the API message,
// so their class is read from the text.
func classifyResend(transport string, err error) *DeliveryError {
	de := &DeliveryError{Transport: transport, Class: ClassTransient, Err: fmt.Errorf("send: %w", err)}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return de
	}
	var rateErr *resend.RateLimitError
	if errors.As(err, &rateErr) {
		return de
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		de.Class = ClassTransient
	case containsAny(msg, authIndicators) || strings.Contains(msg, "missing api key") ||
		strings.Contains(msg, "restricted_api_key"):
		de.Class = ClassAuth
	case containsAny(msg, recipientIndicators):
		de.Class = ClassRecipient
	case strings.Contains(msg, "validation_error") || strings.Contains(msg, "not verified") ||
		strings.Contains(msg, "only send testing emails") || strings.Contains(msg, "forbidden"):
		de.Class = ClassRejected
	}
	return de
}
