package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ceotr/form-relay/internal/config"
)

const (
	sendgridDefaultEndpoint = "https://api.sendgrid.com"
	sendgridSendPath        = "/v3/mail/send"
)

// SendGrid delivers through the SendGrid v3 Mail Send API.
type SendGrid struct {
	apiKey   string
	endpoint string
	client   HTTPClient
}

// NewSendGrid creates a SendGrid transport.
func NewSendGrid(cfg config.SendGridConfig, client HTTPClient) *SendGrid {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = sendgridDefaultEndpoint
	}
	return &SendGrid{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		client:   client,
	}
}

func (s *SendGrid) Name() string { return "sendgrid" }

// Send posts msg to the mail/send endpoint. SendGrid answers 202 with the
// message id in the X-Message-Id header.
func (s *SendGrid) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	body, err := json.Marshal(s.buildPayload(msg))
	if err != nil {
		return nil, &DeliveryError{Transport: s.Name(), Class: ClassRejected, Err: fmt.Errorf("marshal request: %w", err)}
	}

	resp, err := s.client.Do(ctx, &HTTPRequest{
		Method: http.MethodPost,
		URL:    s.endpoint + sendgridSendPath,
		Headers: map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, &DeliveryError{Transport: s.Name(), Class: ClassTransient, Err: fmt.Errorf("send request: %w", err)}
	}

	if de := ClassifyHTTP(s.Name(), resp.StatusCode, string(resp.Body)); de != nil {
		return nil, de
	}

	return &Receipt{
		Transport:  s.Name(),
		MessageID:  resp.Headers["X-Message-Id"],
		AcceptedAt: time.Now(),
	}, nil
}

// sendgridPayload matches the SendGrid v3 mail/send JSON schema.
type sendgridPayload struct {
	Personalizations []sendgridPersonalization `json:"personalizations"`
	From             sendgridEmail             `json:"from"`
	ReplyTo          *sendgridEmail            `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendgridContent         `json:"content"`
	Headers          map[string]string         `json:"headers,omitempty"`
}

type sendgridPersonalization struct {
	To []sendgridEmail `json:"to"`
}

type sendgridEmail struct {
	Email string `json:"email"`
}

type sendgridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *SendGrid) buildPayload(msg *Message) sendgridPayload {
	tos := make([]sendgridEmail, len(msg.To))
	for i, addr := range msg.To {
		tos[i] = sendgridEmail{Email: addr}
	}

	// text/plain must come before text/html.
	var content []sendgridContent
	if msg.TextBody != "" {
		content = append(content, sendgridContent{Type: "text/plain", Value: msg.TextBody})
	}
	if msg.HTMLBody != "" {
		content = append(content, sendgridContent{Type: "text/html", Value: msg.HTMLBody})
	}
	if len(content) == 0 {
		content = []sendgridContent{{Type: "text/plain", Value: " "}}
	}

	payload := sendgridPayload{
		Personalizations: []sendgridPersonalization{{To: tos}},
		From:             sendgridEmail{Email: msg.From},
		Subject:          msg.Subject,
		Content:          content,
		Headers:          msg.Headers,
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sendgridEmail{Email: msg.ReplyTo}
	}
	return payload
}
