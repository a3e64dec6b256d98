package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ceotr/form-relay/internal/config"
)

// Gmail delivers through the Gmail API users.messages.send call, acting as
// the sending user through a service account with domain-wide delegation.
type Gmail struct {
	svc  *gmail.Service
	user string
}

// NewGmail creates a Gmail transport from service account credentials.
// The private key may be given with literal "\n" sequences, as it usually
// is when stored in a single-line environment variable.
func NewGmail(ctx context.Context, cfg config.GmailConfig) (*Gmail, error) {
	key := strings.ReplaceAll(cfg.ServiceAccountKey, `\n`, "\n")

	jwtConfig := &jwt.Config{
		Email:      cfg.ServiceAccountEmail,
		PrivateKey: []byte(key),
		Scopes:     []string{gmail.GmailSendScope},
		TokenURL:   google.JWTTokenURL,
		Subject:    cfg.SendingUser,
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return NewGmailService(svc), nil
}

// NewGmailService wraps an existing Gmail API service.
func NewGmailService(svc *gmail.Service) *Gmail {
	return &Gmail{svc: svc, user: "me"}
}

func (g *Gmail) Name() string { return "gmail" }

// Send renders msg as MIME and submits it base64url encoded.
func (g *Gmail) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	raw, _, err := BuildMIME(msg, time.Now())
	if err != nil {
		return nil, &DeliveryError{Transport: g.Name(), Class: ClassOf(err), Err: err}
	}

	sent, err := g.svc.Users.Messages.
		Send(g.user, &gmail.Message{Raw: base64.RawURLEncoding.EncodeToString(raw)}).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyGmail(g.Name(), err)
	}

	return &Receipt{
		Transport:  g.Name(),
		MessageID:  sent.Id,
		AcceptedAt: time.Now(),
	}, nil
}

func classifyGmail(transport string, err error) *DeliveryError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		de := ClassifyHTTP(transport, apiErr.Code, apiErr.Message+" "+apiErr.Body)
		if de != nil {
			de.Err = fmt.Errorf("send: %w", err)
			return de
		}
	}

	// Token exchange failures: a refused grant means the service account or
	// delegation is misconfigured.
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		de := &DeliveryError{Transport: transport, Class: ClassTransient, Err: fmt.Errorf("token: %w", err)}
		if retrieveErr.Response != nil {
			de.Code = retrieveErr.Response.StatusCode
			if de.Code == http.StatusBadRequest || de.Code == http.StatusUnauthorized || de.Code == http.StatusForbidden {
				de.Class = ClassAuth
			}
		}
		return de
	}

	return &DeliveryError{Transport: transport, Class: ClassTransient, Err: fmt.Errorf("send: %w", err)}
}
