package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ceotr/form-relay/internal/config"
)

// apiTimeout bounds a single HTTP call of the API transports. Dispatch
// attempts carry their own, usually shorter, deadline.
const apiTimeout = 30 * time.Second

// NewChain builds the transports enabled by cfg in delivery order: managed
// APIs first (Gmail, Resend, SendGrid), SMTP as the fallback, stdout last.
// An empty chain is not an error; MailConfig.Problems reports it.
//
// ctx is kept by the Gmail token source for refreshing access tokens and
// should live as long as the process.
func NewChain(ctx context.Context, cfg config.MailConfig, log zerolog.Logger) ([]Transport, error) {
	var chain []Transport

	if cfg.GmailReady() {
		g, err := NewGmail(ctx, cfg.Gmail)
		if err != nil {
			return nil, fmt.Errorf("build gmail transport: %w", err)
		}
		chain = append(chain, g)
	}

	if cfg.Resend.APIKey != "" {
		chain = append(chain, NewResend(cfg.Resend))
	}

	if cfg.SendGrid.APIKey != "" {
		chain = append(chain, NewSendGrid(cfg.SendGrid, NewHTTPClient(apiTimeout)))
	}

	if cfg.SMTP.Host != "" {
		chain = append(chain, NewSMTP(cfg.SMTP))
	}

	if cfg.Stdout {
		chain = append(chain, NewStdout())
	}

	names := make([]string, len(chain))
	for i, t := range chain {
		names[i] = t.Name()
	}
	log.Info().Strs("transports", names).Msg("mail transport chain built")

	return chain, nil
}
