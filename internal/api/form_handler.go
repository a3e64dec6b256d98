package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ceotr/form-relay/internal/form"
	"github.com/ceotr/form-relay/internal/logger"
	"github.com/ceotr/form-relay/internal/mail"
	"github.com/ceotr/form-relay/internal/metrics"
	"github.com/ceotr/form-relay/internal/relay"
)

const defaultMaxBodyBytes = 64 << 10

// Relay accepts jobs for background delivery. *relay.Relay implements it.
type Relay interface {
	Ready() error
	Enqueue(job *relay.Job) error
	DeadLetter(ctx context.Context, job *relay.Job, err error)
}

// Composer renders a submission's messages. *form.Composer implements it.
type Composer interface {
	Compose(id string, sub form.Submission) ([]*mail.Message, error)
}

// Deps holds the collaborators of the form routes.
type Deps struct {
	Relay          Relay
	Composer       Composer
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
	Log            zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// FormHandler handles POST for one form kind. The success envelope is
// written and flushed before the messages are composed and queued, so
// delivery never delays or changes the response.
func FormHandler(kind form.Kind, deps Deps) http.HandlerFunc {
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		correlationID := logger.CorrelationIDFromContext(ctx)
		log := deps.Log.With().
			Str("kind", string(kind)).
			Str("correlation_id", correlationID).
			Logger()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			metrics.FormSubmissionsTotal.WithLabelValues(string(kind), "invalid").Inc()
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondFailure(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			respondFailure(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		sub, err := form.Decode(kind, body)
		if err != nil {
			metrics.FormSubmissionsTotal.WithLabelValues(string(kind), "invalid").Inc()
			log.Info().Err(err).Msg("submission rejected")
			if errors.Is(err, form.ErrMissingFields) {
				respondFailure(w, http.StatusBadRequest, "Missing required fields")
				return
			}
			respondFailure(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		if err := deps.Relay.Ready(); err != nil {
			metrics.FormSubmissionsTotal.WithLabelValues(string(kind), "unconfigured").Inc()
			log.Error().Err(err).Msg("mail delivery is not configured")
			respondError(w, http.StatusInternalServerError, "Server configuration error")
			return
		}

		submittedAt := now()
		id := form.NewID(kind, submittedAt)
		respondAccepted(w, kind.SuccessMessage(), kind.IDKey(), id)
		if err := http.NewResponseController(w).Flush(); err != nil {
			log.Debug().Err(err).Msg("response flush not supported")
		}
		metrics.FormSubmissionsTotal.WithLabelValues(string(kind), "accepted").Inc()

		log = log.With().Str("submission_id", id).Logger()
		log.Info().Msg("submission accepted")

		job := &relay.Job{
			ID:            id,
			Kind:          string(kind),
			CorrelationID: correlationID,
			SubmittedAt:   submittedAt,
		}

		msgs, err := deps.Composer.Compose(id, sub)
		if err != nil {
			log.Error().Err(err).Msg("failed to compose messages")
			deps.Relay.DeadLetter(context.WithoutCancel(ctx), job, err)
			return
		}
		job.Messages = msgs

		if err := deps.Relay.Enqueue(job); err != nil {
			log.Warn().Err(err).Int("messages", len(msgs)).Msg("relay refused job")
			deps.Relay.DeadLetter(context.WithoutCancel(ctx), job, err)
		}
	}
}
