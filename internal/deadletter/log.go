package deadletter

import (
	"context"

	"github.com/rs/zerolog"
)

// LogStore writes each record as a single error-level log line. Records
// cannot be replayed from it.
type LogStore struct {
	log zerolog.Logger
}

// NewLogStore creates a LogStore.
func NewLogStore(log zerolog.Logger) *LogStore {
	return &LogStore{log: log}
}

func (s *LogStore) Name() string { return "log" }

func (s *LogStore) Put(_ context.Context, rec *Record) error {
	ev := s.log.Error().
		Str("deadletter_id", rec.ID).
		Str("job_id", rec.JobID).
		Str("kind", rec.Kind).
		Str("error_class", string(rec.ErrorClass)).
		Str("final_error", rec.FinalError).
		Int("attempts", len(rec.Attempts)).
		Time("failed_at", rec.FailedAt)
	if rec.CorrelationID != "" {
		ev = ev.Str("correlation_id", rec.CorrelationID)
	}
	if rec.Message != nil {
		ev = ev.Str("message_id", rec.Message.ID).
			Strs("to", rec.Message.To).
			Str("subject", rec.Message.Subject)
	}
	ev.Msg("undeliverable message")
	return nil
}

func (s *LogStore) Close() error { return nil }
