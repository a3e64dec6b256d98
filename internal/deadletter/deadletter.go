// Package deadletter records messages the dispatcher could not deliver so
// they can be inspected and replayed instead of being lost after a log line.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/mail"
)

// ErrNotFound is returned by Remove when the entry does not exist.
var ErrNotFound = errors.New("deadletter: entry not found")

// Record describes one undeliverable message.
type Record struct {
	ID            string             `json:"id"`
	JobID         string             `json:"job_id"`
	Kind          string             `json:"kind"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Message       *mail.Message      `json:"message"`
	Attempts      []delivery.Attempt `json:"attempts,omitempty"`
	FinalError    string             `json:"final_error"`
	ErrorClass    mail.Class         `json:"error_class"`
	FailedAt      time.Time          `json:"failed_at"`
}

// NewRecord builds a record for msg from the dispatch error. Attempts are
// copied from a *delivery.Failure when err is one.
func NewRecord(jobID, kind, correlationID string, msg *mail.Message, err error) *Record {
	rec := &Record{
		ID:            newID(),
		JobID:         jobID,
		Kind:          kind,
		CorrelationID: correlationID,
		Message:       msg,
		FailedAt:      time.Now().UTC(),
	}
	if err != nil {
		rec.FinalError = err.Error()
		rec.ErrorClass = mail.ClassOf(err)
	}
	var failure *delivery.Failure
	if errors.As(err, &failure) {
		rec.Attempts = failure.Attempts
	}
	return rec
}

// newID returns a time-ordered UUID so that lexical order follows failure
// order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (r *Record) marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("deadletter: marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("deadletter: unmarshal record: %w", err)
	}
	return &rec, nil
}

// Store persists dead-letter records.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	Put(ctx context.Context, rec *Record) error
	Close() error
}

// Entry is a stored record together with the backend key needed to remove
// it (stream id, object key, receipt handle, ...).
type Entry struct {
	ID     string
	Record *Record
}

// Replayer is a Store whose records can be read back and removed.
type Replayer interface {
	Store
	List(ctx context.Context, limit int) ([]Entry, error)
	Remove(ctx context.Context, entryID string) error
}
