package deadletter

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/mail"
)

// Redispatcher sends a stored message again. *delivery.Dispatcher
// implements it.
type Redispatcher interface {
	Dispatch(ctx context.Context, msg *mail.Message) (*delivery.Outcome, error)
}

// ReplayOptions bounds a replay run.
type ReplayOptions struct {
	// Limit caps the number of entries read. Zero reads everything the
	// backend returns in one listing.
	Limit int
	// Concurrency is the number of messages re-dispatched at once.
	Concurrency int
	// DryRun lists entries without dispatching or removing them.
	DryRun bool
}

// ReplayResult counts what a replay run did.
type ReplayResult struct {
	Listed    int
	Delivered int
	Failed    int
}

// Replay re-dispatches the records of r and removes every entry whose
// message is delivered. Entries that fail again stay in the store. The
// returned error is non-nil only when listing fails or a delivered entry
// cannot be removed.
func Replay(ctx context.Context, r Replayer, d Redispatcher, opts ReplayOptions, log zerolog.Logger) (ReplayResult, error) {
	var res ReplayResult

	entries, err := r.List(ctx, opts.Limit)
	if err != nil {
		return res, fmt.Errorf("list %s dead letters: %w", r.Name(), err)
	}
	res.Listed = len(entries)

	// Entries without a message cannot be sent again; they are reported and
	// left in place.
	valid := entries[:0]
	for _, e := range entries {
		if e.Record == nil || e.Record.Message == nil {
			res.Failed++
			log.Warn().Str("entry_id", e.ID).Msg("dead letter has no message, entry kept")
			continue
		}
		valid = append(valid, e)
	}
	entries = valid

	if opts.DryRun {
		for _, e := range entries {
			log.Info().
				Str("entry_id", e.ID).
				Str("job_id", e.Record.JobID).
				Str("kind", e.Record.Kind).
				Str("to", e.Record.Message.Recipients()).
				Str("error_class", string(e.Record.ErrorClass)).
				Str("final_error", e.Record.FinalError).
				Time("failed_at", e.Record.FailedAt).
				Msg("dead letter")
		}
		return res, nil
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var delivered, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, e := range entries {
		g.Go(func() error {
			entryLog := log.With().
				Str("entry_id", e.ID).
				Str("job_id", e.Record.JobID).
				Str("message_id", e.Record.Message.ID).
				Logger()

			outcome, err := d.Dispatch(gctx, e.Record.Message)
			if err != nil {
				failed.Add(1)
				entryLog.Warn().Err(err).Msg("replay failed, entry kept")
				return nil
			}

			if err := r.Remove(gctx, e.ID); err != nil {
				return fmt.Errorf("remove replayed entry %s: %w", e.ID, err)
			}
			delivered.Add(1)
			ev := entryLog.Info()
			if outcome != nil && outcome.Receipt != nil {
				ev = ev.Str("transport", outcome.Receipt.Transport).
					Str("provider_message_id", outcome.Receipt.MessageID)
			}
			ev.Msg("dead letter replayed")
			return nil
		})
	}

	err = g.Wait()
	res.Delivered = int(delivered.Load())
	res.Failed += int(failed.Load())
	return res, err
}
