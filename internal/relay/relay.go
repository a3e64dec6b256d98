// Package relay delivers composed messages in the background after the HTTP
// response has been written. Jobs go through a bounded in-process queue to a
// worker pool; messages that cannot be delivered end up in a dead-letter
// store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ceotr/form-relay/internal/deadletter"
	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/logger"
	"github.com/ceotr/form-relay/internal/mail"
	"github.com/ceotr/form-relay/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue when no queue slot is free.
	ErrQueueFull = errors.New("relay: queue full")
	// ErrStopped is returned by Enqueue after Stop has been called.
	ErrStopped = errors.New("relay: stopped")
	// ErrNotConfigured is wrapped by Ready when mail settings are missing.
	ErrNotConfigured = errors.New("relay: mail delivery not configured")
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256

	// deadLetterTimeout bounds a dead-letter write, which runs detached from
	// the worker context so records survive shutdown.
	deadLetterTimeout = 10 * time.Second
)

// Job is one accepted submission's outgoing mail.
type Job struct {
	ID            string
	Kind          string
	CorrelationID string
	Messages      []*mail.Message
	SubmittedAt   time.Time
}

// Dispatcher delivers a single message. *delivery.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *mail.Message) (*delivery.Outcome, error)
}

// Options configures a Relay.
type Options struct {
	Workers   int
	QueueSize int
	// Problems lists missing mail settings. A non-empty list makes Ready
	// fail.
	Problems []string
}

// Relay owns the job queue and its workers.
type Relay struct {
	dispatcher Dispatcher
	store      deadletter.Store
	log        zerolog.Logger
	workers    int
	problems   []string

	mu      sync.RWMutex
	queue   chan *Job
	stopped bool
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Relay. Workers are not running until Start is called.
func New(dispatcher Dispatcher, store deadletter.Store, opts Options, log zerolog.Logger) *Relay {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Relay{
		dispatcher: dispatcher,
		store:      store,
		log:        log.With().Str("component", "relay").Logger(),
		workers:    opts.Workers,
		problems:   opts.Problems,
		queue:      make(chan *Job, opts.QueueSize),
	}
}

// Ready reports whether mail delivery is configured.
func (r *Relay) Ready() error {
	if len(r.problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotConfigured, strings.Join(r.problems, "; "))
}

// Start launches the worker goroutines. Dispatches run under ctx; cancelling
// it aborts in-flight deliveries.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for i := range r.workers {
		r.wg.Add(1)
		go r.runWorker(ctx, fmt.Sprintf("worker-%d", i))
	}

	r.log.Info().
		Int("worker_count", r.workers).
		Int("queue_size", cap(r.queue)).
		Msg("relay started")
}

// Stop refuses new jobs and waits for queued jobs to drain. When ctx expires
// first, in-flight deliveries are cancelled and their messages are
// dead-lettered.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		r.drainUnstarted()
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.log.Info().Msg("relay stopped gracefully")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.log.Warn().Msg("relay shutdown timed out, in-flight deliveries cancelled")
		return ctx.Err()
	}
}

// drainUnstarted dead-letters jobs queued on a relay that never started.
func (r *Relay) drainUnstarted() {
	for job := range r.queue {
		r.DeadLetter(context.Background(), job, ErrStopped)
	}
	metrics.RelayQueueDepth.Set(0)
}

// Enqueue hands job to the workers without blocking.
func (r *Relay) Enqueue(job *Job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		metrics.RelayJobsDroppedTotal.Inc()
		return ErrStopped
	}

	select {
	case r.queue <- job:
		metrics.RelayQueueDepth.Set(float64(len(r.queue)))
		return nil
	default:
		metrics.RelayJobsDroppedTotal.Inc()
		return ErrQueueFull
	}
}

func (r *Relay) runWorker(ctx context.Context, name string) {
	defer r.wg.Done()

	r.log.Debug().Str("worker", name).Msg("worker started")
	for job := range r.queue {
		metrics.RelayQueueDepth.Set(float64(len(r.queue)))
		r.Process(ctx, job)
	}
	r.log.Debug().Str("worker", name).Msg("worker stopping")
}

// Process delivers each message of job in order, dead-lettering failures.
// It never returns an error; outcomes are logged, counted and recorded.
func (r *Relay) Process(ctx context.Context, job *Job) {
	ctx = logger.WithCorrelationID(ctx, job.CorrelationID)
	log := r.log.With().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("correlation_id", job.CorrelationID).
		Logger()

	for _, msg := range job.Messages {
		outcome, err := r.dispatcher.Dispatch(ctx, msg)
		if err != nil {
			log.Error().Err(err).
				Str("message_id", msg.ID).
				Str("to", msg.Recipients()).
				Str("error_class", string(mail.ClassOf(err))).
				Msg("message undeliverable")
			r.deadLetterMessage(ctx, job, msg, err)
			continue
		}

		ev := log.Info().
			Str("message_id", msg.ID).
			Str("to", msg.Recipients()).
			Int("attempts", len(outcome.Attempts))
		if outcome.Receipt != nil {
			ev = ev.Str("transport", outcome.Receipt.Transport).
				Str("transport_message_id", outcome.Receipt.MessageID)
		}
		ev.Dur("queued_for", time.Since(job.SubmittedAt)).Msg("message delivered")
	}
}

// DeadLetter records every message of job as undeliverable with err. It is
// used for jobs that never reached a worker. A job without messages, such as
// one whose composition failed, still leaves a single record.
func (r *Relay) DeadLetter(ctx context.Context, job *Job, err error) {
	if len(job.Messages) == 0 {
		r.deadLetterMessage(ctx, job, nil, err)
		return
	}
	for _, msg := range job.Messages {
		r.deadLetterMessage(ctx, job, msg, err)
	}
}

func (r *Relay) deadLetterMessage(ctx context.Context, job *Job, msg *mail.Message, cause error) {
	rec := deadletter.NewRecord(job.ID, job.Kind, job.CorrelationID, msg, cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	var messageID string
	if msg != nil {
		messageID = msg.ID
	}

	sink := r.store.Name()
	if err := r.store.Put(ctx, rec); err != nil {
		metrics.DeadLettersTotal.WithLabelValues(sink, "error").Inc()
		r.log.Error().Err(err).
			Str("sink", sink).
			Str("job_id", job.ID).
			Str("message_id", messageID).
			Msg("failed to write dead letter")
		return
	}
	metrics.DeadLettersTotal.WithLabelValues(sink, "ok").Inc()
	r.log.Warn().
		Str("sink", sink).
		Str("deadletter_id", rec.ID).
		Str("job_id", job.ID).
		Str("message_id", messageID).
		Msg("message dead-lettered")
}
