package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ceotr/form-relay/internal/deadletter"
	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/mail"
)

// stubDispatcher records dispatched messages and fails those whose first
// recipient is listed in fail.
type stubDispatcher struct {
	mu    sync.Mutex
	sent  []*mail.Message
	fail  map[string]error
	block chan struct{}
}

func (s *stubDispatcher) Dispatch(ctx context.Context, msg *mail.Message) (*delivery.Outcome, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, &delivery.Failure{Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if err, ok := s.fail[msg.To[0]]; ok {
		return nil, err
	}
	return &delivery.Outcome{
		Receipt:  &mail.Receipt{Transport: "stub", MessageID: msg.ID},
		Attempts: []delivery.Attempt{{Number: 1, Transport: "stub", State: delivery.StateDelivered}},
	}, nil
}

func (s *stubDispatcher) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var to []string
	for _, m := range s.sent {
		to = append(to, m.To[0])
	}
	return to
}

// memStore is an in-memory deadletter.Store.
type memStore struct {
	mu      sync.Mutex
	records []*deadletter.Record
	err     error
}

func (m *memStore) Name() string { return "memory" }

func (m *memStore) Put(_ context.Context, rec *deadletter.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) all() []*deadletter.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*deadletter.Record(nil), m.records...)
}

func testJob(id string, to ...string) *Job {
	job := &Job{ID: id, Kind: "booking", CorrelationID: "corr-" + id, SubmittedAt: time.Now()}
	for i, addr := range to {
		job.Messages = append(job.Messages, &mail.Message{
			ID:      id + "-" + string(rune('a'+i)),
			From:    "orders@ceotr.example",
			To:      []string{addr},
			Subject: "subject",
		})
	}
	return job
}

func TestRelay_DeliversInOrder(t *testing.T) {
	d := &stubDispatcher{}
	store := &memStore{}
	r := New(d, store, Options{Workers: 1, QueueSize: 4}, zerolog.Nop())
	r.Start(context.Background())

	if err := r.Enqueue(testJob("BK1", "admin@ceotr.example", "jane@x.com")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := d.sentTo()
	if len(got) != 2 || got[0] != "admin@ceotr.example" || got[1] != "jane@x.com" {
		t.Errorf("sent = %v, want admin then customer", got)
	}
	if n := len(store.all()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestRelay_FailureIsDeadLettered(t *testing.T) {
	failure := &delivery.Failure{
		Attempts: []delivery.Attempt{{Number: 1, Transport: "smtp", State: delivery.StatePermanentFailure, Class: mail.ClassRecipient}},
		Err:      &mail.DeliveryError{Transport: "smtp", Class: mail.ClassRecipient, Code: 550, Err: errors.New("no such user")},
	}
	d := &stubDispatcher{fail: map[string]error{"bad@x.com": failure}}
	store := &memStore{}
	r := New(d, store, Options{Workers: 2}, zerolog.Nop())
	r.Start(context.Background())

	if err := r.Enqueue(testJob("CT1", "admin@ceotr.example", "bad@x.com")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.JobID != "CT1" || rec.Kind != "booking" || rec.CorrelationID != "corr-CT1" {
		t.Errorf("record identity = %q %q %q", rec.JobID, rec.Kind, rec.CorrelationID)
	}
	if rec.Message.To[0] != "bad@x.com" {
		t.Errorf("record message to = %v", rec.Message.To)
	}
	if rec.ErrorClass != mail.ClassRecipient || len(rec.Attempts) != 1 {
		t.Errorf("record class = %q attempts = %d", rec.ErrorClass, len(rec.Attempts))
	}
	if len(d.sentTo()) != 2 {
		t.Errorf("admin message should still be delivered, sent = %v", d.sentTo())
	}
}

func TestRelay_DeadLetterStoreErrorIsSwallowed(t *testing.T) {
	d := &stubDispatcher{fail: map[string]error{"a@x.com": errors.New("boom")}}
	store := &memStore{err: errors.New("disk full")}
	r := New(d, store, Options{Workers: 1}, zerolog.Nop())
	r.Start(context.Background())

	if err := r.Enqueue(testJob("QT1", "a@x.com")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRelay_EnqueueQueueFull(t *testing.T) {
	r := New(&stubDispatcher{}, &memStore{}, Options{Workers: 1, QueueSize: 1}, zerolog.Nop())

	if err := r.Enqueue(testJob("J1", "a@x.com")); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := r.Enqueue(testJob("J2", "a@x.com")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Enqueue = %v, want ErrQueueFull", err)
	}
}

func TestRelay_EnqueueNeverBlocks(t *testing.T) {
	d := &stubDispatcher{block: make(chan struct{})}
	r := New(d, &memStore{}, Options{Workers: 1, QueueSize: 1}, zerolog.Nop())
	r.Start(context.Background())
	defer func() {
		close(d.block)
		_ = r.Stop(context.Background())
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = r.Enqueue(testJob("J", "a@x.com"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked with a busy worker and a full queue")
	}
}

func TestRelay_EnqueueAfterStop(t *testing.T) {
	r := New(&stubDispatcher{}, &memStore{}, Options{}, zerolog.Nop())
	r.Start(context.Background())
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Enqueue(testJob("J1", "a@x.com")); !errors.Is(err, ErrStopped) {
		t.Errorf("Enqueue = %v, want ErrStopped", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestRelay_StopUnstartedDeadLettersQueue(t *testing.T) {
	store := &memStore{}
	r := New(&stubDispatcher{}, store, Options{}, zerolog.Nop())
	if err := r.Enqueue(testJob("J1", "a@x.com", "b@x.com")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(store.all()); n != 2 {
		t.Errorf("dead letters = %d, want 2", n)
	}
}

func TestRelay_StopTimeoutCancelsInFlight(t *testing.T) {
	d := &stubDispatcher{block: make(chan struct{})}
	store := &memStore{}
	r := New(d, store, Options{Workers: 1}, zerolog.Nop())
	r.Start(context.Background())

	if err := r.Enqueue(testJob("J1", "a@x.com")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want DeadlineExceeded", err)
	}
	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(recs))
	}
	if !strings.Contains(recs[0].FinalError, "context canceled") {
		t.Errorf("FinalError = %q", recs[0].FinalError)
	}
}

func TestRelay_DeadLetter(t *testing.T) {
	store := &memStore{}
	r := New(&stubDispatcher{}, store, Options{}, zerolog.Nop())
	r.DeadLetter(context.Background(), testJob("NL1", "admin@ceotr.example"), ErrQueueFull)

	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(recs))
	}
	if !strings.Contains(recs[0].FinalError, "queue full") {
		t.Errorf("FinalError = %q", recs[0].FinalError)
	}
}

func TestRelay_DeadLetterJobWithoutMessages(t *testing.T) {
	store := &memStore{}
	r := New(&stubDispatcher{}, store, Options{}, zerolog.Nop())
	job := &Job{ID: "CT1700000000000", Kind: "contact", CorrelationID: "req-1"}
	r.DeadLetter(context.Background(), job, errors.New("render admin template: boom"))

	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.JobID != job.ID || rec.Kind != "contact" || rec.CorrelationID != "req-1" || rec.Message != nil {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.FinalError, "render admin template") {
		t.Errorf("FinalError = %q", rec.FinalError)
	}
}

func TestRelay_Ready(t *testing.T) {
	r := New(&stubDispatcher{}, &memStore{}, Options{}, zerolog.Nop())
	if err := r.Ready(); err != nil {
		t.Errorf("Ready = %v, want nil", err)
	}

	r = New(&stubDispatcher{}, &memStore{}, Options{Problems: []string{"no sender", "no transport"}}, zerolog.Nop())
	err := r.Ready()
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Ready = %v, want ErrNotConfigured", err)
	}
	if !strings.Contains(err.Error(), "no sender; no transport") {
		t.Errorf("Ready message = %q", err.Error())
	}
}
