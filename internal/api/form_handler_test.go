package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ceotr/form-relay/internal/config"
	"github.com/ceotr/form-relay/internal/deadletter"
	"github.com/ceotr/form-relay/internal/delivery"
	"github.com/ceotr/form-relay/internal/form"
	"github.com/ceotr/form-relay/internal/mail"
	"github.com/ceotr/form-relay/internal/relay"
)

// captureRelay records jobs instead of delivering them.
type captureRelay struct {
	mu           sync.Mutex
	readyErr     error
	enqueueErr   error
	jobs         []*relay.Job
	deadLettered []*relay.Job
}

func (c *captureRelay) Ready() error { return c.readyErr }

func (c *captureRelay) Enqueue(job *relay.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enqueueErr != nil {
		return c.enqueueErr
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureRelay) DeadLetter(_ context.Context, job *relay.Job, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLettered = append(c.deadLettered, job)
}

// messages returns every queued message in order.
func (c *captureRelay) messages() []*mail.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []*mail.Message
	for _, j := range c.jobs {
		msgs = append(msgs, j.Messages...)
	}
	return msgs
}

type failingComposer struct{}

func (failingComposer) Compose(string, form.Submission) ([]*mail.Message, error) {
	return nil, errors.New("template exploded")
}

func testComposer(t *testing.T) *form.Composer {
	t.Helper()
	c, err := form.NewComposer(config.MailConfig{
		From:         "orders@ceotr.example",
		AdminAddress: "admin@ceotr.example",
		Company:      "CEOTR Ltd",
	})
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	return c
}

func newTestRouter(t *testing.T, rl Relay) http.Handler {
	t.Helper()
	return NewRouter(Deps{
		Relay:    rl,
		Composer: testComposer(t),
		Log:      zerolog.Nop(),
	})
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v: %q", err, rec.Body.String())
	}
	return m
}

var validBodies = map[form.Kind]string{
	form.KindBooking:    `{"name":"Jane","email":"jane@x.com","service":"IT Solutions"}`,
	form.KindQuote:      `{"name":"Jane","email":"jane@x.com","service":"Web","budgetMin":1000,"budgetMax":5000}`,
	form.KindContact:    `{"name":"Jane","email":"jane@x.com","subject":"Hello","message":"Question"}`,
	form.KindNewsletter: `{"email":"x@y.com"}`,
}

func TestFormRoutes_MissingFieldsNeverDeliver(t *testing.T) {
	incomplete := map[form.Kind][]string{
		form.KindBooking:    {``, `{}`, `{"name":"Jane","email":"jane@x.com"}`, `{"email":"jane@x.com","service":"S"}`},
		form.KindQuote:      {`{}`, `{"name":"Jane","email":"j@x.com","service":"S","budgetMin":1}`},
		form.KindContact:    {``, `{"name":"Jane","email":"j@x.com","subject":"s"}`, `{"name":" ","email":"j@x.com","subject":"s","message":"m"}`},
		form.KindNewsletter: {``, `{}`, `{"email":""}`, `{"name":"Jane"}`},
	}

	for kind, bodies := range incomplete {
		for _, path := range FormPaths(kind) {
			for _, body := range bodies {
				t.Run(path+" "+body, func(t *testing.T) {
					rl := &captureRelay{}
					rec := doRequest(newTestRouter(t, rl), http.MethodPost, path, body)

					if rec.Code != http.StatusBadRequest {
						t.Fatalf("expected status 400, got %d", rec.Code)
					}
					resp := decodeBody(t, rec)
					if resp["success"] != false || resp["message"] != "Missing required fields" {
						t.Errorf("unexpected body %v", resp)
					}
					if n := len(rl.messages()); n != 0 {
						t.Errorf("expected no delivery, got %d messages", n)
					}
				})
			}
		}
	}
}

func TestFormRoutes_AcceptedEnvelope(t *testing.T) {
	for _, kind := range form.Kinds() {
		for _, path := range FormPaths(kind) {
			t.Run(path, func(t *testing.T) {
				rl := &captureRelay{}
				rec := doRequest(newTestRouter(t, rl), http.MethodPost, path, validBodies[kind])

				if rec.Code != http.StatusOK {
					t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
				}
				resp := decodeBody(t, rec)
				if resp["success"] != true {
					t.Errorf("expected success true, got %v", resp["success"])
				}
				if resp["message"] != kind.SuccessMessage() {
					t.Errorf("expected message %q, got %v", kind.SuccessMessage(), resp["message"])
				}
				id, _ := resp[kind.IDKey()].(string)
				if !regexp.MustCompile(`^` + kind.Prefix() + `\d+$`).MatchString(id) {
					t.Errorf("expected %s matching %s<digits>, got %q", kind.IDKey(), kind.Prefix(), id)
				}
				if len(rl.jobs) != 1 || rl.jobs[0].ID != id {
					t.Errorf("expected one job with id %q, got %+v", id, rl.jobs)
				}
			})
		}
	}
}

func TestBooking_EndToEnd(t *testing.T) {
	rl := &captureRelay{}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/mock/book",
		`{"name":"Jane","email":"jane@x.com","service":"IT Solutions"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["message"] != "Booking submitted successfully" {
		t.Errorf("unexpected message %v", resp["message"])
	}
	if !regexp.MustCompile(`^BK\d+$`).MatchString(resp["bookingId"].(string)) {
		t.Errorf("unexpected bookingId %v", resp["bookingId"])
	}

	msgs := rl.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(msgs))
	}
	if msgs[0].To[0] != "admin@ceotr.example" {
		t.Errorf("expected first message to admin, got %v", msgs[0].To)
	}
	if msgs[1].To[0] != "jane@x.com" {
		t.Errorf("expected second message to jane@x.com, got %v", msgs[1].To)
	}
	if job := rl.jobs[0]; job.CorrelationID == "" || job.CorrelationID != rec.Header().Get("X-Correlation-ID") {
		t.Errorf("job correlation id %q does not match response header %q", job.CorrelationID, rec.Header().Get("X-Correlation-ID"))
	}
}

func TestContact_EmptyBody(t *testing.T) {
	rl := &captureRelay{}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/mock/contact", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["success"] != false || resp["message"] != "Missing required fields" {
		t.Errorf("unexpected body %v", resp)
	}
	if len(rl.jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(rl.jobs))
	}
	if len(rl.deadLettered) != 1 {
		t.Fatalf("expected 1 dead-lettered job, got %d", len(rl.deadLettered))
	}
	job := rl.deadLettered[0]
	if job.Kind != string(form.KindQuote) || !strings.HasPrefix(job.ID, "QT") || len(job.Messages) != 0 {
		t.Errorf("dead-lettered job = %+v", job)
	}
}

func TestNewsletter_AdminOnly(t *testing.T) {
	rl := &captureRelay{}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/mock/newsletter", `{"email":"x@y.com"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if !regexp.MustCompile(`^NL\d+$`).MatchString(resp["subscriptionId"].(string)) {
		t.Errorf("unexpected subscriptionId %v", resp["subscriptionId"])
	}
	msgs := rl.messages()
	if len(msgs) != 1 || msgs[0].To[0] != "admin@ceotr.example" {
		t.Fatalf("expected a single admin message, got %+v", msgs)
	}
}

func TestFormRoutes_Preflight(t *testing.T) {
	h := newTestRouter(t, &captureRelay{})
	for _, kind := range form.Kinds() {
		for _, path := range FormPaths(kind) {
			rec := doRequest(h, http.MethodOptions, path, "")
			if rec.Code != http.StatusOK {
				t.Errorf("%s: expected status 200, got %d", path, rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("%s: expected empty body, got %q", path, rec.Body.String())
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("%s: Access-Control-Allow-Origin = %q", path, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
				t.Errorf("%s: Access-Control-Allow-Methods = %q", path, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type" {
				t.Errorf("%s: Access-Control-Allow-Headers = %q", path, got)
			}
		}
	}
}

func TestFormRoutes_MethodNotAllowed(t *testing.T) {
	h := newTestRouter(t, &captureRelay{})
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		rec := doRequest(h, method, "/api/mock/quote", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status 405, got %d", method, rec.Code)
			continue
		}
		if resp := decodeBody(t, rec); resp["error"] != "Method not allowed" {
			t.Errorf("%s: unexpected body %v", method, resp)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s: missing CORS header", method)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	rec := doRequest(newTestRouter(t, &captureRelay{}), http.MethodPost, "/api/mock/order", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["error"] != "Not found" {
		t.Errorf("unexpected body %v", resp)
	}
}

func TestFormRoutes_MalformedBody(t *testing.T) {
	rl := &captureRelay{}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/contact", `{"name":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["message"] != "Invalid request body" {
		t.Errorf("unexpected body %v", resp)
	}
	if len(rl.jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(rl.jobs))
	}
}

func TestFormRoutes_BodyTooLarge(t *testing.T) {
	rl := &captureRelay{}
	h := NewRouter(Deps{Relay: rl, Composer: testComposer(t), MaxBodyBytes: 64, Log: zerolog.Nop()})

	body := `{"email":"x@y.com","pad":"` + strings.Repeat("a", 200) + `"}`
	rec := doRequest(h, http.MethodPost, "/api/newsletter", body)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rec.Code)
	}
	if len(rl.jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(rl.jobs))
	}
}

func TestFormRoutes_NotConfigured(t *testing.T) {
	rl := &captureRelay{readyErr: relay.ErrNotConfigured}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/mock/book", validBodies[form.KindBooking])

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["error"] != "Server configuration error" {
		t.Errorf("unexpected body %v", resp)
	}
	if len(rl.jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(rl.jobs))
	}
}

func TestFormRoutes_ValidationBeforeConfiguration(t *testing.T) {
	rl := &captureRelay{readyErr: relay.ErrNotConfigured}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/mock/book", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestFormRoutes_EnqueueFailureIsDeadLettered(t *testing.T) {
	rl := &captureRelay{enqueueErr: relay.ErrQueueFull}
	rec := doRequest(newTestRouter(t, rl), http.MethodPost, "/api/mock/contact", validBodies[form.KindContact])

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(rl.deadLettered) != 1 || len(rl.deadLettered[0].Messages) != 2 {
		t.Errorf("expected the job to be dead-lettered, got %+v", rl.deadLettered)
	}
}

func TestFormRoutes_ComposeFailureKeepsResponse(t *testing.T) {
	rl := &captureRelay{}
	h := NewRouter(Deps{Relay: rl, Composer: failingComposer{}, Log: zerolog.Nop()})
	rec := doRequest(h, http.MethodPost, "/api/quote", validBodies[form.KindQuote])

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(rl.jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(rl.jobs))
	}
}

func TestFormRoutes_RateLimited(t *testing.T) {
	rl := &captureRelay{}
	h := NewRouter(Deps{
		Relay:          rl,
		Composer:       testComposer(t),
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
		Log:            zerolog.Nop(),
	})

	first := doRequest(h, http.MethodPost, "/api/newsletter", validBodies[form.KindNewsletter])
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request 200, got %d", first.Code)
	}
	second := doRequest(h, http.MethodPost, "/api/newsletter", validBodies[form.KindNewsletter])
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request 429, got %d", second.Code)
	}
	if resp := decodeBody(t, second); resp["success"] != false || resp["message"] != "Too many requests" {
		t.Errorf("unexpected body %v", resp)
	}
	if len(rl.jobs) != 1 {
		t.Errorf("expected one job, got %d", len(rl.jobs))
	}

	// Preflight is not limited.
	if rec := doRequest(h, http.MethodOptions, "/api/newsletter", ""); rec.Code != http.StatusOK {
		t.Errorf("expected preflight 200, got %d", rec.Code)
	}
}

func TestHealthRoutes(t *testing.T) {
	h := newTestRouter(t, &captureRelay{})
	for _, path := range []string{"/healthz", "/api/health", "/readyz"} {
		rec := doRequest(h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rec.Code)
		}
	}

	rec := doRequest(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "relay_api_requests_total") {
		t.Errorf("/metrics: status %d, body lacks relay metrics", rec.Code)
	}

	rec = doRequest(newTestRouter(t, &captureRelay{readyErr: relay.ErrNotConfigured}), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz unconfigured: expected 503, got %d", rec.Code)
	}
}

// slowDispatcher blocks every dispatch until release is closed.
type slowDispatcher struct {
	called  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowDispatcher) Dispatch(ctx context.Context, msg *mail.Message) (*delivery.Outcome, error) {
	s.once.Do(func() { close(s.called) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, &delivery.Failure{Err: ctx.Err()}
	}
	return &delivery.Outcome{Receipt: &mail.Receipt{Transport: "slow", MessageID: msg.ID}}, nil
}

type discardStore struct{}

func (discardStore) Name() string                                  { return "discard" }
func (discardStore) Put(context.Context, *deadletter.Record) error { return nil }
func (discardStore) Close() error                                  { return nil }

func TestFormRoutes_ResponseDoesNotWaitForDelivery(t *testing.T) {
	d := &slowDispatcher{called: make(chan struct{}), release: make(chan struct{})}
	rl := relay.New(d, discardStore{}, relay.Options{Workers: 1, QueueSize: 8}, zerolog.Nop())
	rl.Start(context.Background())
	t.Cleanup(func() {
		close(d.release)
		_ = rl.Stop(context.Background())
	})

	srv := httptest.NewServer(newTestRouter(t, rl))
	defer srv.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	start := time.Now()
	resp, err := client.Post(srv.URL+"/api/mock/book", "application/json",
		bytes.NewReader([]byte(validBodies[form.KindBooking])))
	if err != nil {
		t.Fatalf("request did not complete promptly: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.StatusCode, body)
	}
	if elapsed > time.Second {
		t.Errorf("response took %s while delivery was blocked", elapsed)
	}

	select {
	case <-d.called:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher was never invoked")
	}
}
