// Package main provides a standalone CLI tool for posting sample form
// submissions to a running relay-server. It exercises every form route and
// supports batch sending with rate limiting.
//
// Usage:
//
//	test-client --kind booking --email jane@example.com
//	test-client --kind all --count 10 --rate 5
//	test-client --kind contact --empty
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type config struct {
	url     string
	kind    string
	name    string
	email   string
	mock    bool
	empty   bool
	count   int
	rate    float64
	timeout time.Duration
}

var segments = map[string]string{
	"booking":    "book",
	"quote":      "quote",
	"contact":    "contact",
	"newsletter": "newsletter",
}

var kindOrder = []string{"booking", "quote", "contact", "newsletter"}

func main() {
	cfg := parseFlags()

	kinds := []string{cfg.kind}
	if cfg.kind == "all" {
		kinds = kindOrder
	} else if _, ok := segments[cfg.kind]; !ok {
		fmt.Fprintf(os.Stderr, "error: unknown kind %q\n", cfg.kind)
		flag.Usage()
		os.Exit(2)
	}

	fmt.Printf("Form Relay Test Client\n")
	fmt.Printf("  Server:   %s\n", cfg.url)
	fmt.Printf("  Kinds:    %s\n", strings.Join(kinds, ", "))
	fmt.Printf("  Count:    %d\n", cfg.count)
	if cfg.count > 1 {
		fmt.Printf("  Rate:     %.1f requests/sec\n", cfg.rate)
	}
	fmt.Println()

	var (
		successCount int
		failCount    int
		totalSend    time.Duration
	)

	client := &http.Client{Timeout: cfg.timeout}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rate), 1)
	}
	ctx := context.Background()

	total := cfg.count * len(kinds)
	seq := 0
	for i := 0; i < cfg.count; i++ {
		for _, kind := range kinds {
			seq++
			if err := limiter.Wait(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "rate limiter: %v\n", err)
				os.Exit(1)
			}

			start := time.Now()
			status, body, err := submit(ctx, client, cfg, kind, seq)
			elapsed := time.Since(start)
			totalSend += elapsed

			switch {
			case err != nil:
				failCount++
				fmt.Printf("  [%d/%d] %-10s FAIL (%s): %v\n", seq, total, kind, elapsed, err)
			case status != http.StatusOK:
				failCount++
				fmt.Printf("  [%d/%d] %-10s %d   (%s): %s\n", seq, total, kind, status, elapsed, body)
			default:
				successCount++
				fmt.Printf("  [%d/%d] %-10s OK   (%s): %s\n", seq, total, kind, elapsed, body)
			}
		}
	}

	fmt.Println()
	fmt.Printf("Results: %d accepted, %d failed, total time %s\n", successCount, failCount, totalSend)

	if failCount > 0 {
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.url, "url", "http://localhost:3001", "Relay server base URL")
	flag.StringVar(&cfg.kind, "kind", "all", "Form kind: booking, quote, contact, newsletter, all")
	flag.StringVar(&cfg.name, "name", "Test Customer", "Customer name")
	flag.StringVar(&cfg.email, "email", "customer@example.com", "Customer email address")
	flag.BoolVar(&cfg.mock, "mock", true, "Post to /api/mock/<form> instead of /api/<form>")
	flag.BoolVar(&cfg.empty, "empty", false, "Send an empty JSON object to check validation")
	flag.IntVar(&cfg.count, "count", 1, "Number of submissions per kind")
	flag.Float64Var(&cfg.rate, "rate", 1, "Requests per second (0 = unlimited)")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Per-request timeout")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: test-client [options]\n\n")
		fmt.Fprintf(os.Stderr, "A CLI tool for posting sample submissions to the form relay.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  test-client --kind booking --email jane@example.com\n")
		fmt.Fprintf(os.Stderr, "  test-client --kind newsletter --mock=false\n")
		fmt.Fprintf(os.Stderr, "  test-client --count 20 --rate 5\n")
	}

	flag.Parse()
	return cfg
}

func submit(ctx context.Context, client *http.Client, cfg config, kind string, seq int) (int, string, error) {
	prefix := "/api/"
	if cfg.mock {
		prefix = "/api/mock/"
	}
	url := strings.TrimRight(cfg.url, "/") + prefix + segments[kind]

	payload := map[string]interface{}{}
	if !cfg.empty {
		payload = samplePayload(kind, cfg.name, cfg.email, seq)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func samplePayload(kind, name, email string, seq int) map[string]interface{} {
	now := time.Now().UTC().Format(time.RFC3339)
	switch kind {
	case "booking":
		return map[string]interface{}{
			"name":           name,
			"email":          email,
			"phone":          "+1 555 0100",
			"service":        "IT Solutions",
			"serviceId":      "it-solutions",
			"projectDetails": fmt.Sprintf("Test booking #%d", seq),
			"startDate":      time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
			"currency":       "USD",
			"timestamp":      now,
		}
	case "quote":
		return map[string]interface{}{
			"name":           name,
			"email":          email,
			"service":        "Web Development",
			"serviceId":      "web-development",
			"budgetMin":      1000,
			"budgetMax":      5000,
			"projectDetails": fmt.Sprintf("Test quote request #%d", seq),
			"currency":       "USD",
			"timestamp":      now,
		}
	case "contact":
		return map[string]interface{}{
			"name":      name,
			"email":     email,
			"subject":   fmt.Sprintf("Test enquiry #%d", seq),
			"message":   "This is a test message sent by the form relay test-client.",
			"timestamp": now,
		}
	default:
		return map[string]interface{}{
			"email": email,
		}
	}
}
