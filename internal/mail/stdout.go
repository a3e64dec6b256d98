package mail

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stdout writes a summary of each message to a writer instead of delivering
// it. Intended for local development; every Send succeeds unless the writer
// fails.
type Stdout struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewStdout creates a Stdout transport printing to os.Stdout.
func NewStdout() *Stdout {
	return &Stdout{writer: os.Stdout}
}

// NewStdoutWriter creates a Stdout transport printing to w.
func NewStdoutWriter(w io.Writer) *Stdout {
	return &Stdout{writer: w}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints the envelope, headers and text body.
func (s *Stdout) Send(_ context.Context, msg *Message) (*Receipt, error) {
	var b strings.Builder
	b.WriteString("--- stdout transport: message ---\n")
	fmt.Fprintf(&b, "ID:       %s\n", msg.ID)
	fmt.Fprintf(&b, "From:     %s\n", msg.From)
	fmt.Fprintf(&b, "To:       %s\n", msg.Recipients())
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject:  %s\n", msg.Subject)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "Header:   %s: %s\n", k, msg.Headers[k])
	}
	fmt.Fprintf(&b, "HTML:     (%d bytes)\n", len(msg.HTMLBody))
	b.WriteString("\n")
	b.WriteString(msg.TextBody)
	if !strings.HasSuffix(msg.TextBody, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("--- end ---\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return nil, &DeliveryError{Transport: s.Name(), Class: ClassTransient, Err: fmt.Errorf("write: %w", err)}
	}

	return &Receipt{
		Transport:  s.Name(),
		MessageID:  "stdout-" + msg.ID,
		AcceptedAt: time.Now(),
	}, nil
}
