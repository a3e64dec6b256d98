package mail

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	netmail "net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// headers written by BuildMIME itself; Message.Headers cannot override them.
var reservedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// BuildMIME renders msg as an RFC 5322 message. With an HTML body the
// content is multipart/alternative (text first, HTML second); otherwise a
// single text/plain part. Both parts are quoted-printable. It returns the
// raw bytes and the Message-ID written into the header.
//
// Addresses are parsed first: a bad sender yields ErrInvalidSender, a bad
// recipient ErrInvalidRecipient. An unparseable Reply-To is left out.
func BuildMIME(msg *Message, now time.Time) ([]byte, string, error) {
	from, err := netmail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidSender, msg.From)
	}

	if len(msg.To) == 0 {
		return nil, "", fmt.Errorf("%w: no recipients", ErrInvalidRecipient)
	}
	to := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		a, err := netmail.ParseAddress(addr)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
		}
		to = append(to, a.String())
	}

	messageID := msg.Headers["Message-ID"]
	if messageID == "" {
		messageID = NewMessageID(from.Address)
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", from.String())
	writeHeader(&buf, "To", strings.Join(to, ", "))
	if msg.ReplyTo != "" {
		if replyTo, err := netmail.ParseAddress(msg.ReplyTo); err == nil {
			writeHeader(&buf, "Reply-To", replyTo.String())
		}
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)
	writeHeader(&buf, "MIME-Version", "1.0")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		if !reservedHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(&buf, k, mime.QEncoding.Encode("utf-8", msg.Headers[k]))
	}

	if msg.HTMLBody == "" {
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, msg.TextBody); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), messageID, nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.TextBody},
		{"text/html; charset=utf-8", msg.HTMLBody},
	}
	for _, p := range parts {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", fmt.Errorf("create mime part: %w", err)
		}
		if err := writeQuotedPrintable(pw, p.body); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	// Header values never carry raw line breaks.
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qw := quotedprintable.NewWriter(w)
	if _, err := qw.Write([]byte(body)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := qw.Close(); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return nil
}

// NewMessageID returns a unique Message-ID in the domain of sender. Setting
// it as the "Message-ID" header of a Message keeps the id stable across
// retries and transports.
func NewMessageID(sender string) string {
	if a, err := netmail.ParseAddress(sender); err == nil {
		sender = a.Address
	}
	domain := "localhost"
	if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
		domain = sender[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}
