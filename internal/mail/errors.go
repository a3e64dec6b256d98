package mail

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
)

// Class groups delivery failures by what a retry could achieve.
type Class string

const (
	// ClassTransient covers timeouts, refused connections, throttling and
	// temporary server replies. Retrying may succeed.
	ClassTransient Class = "transient"
	// ClassAuth means the transport rejected our credentials.
	ClassAuth Class = "auth"
	// ClassRecipient means the address itself is unusable. No transport will
	// do better.
	ClassRecipient Class = "recipient"
	// ClassRejected covers every other permanent refusal.
	ClassRejected Class = "rejected"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrInvalidSender    = errors.New("invalid sender address")
)

// DeliveryError wraps a transport failure with its classification.
type DeliveryError struct {
	Transport string
	Class     Class
	// Code is the SMTP reply code or HTTP status, 0 when the failure happened
	// below the protocol (dial, TLS, timeout).
	Code int
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (%d): %v", e.Transport, e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Transport, e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the same transport is pointless.
func (e *DeliveryError) Permanent() bool {
	return e.Class != ClassTransient
}

// ClassOf returns the class of err. Unknown errors are transient so that a
// message is never dropped on a failure we do not understand.
func ClassOf(err error) Class {
	var de *DeliveryError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return de.Class
	case errors.Is(err, ErrInvalidRecipient):
		return ClassRecipient
	case errors.Is(err, ErrInvalidSender):
		return ClassRejected
	}
	return ClassTransient
}

// IsTransient returns true if a retry of the same transport may succeed.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsPermanent returns true if the error will not go away on retry.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) != ClassTransient
}

// ClassifyHTTP builds a DeliveryError from an API status code and response
// body. It returns nil for 2xx statuses.
func ClassifyHTTP(transport string, statusCode int, body string) *DeliveryError {
	de := &DeliveryError{
		Transport: transport,
		Code:      statusCode,
		Err:       fmt.Errorf("status %d: %s", statusCode, truncate(body, 512)),
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil

	case statusCode == 400 || statusCode == 422:
		if containsAny(body, recipientIndicators) {
			de.Class = ClassRecipient
		} else {
			de.Class = ClassRejected
		}

	case statusCode == 401 || statusCode == 403:
		de.Class = ClassAuth

	case statusCode == 408 || statusCode == 429:
		de.Class = ClassTransient

	case statusCode >= 500:
		// Some providers answer a revoked key with a 5xx.
		if containsAny(body, authIndicators) {
			de.Class = ClassAuth
		} else {
			de.Class = ClassTransient
		}

	default:
		de.Class = ClassRejected
	}

	return de
}

// ClassifySMTP builds a DeliveryError from a failure of the SMTP exchange.
// Reply codes decide the class when the server answered; dial and I/O
// failures are transient, certificate failures are rejected.
func ClassifySMTP(transport string, err error) *DeliveryError {
	if err == nil {
		return nil
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de
	}

	de = &DeliveryError{Transport: transport, Class: ClassTransient, Err: err}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		de.Code = smtpErr.Code
		de.Class = classifyReplyCode(smtpErr.Code)
		return de
	}

	if errors.Is(err, ErrInvalidRecipient) {
		de.Class = ClassRecipient
		return de
	}
	if errors.Is(err, ErrInvalidSender) {
		de.Class = ClassRejected
		return de
	}

	if isCertificateError(err) {
		de.Class = ClassRejected
		return de
	}

	// Deadlines, refused connections and resets stay transient.
	return de
}

func classifyReplyCode(code int) Class {
	switch {
	case code >= 400 && code < 500:
		return ClassTransient
	case code == 530 || code == 534 || code == 535 || code == 538:
		return ClassAuth
	case code == 501 || code == 550 || code == 551 || code == 553:
		return ClassRecipient
	case code >= 500:
		return ClassRejected
	}
	return ClassTransient
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

var recipientIndicators = []string{
	"invalid recipient",
	"invalid email",
	"invalid address",
	"does not exist",
	"mailbox not found",
	"recipient rejected",
	"invalid `to` field",
}

var authIndicators = []string{
	"invalid api key",
	"api key is invalid",
	"authentication failed",
	"account suspended",
	"account disabled",
	"unauthorized",
}

func containsAny(body string, patterns []string) bool {
	lower := strings.ToLower(body)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
