package form

import (
	"strconv"
	"time"
)

// Kind identifies a form.
type Kind string

const (
	KindBooking    Kind = "booking"
	KindQuote      Kind = "quote"
	KindContact    Kind = "contact"
	KindNewsletter Kind = "newsletter"
)

type kindInfo struct {
	prefix         string
	idKey          string
	successMessage string
	confirmation   bool
}

var kinds = map[Kind]kindInfo{
	KindBooking:    {"BK", "bookingId", "Booking submitted successfully", true},
	KindQuote:      {"QT", "quoteId", "Quote request submitted successfully", true},
	KindContact:    {"CT", "contactId", "Contact form submitted successfully", true},
	KindNewsletter: {"NL", "subscriptionId", "Newsletter subscription successful", false},
}

// Kinds returns every form kind in route order.
func Kinds() []Kind {
	return []Kind{KindBooking, KindQuote, KindContact, KindNewsletter}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Prefix is the two-letter identifier prefix.
func (k Kind) Prefix() string { return kinds[k].prefix }

// IDKey is the response envelope key that carries the identifier.
func (k Kind) IDKey() string { return kinds[k].idKey }

// SuccessMessage is the message returned to the browser on acceptance.
func (k Kind) SuccessMessage() string { return kinds[k].successMessage }

// SendsConfirmation reports whether the customer gets a confirmation email.
func (k Kind) SendsConfirmation() bool { return kinds[k].confirmation }

// NewID returns the display identifier for a submission accepted at now:
// the kind prefix followed by Unix milliseconds. Two submissions in the same
// millisecond get the same id; it is never used as a lookup key.
func NewID(kind Kind, now time.Time) string {
	return kind.Prefix() + strconv.FormatInt(now.UnixMilli(), 10)
}
