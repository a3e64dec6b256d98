// Package form decodes and validates the site's form submissions and renders
// the notification and confirmation emails they produce.
package form

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMissingFields is returned when a required field is absent or blank.
	ErrMissingFields = errors.New("missing required fields")
	// ErrMalformedBody is returned when the body is not a JSON object of
	// scalar fields.
	ErrMalformedBody = errors.New("invalid request body")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Submission is one decoded form.
type Submission interface {
	Kind() Kind
	// ReplyTo is the customer address.
	ReplyTo() string
	// CustomerName is used to greet the customer; empty for newsletter.
	CustomerName() string
	sanitize()
}

// Booking is a service booking request.
type Booking struct {
	Name           Text `json:"name" validate:"required"`
	Email          Text `json:"email" validate:"required"`
	Phone          Text `json:"phone"`
	Service        Text `json:"service" validate:"required"`
	ServiceID      Text `json:"serviceId"`
	ProjectDetails Text `json:"projectDetails"`
	StartDate      Text `json:"startDate"`
	Currency       Text `json:"currency"`
	Timestamp      Text `json:"timestamp"`
}

func (*Booking) Kind() Kind { return KindBooking }
func (b *Booking) ReplyTo() string { return b.Email.String() }
func (b *Booking) CustomerName() string { return b.Name.String() }

func (b *Booking) sanitize() {
	cleanAll(&b.Name, &b.Email, &b.Phone, &b.Service, &b.ServiceID,
		&b.ProjectDetails, &b.StartDate, &b.Currency, &b.Timestamp)
}

// Quote is a quote request with a budget range.
type Quote struct {
	Name           Text `json:"name" validate:"required"`
	Email          Text `json:"email" validate:"required"`
	Phone          Text `json:"phone"`
	Service        Text `json:"service" validate:"required"`
	ServiceID      Text `json:"serviceId"`
	BudgetMin      Text `json:"budgetMin" validate:"required"`
	BudgetMax      Text `json:"budgetMax" validate:"required"`
	ProjectDetails Text `json:"projectDetails"`
	Currency       Text `json:"currency"`
	Timestamp      Text `json:"timestamp"`
}

func (*Quote) Kind() Kind { return KindQuote }
func (q *Quote) ReplyTo() string { return q.Email.String() }
func (q *Quote) CustomerName() string { return q.Name.String() }

func (q *Quote) sanitize() {
	cleanAll(&q.Name, &q.Email, &q.Phone, &q.Service, &q.ServiceID,
		&q.BudgetMin, &q.BudgetMax, &q.ProjectDetails, &q.Currency, &q.Timestamp)
}

// Contact is a general enquiry.
type Contact struct {
	Name      Text `json:"name" validate:"required"`
	Email     Text `json:"email" validate:"required"`
	Phone     Text `json:"phone"`
	Subject   Text `json:"subject" validate:"required"`
	Message   Text `json:"message" validate:"required"`
	Timestamp Text `json:"timestamp"`
}

func (*Contact) Kind() Kind { return KindContact }
func (c *Contact) ReplyTo() string { return c.Email.String() }
func (c *Contact) CustomerName() string { return c.Name.String() }

func (c *Contact) sanitize() {
	cleanAll(&c.Name, &c.Email, &c.Phone, &c.Subject, &c.Message, &c.Timestamp)
}

// Newsletter is a newsletter sign-up.
type Newsletter struct {
	Email Text `json:"email" validate:"required"`
}

func (*Newsletter) Kind() Kind { return KindNewsletter }
func (n *Newsletter) ReplyTo() string { return n.Email.String() }
func (n *Newsletter) CustomerName() string { return "" }

func (n *Newsletter) sanitize() { cleanAll(&n.Email) }

func cleanAll(fields ...*Text) {
	for _, f := range fields {
		*f = f.clean()
	}
}

func newSubmission(kind Kind) (Submission, error) {
	switch kind {
	case KindBooking:
		return &Booking{}, nil
	case KindQuote:
		return &Quote{}, nil
	case KindContact:
		return &Contact{}, nil
	case KindNewsletter:
		return &Newsletter{}, nil
	}
	return nil, fmt.Errorf("form: unknown kind %q", kind)
}

// Decode parses body as a submission of kind. An empty body is treated as an
// empty object. Fields are trimmed and stripped of markup before the
// required-field check, so a field holding only markup counts as missing.
func Decode(kind Kind, body []byte) (Submission, error) {
	sub, err := newSubmission(kind)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}

	sub.sanitize()

	if err := validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return nil, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("form: validate: %w", err)
	}
	return sub, nil
}
