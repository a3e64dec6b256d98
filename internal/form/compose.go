package form

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/ceotr/form-relay/internal/config"
	"github.com/ceotr/form-relay/internal/mail"
)

//go:embed templates/*.txt templates/*.html
var templateFS embed.FS

type audience string

const (
	audienceAdmin    audience = "admin"
	audienceCustomer audience = "customer"
)

var adminSubjects = map[Kind]string{
	KindBooking:    "New Booking Received",
	KindQuote:      "New Quote Request",
	KindContact:    "New Contact Form Submission",
	KindNewsletter: "New Newsletter Subscription",
}

// customerSubjects are suffixed with " - <company>".
var customerSubjects = map[Kind]string{
	KindBooking: "Booking Received",
	KindQuote:   "Quote Request Received",
	KindContact: "Contact Form Received",
}

// Composer renders the emails for accepted submissions.
type Composer struct {
	from    string
	admin   string
	company string
	now     func() time.Time

	text *texttemplate.Template
	html *htmltemplate.Template
}

// NewComposer parses the embedded templates.
func NewComposer(cfg config.MailConfig) (*Composer, error) {
	text, err := texttemplate.ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("form: parse text templates: %w", err)
	}
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("form: parse html templates: %w", err)
	}
	return &Composer{
		from:    cfg.From,
		admin:   cfg.AdminAddress,
		company: cfg.Company,
		now:     time.Now,
		text:    text,
		html:    html,
	}, nil
}

type templateData struct {
	ID         string
	Company    string
	ReceivedAt string
	Form       Submission
}

// Compose renders the admin notification and, for kinds that have one, the
// customer confirmation. The admin message comes first and replies go to the
// customer.
func (c *Composer) Compose(id string, sub Submission) ([]*mail.Message, error) {
	kind := sub.Kind()
	data := templateData{
		ID:         id,
		Company:    c.company,
		ReceivedAt: c.now().UTC().Format(time.RFC3339),
		Form:       sub,
	}

	admin, err := c.render(kind, audienceAdmin, data)
	if err != nil {
		return nil, err
	}
	admin.ID = id + "-admin"
	admin.To = []string{c.admin}
	admin.ReplyTo = sub.ReplyTo()
	admin.Subject = adminSubjects[kind]

	msgs := []*mail.Message{admin}
	if !kind.SendsConfirmation() {
		return msgs, nil
	}

	customer, err := c.render(kind, audienceCustomer, data)
	if err != nil {
		return nil, err
	}
	customer.ID = id + "-customer"
	customer.To = []string{sub.ReplyTo()}
	customer.Subject = customerSubjects[kind]
	if c.company != "" {
		customer.Subject += " - " + c.company
	}
	return append(msgs, customer), nil
}

func (c *Composer) render(kind Kind, who audience, data templateData) (*mail.Message, error) {
	name := string(kind) + "_" + string(who)

	var text, html bytes.Buffer
	if err := c.text.ExecuteTemplate(&text, name+".txt", data); err != nil {
		return nil, fmt.Errorf("form: render %s text: %w", name, err)
	}
	if err := c.html.ExecuteTemplate(&html, name+".html", data); err != nil {
		return nil, fmt.Errorf("form: render %s html: %w", name, err)
	}

	return &mail.Message{
		From:     c.from,
		TextBody: text.String(),
		HTMLBody: html.String(),
		Headers: map[string]string{
			"Message-ID":      mail.NewMessageID(c.from),
			"X-Form-Kind":     string(kind),
			"X-Submission-Id": data.ID,
		},
	}, nil
}
