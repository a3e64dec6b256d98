package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/ceotr/form-relay/internal/config"
)

// TLS modes for SMTP submission.
const (
	TLSModeAuto     = "auto"     // implicit TLS on 465, otherwise STARTTLS when advertised
	TLSModeStartTLS = "starttls" // STARTTLS required
	TLSModeImplicit = "tls"      // TLS from the first byte
	TLSModeNone     = "none"     // plaintext
)

// SMTP submits messages to a relay with go-smtp. Every Send dials a new
// connection and closes it afterwards; no connection outlives one message.
type SMTP struct {
	host      string
	port      int
	user      string
	pass      string
	tlsMode   string
	insecure  bool
	helloName string
}

// NewSMTP creates an SMTP transport.
func NewSMTP(cfg config.SMTPConfig) *SMTP {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	helloName := cfg.HelloName
	if helloName == "" {
		helloName = "localhost"
	}
	return &SMTP{
		host:      cfg.Host,
		port:      port,
		user:      cfg.User,
		pass:      cfg.Pass,
		tlsMode:   cfg.TLSMode,
		insecure:  cfg.InsecureSkipVerify,
		helloName: helloName,
	}
}

func (s *SMTP) Name() string { return "smtp" }

// Send renders msg and submits it. The whole exchange, dial included, is
// bounded by ctx.
func (s *SMTP) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	raw, messageID, err := BuildMIME(msg, time.Now())
	if err != nil {
		return nil, ClassifySMTP(s.Name(), err)
	}

	from, to, err := envelope(msg)
	if err != nil {
		return nil, ClassifySMTP(s.Name(), err)
	}

	if err := s.deliver(ctx, from, to, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, ClassifySMTP(s.Name(), err)
	}

	return &Receipt{
		Transport:  s.Name(),
		MessageID:  messageID,
		AcceptedAt: time.Now(),
	}, nil
}

// errNoStartTLS reports a server that does not advertise STARTTLS.
var errNoStartTLS = errors.New("server does not offer STARTTLS")

// deliver runs one SMTP session. In auto mode a server without STARTTLS is
// redialled and served in plaintext.
func (s *SMTP) deliver(ctx context.Context, from string, to []string, raw []byte) error {
	mode := s.mode()
	err := s.session(ctx, mode, from, to, raw)
	if mode == TLSModeAuto && errors.Is(err, errNoStartTLS) {
		err = s.session(ctx, TLSModeNone, from, to, raw)
	}
	return err
}

func (s *SMTP) session(ctx context.Context, mode string, from string, to []string, raw []byte) error {
	conn, err := s.dial(ctx, mode)
	if err != nil {
		return err
	}

	// Closing the connection unblocks any pending read or write once ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := s.newClient(conn, mode)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if s.user != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return &DeliveryError{
				Transport: s.Name(),
				Class:     ClassAuth,
				Err:       errors.New("server does not offer AUTH"),
			}
		}
		if err := c.Auth(sasl.NewPlainClient("", s.user, s.pass)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	// The message is accepted once DATA completes; a failed QUIT changes
	// nothing.
	_ = c.Quit()
	return nil
}

func (s *SMTP) dial(ctx context.Context, mode string) (net.Conn, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	if mode == TLSModeImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// newClient greets the server and, in starttls and auto mode, upgrades the
// session. go-smtp forgets the greeting after STARTTLS, so EHLO is sent
// again with the configured name.
func (s *SMTP) newClient(conn net.Conn, mode string) (*gosmtp.Client, error) {
	switch mode {
	case TLSModeStartTLS, TLSModeAuto:
		c, err := gosmtp.NewClientStartTLS(conn, s.tlsConfig())
		if err != nil {
			if isNoStartTLS(err) {
				if mode == TLSModeAuto {
					return nil, errNoStartTLS
				}
				return nil, &DeliveryError{
					Transport: s.Name(),
					Class:     ClassRejected,
					Err:       fmt.Errorf("starttls: %w", errNoStartTLS),
				}
			}
			return nil, fmt.Errorf("starttls: %w", err)
		}
		if err := c.Hello(s.helloName); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("hello: %w", err)
		}
		return c, nil
	default:
		c := gosmtp.NewClient(conn)
		if err := c.Hello(s.helloName); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("hello: %w", err)
		}
		return c, nil
	}
}

// isNoStartTLS matches go-smtp's plain error for a server without the
// STARTTLS extension. Replies from the server come as *SMTPError instead.
func isNoStartTLS(err error) bool {
	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		return false
	}
	return strings.Contains(err.Error(), "doesn't support STARTTLS")
}

func (s *SMTP) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.host,
		InsecureSkipVerify: s.insecure, //nolint:gosec // opt-in, see mail.smtp.insecure_skip_verify
		MinVersion:         tls.VersionTLS12,
	}
}

// mode resolves "auto" to implicit TLS on the submissions port.
func (s *SMTP) mode() string {
	switch s.tlsMode {
	case TLSModeStartTLS, TLSModeImplicit, TLSModeNone:
		return s.tlsMode
	}
	if s.port == 465 {
		return TLSModeImplicit
	}
	return TLSModeAuto
}

// envelope extracts the bare addresses for MAIL FROM and RCPT TO.
func envelope(msg *Message) (string, []string, error) {
	from, err := netmail.ParseAddress(msg.From)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidSender, msg.From)
	}
	to := make([]string, 0, len(msg.To))
	for _, addr := range msg.To {
		a, err := netmail.ParseAddress(addr)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, addr)
		}
		to = append(to, a.Address)
	}
	return from.Address, to, nil
}
