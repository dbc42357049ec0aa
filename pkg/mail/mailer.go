package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// ErrSMTPDisabled signals that SMTP delivery is disabled via configuration.
var ErrSMTPDisabled = errors.New("smtp: delivery disabled")

const defaultTimeout = 15 * time.Second

// Message represents an outbound email. Body is the plain text part and
// HTMLBody the rich part; either may be empty but not both.
type Message struct {
	From     string
	FromName string
	To       []string
	Subject  string
	Body     string
	HTMLBody string
}

// Mailer defines behaviour for sending email messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSettings capture the runtime configuration required by the SMTP mailer.
type SMTPSettings struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// UseTLS selects implicit TLS (usually port 465). Without it the dialer
	// still upgrades through STARTTLS when the server offers it.
	UseTLS  bool
	Timeout time.Duration
}

// Sender is the subset of *gomail.Dialer the mailer needs.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Option customises the SMTP mailer.
type Option func(*smtpMailer)

// WithSender replaces the gomail dialer, typically in tests.
func WithSender(sender Sender) Option {
	return func(m *smtpMailer) {
		if sender != nil {
			m.sender = sender
		}
	}
}

type smtpMailer struct {
	cfg    SMTPSettings
	sender Sender
}

// NewSMTPMailer validates cfg and returns a gomail backed Mailer. A disabled
// configuration yields a mailer whose Send returns ErrSMTPDisabled.
func NewSMTPMailer(cfg SMTPSettings, opts ...Option) (Mailer, error) {
	if err := validateSMTPConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	m := &smtpMailer{cfg: cfg}
	if cfg.Enabled {
		dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		dialer.SSL = cfg.UseTLS
		dialer.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		m.sender = dialer
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *smtpMailer) Send(ctx context.Context, msg Message) error {
	if !m.cfg.Enabled {
		return ErrSMTPDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	built, err := m.build(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	// gomail has no context support; the dial itself is bounded by its own
	// timeout so the goroutine cannot outlive a hung server for long.
	done := make(chan error, 1)
	go func() {
		done <- m.sender.DialAndSend(built)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp: send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp: send: %w", ctx.Err())
	}
}

func (m *smtpMailer) build(msg Message) (*gomail.Message, error) {
	recipients := uniqueAddresses(msg.To)
	if len(recipients) == 0 {
		return nil, errors.New("smtp: at least one recipient is required")
	}
	for _, rcpt := range recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return nil, fmt.Errorf("smtp: invalid recipient address %q: %w", rcpt, err)
		}
	}

	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = m.cfg.From
	}
	if from == "" {
		return nil, errors.New("smtp: sender address is required")
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return nil, fmt.Errorf("smtp: invalid from address: %w", err)
	}
	fromName := strings.TrimSpace(msg.FromName)
	if fromName == "" {
		fromName = m.cfg.FromName
	}

	if strings.TrimSpace(msg.Body) == "" && strings.TrimSpace(msg.HTMLBody) == "" {
		return nil, errors.New("smtp: message body is required")
	}

	out := gomail.NewMessage()
	if fromName != "" {
		out.SetAddressHeader("From", from, fromName)
	} else {
		out.SetHeader("From", from)
	}
	out.SetHeader("To", recipients...)
	out.SetHeader("Subject", sanitizeHeader(msg.Subject))

	switch {
	case msg.Body != "" && msg.HTMLBody != "":
		out.SetBody("text/plain", msg.Body)
		out.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		out.SetBody("text/html", msg.HTMLBody)
	default:
		out.SetBody("text/plain", msg.Body)
	}
	return out, nil
}

func validateSMTPConfig(cfg SMTPSettings) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return errors.New("smtp: host is required when enabled")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	return nil
}

func uniqueAddresses(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		trimmed := strings.TrimSpace(addr)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
