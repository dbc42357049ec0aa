package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/models"
	"github.com/imovtec/twofactor/pkg/logger"
	"github.com/imovtec/twofactor/pkg/mail"
	"github.com/imovtec/twofactor/pkg/metrics"
)

const (
	sourceStore    = "store"
	sourceFallback = "fallback"
)

// MailerFactory builds a transport for the given settings.
type MailerFactory func(settings mail.SMTPSettings) (mail.Mailer, error)

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMailerFactory replaces the SMTP transport constructor.
func WithMailerFactory(factory MailerFactory) DispatcherOption {
	return func(d *Dispatcher) {
		if factory != nil {
			d.factory = factory
		}
	}
}

// WithDispatcherLogger overrides the module logger.
func WithDispatcherLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithBuiltinTemplate registers an additional in-memory template.
func WithBuiltinTemplate(tpl Template) DispatcherOption {
	return func(d *Dispatcher) {
		d.resolver.Register(tpl)
	}
}

type transport struct {
	mailer   mail.Mailer
	settings mail.SMTPSettings
	source   string
	err      error
}

// Dispatcher renders templates and hands them to the active mail transport.
// The transport is configured lazily from the email_settings table and
// replaced by the static fallback settings when nothing usable is stored.
type Dispatcher struct {
	db       *gorm.DB
	resolver *TemplateResolver
	fallback mail.SMTPSettings
	factory  MailerFactory
	log      *zap.Logger

	current atomic.Pointer[transport]
	loadMu  sync.Mutex
}

// NewDispatcher constructs a dispatcher. fallback is used whenever stored
// settings are missing or unusable.
func NewDispatcher(db *gorm.DB, fallback mail.SMTPSettings, opts ...DispatcherOption) (*Dispatcher, error) {
	if db == nil {
		return nil, errors.New("notification dispatcher: db is required")
	}

	d := &Dispatcher{
		db:       db,
		resolver: NewTemplateResolver(db),
		fallback: fallback,
		factory: func(settings mail.SMTPSettings) (mail.Mailer, error) {
			return mail.NewSMTPMailer(settings)
		},
		log: logger.WithModule("notifications"),
	}
	d.resolver.Register(VerificationCodeTemplate())

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Resolver exposes the template resolver used by the dispatcher.
func (d *Dispatcher) Resolver() *TemplateResolver {
	return d.resolver
}

// Configure loads the active stored transport settings and installs them.
// It returns ErrConfigurationMissing when no active row exists; the current
// transport is left unchanged on any error.
func (d *Dispatcher) Configure(ctx context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	return d.configureLocked(ctx)
}

// Reload re-reads the stored settings. On failure the static fallback is
// installed and the cause returned so callers can report it. Sends already in
// flight finish on the transport they started with.
func (d *Dispatcher) Reload(ctx context.Context) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	if err := d.configureLocked(ctx); err != nil {
		d.installFallbackLocked(err)
		return err
	}
	return nil
}

// Source reports where the active transport came from ("store", "fallback"
// or "" before the first send).
func (d *Dispatcher) Source() string {
	if t := d.current.Load(); t != nil {
		return t.source
	}
	return ""
}

// Send renders templateName with vars and delivers it to recipient. A
// missing template yields ErrTemplateNotFound and transport errors are
// wrapped in ErrDeliveryFailure. Send never panics.
func (d *Dispatcher) Send(ctx context.Context, templateName, recipient string, vars map[string]string) (bool, error) {
	rendered, err := d.resolver.Resolve(ctx, templateName, vars)
	if err != nil {
		metrics.Deliveries.WithLabelValues(templateName, "template_missing").Inc()
		d.log.Warn("notification template unavailable",
			zap.String("template", templateName),
			zap.Error(err),
		)
		d.logAttempt(ctx, templateName, recipient, "", err)
		return false, err
	}
	return d.deliver(ctx, templateName, recipient, rendered)
}

// SendRaw delivers a message without templating. A body starting with "<" is
// sent as HTML, anything else as plain text.
func (d *Dispatcher) SendRaw(ctx context.Context, recipient, subject, body string) (bool, error) {
	rendered := Rendered{Subject: subject}
	if strings.HasPrefix(strings.TrimSpace(body), "<") {
		rendered.HTML = body
	} else {
		rendered.Text = body
	}
	return d.deliver(ctx, "raw", recipient, rendered)
}

func (d *Dispatcher) deliver(ctx context.Context, label, recipient string, rendered Rendered) (bool, error) {
	source, err := d.transmit(ctx, label, recipient, rendered)
	d.logAttempt(ctx, label, recipient, source, err)
	return err == nil, err
}

// transmit hands the message to the active transport and reports which
// transport source handled it.
func (d *Dispatcher) transmit(ctx context.Context, label, recipient string, rendered Rendered) (source string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: transport panic: %v", ErrDeliveryFailure, r)
			metrics.Deliveries.WithLabelValues(label, "failed").Inc()
			d.log.Error("notification transport panicked", zap.String("template", label), zap.Any("panic", r))
		}
	}()

	if strings.TrimSpace(recipient) == "" {
		metrics.Deliveries.WithLabelValues(label, "failed").Inc()
		return "", fmt.Errorf("%w: recipient is required", ErrDeliveryFailure)
	}

	t := d.ensureTransport(ctx)
	if t.err != nil {
		metrics.Deliveries.WithLabelValues(label, "failed").Inc()
		return t.source, fmt.Errorf("%w: %w", ErrDeliveryFailure, t.err)
	}
	source = t.source

	msg := mail.Message{
		From:     t.settings.From,
		FromName: t.settings.FromName,
		To:       []string{strings.TrimSpace(recipient)},
		Subject:  rendered.Subject,
		Body:     rendered.Text,
		HTMLBody: rendered.HTML,
	}
	if err := t.mailer.Send(ctx, msg); err != nil {
		metrics.Deliveries.WithLabelValues(label, "failed").Inc()
		d.log.Warn("notification delivery failed",
			zap.String("template", label),
			zap.String("transport", t.source),
			zap.Error(err),
		)
		return source, fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}

	metrics.Deliveries.WithLabelValues(label, "sent").Inc()
	d.log.Debug("notification delivered", zap.String("template", label), zap.String("transport", t.source))
	return source, nil
}

// logAttempt writes the email_logs row for a send attempt. Failures are
// logged and counted, never returned.
func (d *Dispatcher) logAttempt(ctx context.Context, label, recipient, source string, sendErr error) {
	entry := models.EmailLog{
		TemplateName:   label,
		RecipientEmail: strings.TrimSpace(recipient),
		Status:         models.EmailLogStatusSuccess,
		Transport:      source,
		SentAt:         time.Now().UTC(),
	}
	if sendErr != nil {
		entry.Status = models.EmailLogStatusError
		entry.ErrorMessage = sendErr.Error()
	}
	if err := d.db.WithContext(ctx).Create(&entry).Error; err != nil {
		metrics.DeliveryLogFailures.Inc()
		d.log.Warn("email log not recorded", zap.String("template", label), zap.Error(err))
	}
}

func (d *Dispatcher) ensureTransport(ctx context.Context) *transport {
	if t := d.current.Load(); t != nil {
		return t
	}

	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if t := d.current.Load(); t != nil {
		return t
	}
	if err := d.configureLocked(ctx); err != nil {
		d.installFallbackLocked(err)
	}
	return d.current.Load()
}

func (d *Dispatcher) configureLocked(ctx context.Context) error {
	settings, err := d.loadSettings(ctx)
	if err != nil {
		return err
	}
	mailer, err := d.factory(settings)
	if err != nil {
		return fmt.Errorf("notification dispatcher: build transport: %w", err)
	}

	d.current.Store(&transport{mailer: mailer, settings: settings, source: sourceStore})
	metrics.TransportReloads.WithLabelValues(sourceStore).Inc()
	d.log.Info("notification transport configured",
		zap.String("source", sourceStore),
		zap.String("host", settings.Host),
		zap.Int("port", settings.Port),
	)
	return nil
}

func (d *Dispatcher) installFallbackLocked(cause error) {
	t := &transport{settings: d.fallback, source: sourceFallback}
	t.mailer, t.err = d.factory(d.fallback)
	if t.err == nil && t.mailer == nil {
		t.err = errors.New("notification dispatcher: fallback transport unavailable")
	}

	d.current.Store(t)
	metrics.TransportReloads.WithLabelValues(sourceFallback).Inc()
	d.log.Warn("using fallback notification transport",
		zap.NamedError("cause", cause),
		zap.String("host", d.fallback.Host),
		zap.Error(t.err),
	)
}

func (d *Dispatcher) loadSettings(ctx context.Context) (mail.SMTPSettings, error) {
	var row models.EmailSetting
	err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mail.SMTPSettings{}, ErrConfigurationMissing
	}
	if err != nil {
		return mail.SMTPSettings{}, fmt.Errorf("notification dispatcher: load settings: %w", err)
	}

	return mail.SMTPSettings{
		Enabled:  true,
		Host:     row.SMTPHost,
		Port:     row.SMTPPort,
		Username: row.SMTPUsername,
		Password: row.SMTPPassword,
		From:     row.FromEmail,
		FromName: row.FromName,
		UseTLS:   row.UseTLS,
		Timeout:  d.fallback.Timeout,
	}, nil
}
