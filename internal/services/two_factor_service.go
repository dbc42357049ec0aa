package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/models"
	"github.com/imovtec/twofactor/internal/notifications"
	"github.com/imovtec/twofactor/pkg/logger"
	"github.com/imovtec/twofactor/pkg/metrics"
)

const (
	defaultCodeTTL         = 10 * time.Minute
	defaultBackupCodeCount = 10

	// MessageInvalidCode is the only rejection message callers ever see.
	MessageInvalidCode = "invalid or expired code"
	MessageCodeValid   = "code verified"
)

// VerificationStore is the persistence the engine depends on.
type VerificationStore interface {
	IsEnabled(ctx context.Context, p mfa.Principal) (bool, error)
	SaveCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method, issuedAt, expiresAt time.Time, origin Origin) error
	FindUsableCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method, now time.Time) (*models.VerificationCode, bool, error)
	Consume(ctx context.Context, id string, now time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, p mfa.Principal, method mfa.Method, now time.Time) error
	AppendAudit(ctx context.Context, event AuditEvent) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	LoadConfig(ctx context.Context, p mfa.Principal, method mfa.Method) (*models.TwoFactorConfig, error)
	EnableMethod(ctx context.Context, p mfa.Principal, method mfa.Method, contact string, hashedBackupCodes []string, now time.Time) error
	DisableMethod(ctx context.Context, p mfa.Principal, method mfa.Method, now time.Time) error
	ReplaceBackupCodes(ctx context.Context, configID string, expectedVersion int, hashes []string, now time.Time) (bool, error)
	SetKindPolicy(ctx context.Context, kind mfa.Kind, required bool) error
	Stats(ctx context.Context, now time.Time) (TwoFactorStats, error)
}

// Notifier delivers a named template to a recipient.
type Notifier interface {
	Send(ctx context.Context, templateName, recipient string, vars map[string]string) (bool, error)
}

// Validation is the outcome of checking a submitted code.
type Validation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// TwoFactorOption customises the TwoFactorService.
type TwoFactorOption func(*TwoFactorService)

// WithTwoFactorClock injects a custom time source.
func WithTwoFactorClock(clock func() time.Time) TwoFactorOption {
	return func(s *TwoFactorService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithCodeTTL overrides how long an issued code stays valid.
func WithCodeTTL(ttl time.Duration) TwoFactorOption {
	return func(s *TwoFactorService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCodeTemplates overrides the primary and fallback template names.
func WithCodeTemplates(primary, fallback string) TwoFactorOption {
	return func(s *TwoFactorService) {
		if p := strings.TrimSpace(primary); p != "" {
			s.primaryTemplate = p
		}
		if f := strings.TrimSpace(fallback); f != "" {
			s.fallbackTemplate = f
		}
	}
}

// WithBackupCodeCount sets how many backup codes Enable hands out.
func WithBackupCodeCount(n int) TwoFactorOption {
	return func(s *TwoFactorService) {
		if n > 0 {
			s.backupCodeCount = n
		}
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(generate func() (string, error)) TwoFactorOption {
	return func(s *TwoFactorService) {
		if generate != nil {
			s.generate = generate
		}
	}
}

// WithTwoFactorLogger overrides the module logger.
func WithTwoFactorLogger(log *zap.Logger) TwoFactorOption {
	return func(s *TwoFactorService) {
		if log != nil {
			s.log = log
		}
	}
}

// TwoFactorService runs the verification code lifecycle: issue, deliver,
// validate and consume. It holds no locks; single use of a code is enforced
// by the store's conditional consume.
type TwoFactorService struct {
	store    VerificationStore
	notifier Notifier

	method           mfa.Method
	ttl              time.Duration
	primaryTemplate  string
	fallbackTemplate string
	backupCodeCount  int
	generate         func() (string, error)
	now              func() time.Time
	log              *zap.Logger
}

// NewTwoFactorService constructs the engine around a store and a notifier.
func NewTwoFactorService(store VerificationStore, notifier Notifier, opts ...TwoFactorOption) (*TwoFactorService, error) {
	if store == nil {
		return nil, errors.New("two factor service: store is required")
	}
	if notifier == nil {
		return nil, errors.New("two factor service: notifier is required")
	}

	svc := &TwoFactorService{
		store:            store,
		notifier:         notifier,
		method:           mfa.MethodEmail,
		ttl:              defaultCodeTTL,
		primaryTemplate:  models.TemplateTwoFactorCode,
		fallbackTemplate: models.TemplateTwoFactorVerification,
		backupCodeCount:  defaultBackupCodeCount,
		generate:         mfa.GenerateCode,
		now:              time.Now,
		log:              logger.WithModule("two_factor"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// IsEnabled reports whether the principal must pass a second factor. Store
// failures are returned alongside false.
func (s *TwoFactorService) IsEnabled(ctx context.Context, p mfa.Principal) (bool, error) {
	enabled, err := s.store.IsEnabled(ctx, p)
	if err != nil {
		s.log.Warn("two factor status unavailable", zap.String("principal", p.String()), zap.Error(err))
		return false, err
	}
	return enabled, nil
}

// IssueCode generates, stores and delivers a fresh code to contact. When
// contact is empty the address stored on the principal's config is used.
// A principal with an enabled config only receives codes at that address.
// The code is persisted before delivery and stays valid until it expires
// even if delivery fails.
func (s *TwoFactorService) IssueCode(ctx context.Context, p mfa.Principal, contact string, origin Origin) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}

	recipient, err := s.resolveContact(ctx, p, contact)
	if err != nil {
		return false, err
	}

	code, err := s.generate()
	if err != nil {
		return false, fmt.Errorf("two factor service: %w", err)
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.ttl)
	if err := s.store.SaveCode(ctx, p, code, s.method, issuedAt, expiresAt, origin); err != nil {
		metrics.CodesIssued.WithLabelValues(p.Kind.String(), "storage_error").Inc()
		s.log.Error("verification code not persisted", zap.String("principal", p.String()), zap.Error(err))
		return false, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	vars := map[string]string{
		"code":               code,
		"expiration_minutes": strconv.Itoa(int(s.ttl / time.Minute)),
	}
	template := s.primaryTemplate
	delivered, sendErr := s.notifier.Send(ctx, template, recipient, vars)
	if !delivered && errors.Is(sendErr, notifications.ErrTemplateNotFound) {
		s.log.Info("primary verification template missing, using fallback",
			zap.String("primary", s.primaryTemplate),
			zap.String("fallback", s.fallbackTemplate),
		)
		template = s.fallbackTemplate
		delivered, sendErr = s.notifier.Send(ctx, template, recipient, vars)
	}
	if delivered {
		sendErr = nil
	} else if sendErr == nil {
		sendErr = notifications.ErrDeliveryFailure
	}

	event := AuditEvent{
		Principal: p,
		Method:    s.method,
		At:        s.now(),
		Metadata: map[string]any{
			"template":   template,
			"ip_address": origin.IPAddress,
			"user_agent": origin.UserAgent,
		},
	}
	if delivered {
		event.Action = models.AuditActionCodeSent
		metrics.CodesIssued.WithLabelValues(p.Kind.String(), "delivered").Inc()
	} else {
		event.Action = models.AuditActionCodeSendFailed
		event.Metadata["error"] = sendErr.Error()
		metrics.CodesIssued.WithLabelValues(p.Kind.String(), "undelivered").Inc()
		s.log.Warn("verification code not delivered",
			zap.String("principal", p.String()),
			zap.String("template", template),
			zap.Error(sendErr),
		)
	}
	recordAudit(ctx, s.store, s.log, event)

	return delivered, sendErr
}

// resolveContact picks the delivery address. An enabled config binds the
// principal to its enrolled contact; a different address is refused.
func (s *TwoFactorService) resolveContact(ctx context.Context, p mfa.Principal, contact string) (string, error) {
	requested := strings.TrimSpace(contact)

	cfg, err := s.store.LoadConfig(ctx, p, s.method)
	switch {
	case errors.Is(err, ErrConfigNotFound):
		cfg = nil
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	enrolled := ""
	if cfg != nil {
		enrolled = strings.TrimSpace(cfg.Contact)
	}
	if requested == "" {
		if enrolled == "" {
			return "", ErrMissingContact
		}
		return enrolled, nil
	}
	if cfg != nil && cfg.Enabled && enrolled != "" && !strings.EqualFold(requested, enrolled) {
		s.log.Warn("verification code requested for unenrolled address",
			zap.String("principal", p.String()),
		)
		return "", ErrContactMismatch
	}
	return requested, nil
}

// ValidateCode checks code for the principal and consumes it on success.
// Every failure, including storage errors, produces the same invalid result.
func (s *TwoFactorService) ValidateCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method) Validation {
	if method == "" {
		method = s.method
	}
	code = strings.TrimSpace(code)

	if err := p.Validate(); err != nil || !method.Valid() || len(code) != mfa.CodeLength {
		return s.reject(ctx, p, method, "malformed", err)
	}

	now := s.now()
	row, found, err := s.store.FindUsableCode(ctx, p, code, method, now)
	if err != nil {
		return s.reject(ctx, p, method, "storage_error", err)
	}
	if !found {
		return s.reject(ctx, p, method, "not_found", nil)
	}

	consumed, err := s.store.Consume(ctx, row.ID, now)
	if err != nil {
		return s.reject(ctx, p, method, "storage_error", err)
	}
	if !consumed {
		return s.reject(ctx, p, method, "already_consumed", nil)
	}

	if err := s.store.TouchLastUsed(ctx, p, method, now); err != nil {
		s.log.Warn("two factor last-used not recorded", zap.String("principal", p.String()), zap.Error(err))
	}

	metrics.Validations.WithLabelValues(p.Kind.String(), "valid").Inc()
	recordAudit(ctx, s.store, s.log, AuditEvent{
		Principal: p,
		Action:    models.AuditActionValidationSuccess,
		Method:    method,
		At:        now,
		Metadata:  map[string]any{"code_id": row.ID},
	})
	return Validation{Valid: true, Message: MessageCodeValid}
}

func (s *TwoFactorService) reject(ctx context.Context, p mfa.Principal, method mfa.Method, reason string, cause error) Validation {
	result := "invalid"
	if cause != nil && reason == "storage_error" {
		result = "error"
		s.log.Error("verification lookup failed, rejecting code",
			zap.String("principal", p.String()),
			zap.Error(cause),
		)
	}
	metrics.Validations.WithLabelValues(p.Kind.String(), result).Inc()

	if p.Validate() == nil {
		recordAudit(ctx, s.store, s.log, AuditEvent{
			Principal: p,
			Action:    models.AuditActionValidationFailed,
			Method:    method,
			At:        s.now(),
			Metadata:  map[string]any{"reason": reason},
		})
	}
	return Validation{Valid: false, Message: MessageInvalidCode}
}

// Enable turns the email second factor on and returns freshly generated
// backup codes. Only their hashes are stored, so this is the one time the
// plaintext codes are available.
func (s *TwoFactorService) Enable(ctx context.Context, p mfa.Principal, contact string) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil, ErrMissingContact
	}

	codes, err := mfa.GenerateBackupCodes(s.backupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("two factor service: %w", err)
	}
	hashes, err := mfa.HashBackupCodes(codes)
	if err != nil {
		return nil, fmt.Errorf("two factor service: %w", err)
	}

	now := s.now()
	if err := s.store.EnableMethod(ctx, p, s.method, contact, hashes, now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	recordAudit(ctx, s.store, s.log, AuditEvent{
		Principal: p,
		Action:    models.AuditActionEnabled,
		Method:    s.method,
		At:        now,
		Metadata:  map[string]any{"backup_codes": len(codes)},
	})
	return codes, nil
}

// Disable turns the email second factor off and invalidates pending codes.
// A kind-level policy can still require a second factor afterwards.
func (s *TwoFactorService) Disable(ctx context.Context, p mfa.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := s.now()
	if err := s.store.DisableMethod(ctx, p, s.method, now); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	recordAudit(ctx, s.store, s.log, AuditEvent{
		Principal: p,
		Action:    models.AuditActionDisabled,
		Method:    s.method,
		At:        now,
	})
	return nil
}

// RedeemBackupCode accepts one of the principal's backup codes exactly once.
func (s *TwoFactorService) RedeemBackupCode(ctx context.Context, p mfa.Principal, code string) Validation {
	if err := p.Validate(); err != nil {
		return s.reject(ctx, p, s.method, "malformed", err)
	}

	cfg, err := s.store.LoadConfig(ctx, p, s.method)
	if errors.Is(err, ErrConfigNotFound) {
		return s.reject(ctx, p, s.method, "backup_not_configured", nil)
	}
	if err != nil {
		return s.reject(ctx, p, s.method, "storage_error", err)
	}
	if !cfg.Enabled || len(cfg.BackupCodes) == 0 {
		return s.reject(ctx, p, s.method, "backup_not_configured", nil)
	}

	var hashes []string
	if err := json.Unmarshal(cfg.BackupCodes, &hashes); err != nil {
		return s.reject(ctx, p, s.method, "storage_error", err)
	}
	idx := mfa.MatchBackupCode(hashes, code)
	if idx < 0 {
		return s.reject(ctx, p, s.method, "backup_not_found", nil)
	}
	remaining := append(append([]string{}, hashes[:idx]...), hashes[idx+1:]...)

	now := s.now()
	replaced, err := s.store.ReplaceBackupCodes(ctx, cfg.ID, cfg.BackupVersion, remaining, now)
	if err != nil {
		return s.reject(ctx, p, s.method, "storage_error", err)
	}
	if !replaced {
		return s.reject(ctx, p, s.method, "already_consumed", nil)
	}

	if err := s.store.TouchLastUsed(ctx, p, s.method, now); err != nil {
		s.log.Warn("two factor last-used not recorded", zap.String("principal", p.String()), zap.Error(err))
	}
	metrics.Validations.WithLabelValues(p.Kind.String(), "valid").Inc()
	recordAudit(ctx, s.store, s.log, AuditEvent{
		Principal: p,
		Action:    models.AuditActionBackupCodeUsed,
		Method:    s.method,
		At:        now,
		Metadata:  map[string]any{"remaining": len(remaining)},
	})
	return Validation{Valid: true, Message: MessageCodeValid}
}

// SetKindPolicy makes a second factor mandatory (or optional) for every
// principal of kind.
func (s *TwoFactorService) SetKindPolicy(ctx context.Context, kind mfa.Kind, required bool) error {
	if err := s.store.SetKindPolicy(ctx, kind, required); err != nil {
		if errors.Is(err, mfa.ErrInvalidKind) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	s.log.Info("two factor kind policy updated", zap.String("kind", kind.String()), zap.Bool("required", required))
	return nil
}

func (s *TwoFactorService) Stats(ctx context.Context) (TwoFactorStats, error) {
	stats, err := s.store.Stats(ctx, s.now())
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	return stats, nil
}

// PurgeExpired removes codes whose expiry has passed.
func (s *TwoFactorService) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.CodesPurged.Add(float64(removed))
	}
	return removed, nil
}

// PurgeAuditOlderThan drops audit events older than the retention window in days.
func (s *TwoFactorService) PurgeAuditOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	retention, ok := s.store.(auditRetention)
	if !ok {
		return 0, nil
	}
	return retention.PurgeAuditBefore(ctx, s.now().AddDate(0, 0, -days))
}

type auditRetention interface {
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CodeTTL reports how long issued codes stay valid.
func (s *TwoFactorService) CodeTTL() time.Duration {
	return s.ttl
}
