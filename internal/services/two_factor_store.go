package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/database"
	"github.com/imovtec/twofactor/internal/models"
)

// Origin describes where a verification request came from.
type Origin struct {
	IPAddress string
	UserAgent string
}

// AuditEvent is a single second factor audit record.
type AuditEvent struct {
	Principal mfa.Principal
	Action    string
	Method    mfa.Method
	Metadata  map[string]any
	At        time.Time
}

// TwoFactorStats summarises stored second factor state.
type TwoFactorStats struct {
	EnabledConfigs int64            `json:"enabled_configs"`
	EnabledByKind  map[string]int64 `json:"enabled_by_kind"`
	PendingCodes   int64            `json:"pending_codes"`
	ExpiredCodes   int64            `json:"expired_codes"`
	AuditEvents    int64            `json:"audit_events"`
}

// TwoFactorStore persists verification codes, per-principal configuration
// and audit events. Every principal-scoped query filters on both identity
// and kind.
type TwoFactorStore struct {
	db *gorm.DB
}

func NewTwoFactorStore(db *gorm.DB) (*TwoFactorStore, error) {
	if db == nil {
		return nil, errors.New("two factor store: db is required")
	}
	return &TwoFactorStore{db: db}, nil
}

// IsEnabled evaluates, in order, the kind-level policy, the principal's own
// flag and the stored email configuration. Any tier answering yes wins, so a
// policy-mandated principal reads as enabled even before configuring a
// contact address.
func (s *TwoFactorStore) IsEnabled(ctx context.Context, p mfa.Principal) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}

	required, err := s.policyRequires(ctx, p)
	if err != nil || required {
		return required, err
	}

	flagged, err := s.principalFlag(ctx, p)
	if err != nil || flagged {
		return flagged, err
	}

	var count int64
	err = s.db.WithContext(ctx).
		Model(&models.TwoFactorConfig{}).
		Where("principal_id = ? AND principal_kind = ? AND method = ? AND enabled = ?",
			p.Identity, string(p.Kind), string(mfa.MethodEmail), true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("two factor store: load config: %w", err)
	}
	return count > 0, nil
}

func (s *TwoFactorStore) policyRequires(ctx context.Context, p mfa.Principal) (bool, error) {
	required, err := database.GetBoolSetting(ctx, s.db, database.TwoFactorPolicyKey(p.Kind.String()))
	if err != nil {
		return false, fmt.Errorf("two factor store: load kind policy: %w", err)
	}
	if required || p.Kind != mfa.KindStaff {
		return required, nil
	}

	var count int64
	err = s.db.WithContext(ctx).
		Model(&models.User{}).
		Joins("JOIN roles ON roles.id = users.role_id").
		Where("users.id = ? AND roles.requires_two_factor = ?", p.Identity, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("two factor store: load role policy: %w", err)
	}
	return count > 0, nil
}

func (s *TwoFactorStore) principalFlag(ctx context.Context, p mfa.Principal) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(principalModel(p.Kind)).
		Where("id = ? AND two_factor_enabled = ?", p.Identity, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("two factor store: load principal flag: %w", err)
	}
	return count > 0, nil
}

func principalModel(kind mfa.Kind) any {
	switch kind {
	case mfa.KindClient:
		return &models.Client{}
	case mfa.KindOwner:
		return &models.Owner{}
	default:
		return &models.User{}
	}
}

// SaveCode persists a freshly issued code.
func (s *TwoFactorStore) SaveCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method, issuedAt, expiresAt time.Time, origin Origin) error {
	row := models.VerificationCode{
		PrincipalID:   p.Identity,
		PrincipalKind: string(p.Kind),
		Code:          code,
		Method:        string(method),
		IssuedAt:      issuedAt.UTC(),
		ExpiresAt:     expiresAt.UTC(),
		IPAddress:     origin.IPAddress,
		UserAgent:     origin.UserAgent,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("two factor store: save code: %w", err)
	}
	return nil
}

// FindUsableCode returns the most recently issued code matching the
// principal, code and method that is unconsumed and not yet expired at now.
func (s *TwoFactorStore) FindUsableCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method, now time.Time) (*models.VerificationCode, bool, error) {
	var row models.VerificationCode
	err := s.db.WithContext(ctx).
		Where("principal_id = ? AND principal_kind = ? AND code = ? AND method = ? AND consumed = ? AND expires_at > ?",
			p.Identity, string(p.Kind), code, string(method), false, now.UTC()).
		Order("issued_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("two factor store: find code: %w", err)
	}
	return &row, true, nil
}

// Consume marks the code as used. Only one caller can ever observe true for
// a given id: the update is conditional on the row still being unconsumed.
func (s *TwoFactorStore) Consume(ctx context.Context, id string, now time.Time) (bool, error) {
	consumedAt := now.UTC()
	res := s.db.WithContext(ctx).
		Model(&models.VerificationCode{}).
		Where("id = ? AND consumed = ?", id, false).
		Updates(map[string]any{"consumed": true, "consumed_at": consumedAt, "updated_at": consumedAt})
	if res.Error != nil {
		return false, fmt.Errorf("two factor store: consume code: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TouchLastUsed records a successful verification on the principal's config,
// creating an enabled config row when none exists yet.
func (s *TwoFactorStore) TouchLastUsed(ctx context.Context, p mfa.Principal, method mfa.Method, now time.Time) error {
	usedAt := now.UTC()
	update := func() (int64, error) {
		res := s.db.WithContext(ctx).
			Model(&models.TwoFactorConfig{}).
			Where("principal_id = ? AND principal_kind = ? AND method = ?", p.Identity, string(p.Kind), string(method)).
			Updates(map[string]any{"last_used_at": usedAt, "updated_at": usedAt})
		return res.RowsAffected, res.Error
	}

	affected, err := update()
	if err != nil {
		return fmt.Errorf("two factor store: touch config: %w", err)
	}
	if affected > 0 {
		return nil
	}

	cfg := models.TwoFactorConfig{
		PrincipalID:   p.Identity,
		PrincipalKind: string(p.Kind),
		Method:        string(method),
		Enabled:       true,
		LastUsedAt:    &usedAt,
	}
	err = s.db.WithContext(ctx).Create(&cfg).Error
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("two factor store: create config: %w", err)
	}
	// Lost an insert race with another verification; the row exists now.
	if _, err := update(); err != nil {
		return fmt.Errorf("two factor store: touch config: %w", err)
	}
	return nil
}

// AppendAudit inserts an audit event. Audit rows are never updated.
func (s *TwoFactorStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	var metadata datatypes.JSON
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("two factor store: encode audit metadata: %w", err)
		}
		metadata = datatypes.JSON(raw)
	}

	row := models.TwoFactorAudit{
		PrincipalID:   event.Principal.Identity,
		PrincipalKind: string(event.Principal.Kind),
		Action:        event.Action,
		Method:        string(event.Method),
		Metadata:      metadata,
		CreatedAt:     event.At.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("two factor store: append audit: %w", err)
	}
	return nil
}

// PurgeExpired deletes codes that expired before now and reports how many
// rows were removed.
func (s *TwoFactorStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&models.VerificationCode{})
	if res.Error != nil {
		return 0, fmt.Errorf("two factor store: purge expired codes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeAuditBefore removes audit rows recorded before cutoff.
func (s *TwoFactorStore) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&models.TwoFactorAudit{})
	if res.Error != nil {
		return 0, fmt.Errorf("two factor store: purge audit: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LoadConfig returns the stored configuration for the principal and method.
func (s *TwoFactorStore) LoadConfig(ctx context.Context, p mfa.Principal, method mfa.Method) (*models.TwoFactorConfig, error) {
	var cfg models.TwoFactorConfig
	err := s.db.WithContext(ctx).
		Where("principal_id = ? AND principal_kind = ? AND method = ?", p.Identity, string(p.Kind), string(method)).
		Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("two factor store: load config: %w", err)
	}
	return &cfg, nil
}

// EnableMethod turns the method on for the principal, storing the contact
// address and hashed backup codes, and raises the principal's own flag.
func (s *TwoFactorStore) EnableMethod(ctx context.Context, p mfa.Principal, method mfa.Method, contact string, hashedBackupCodes []string, now time.Time) error {
	encoded, err := json.Marshal(hashedBackupCodes)
	if err != nil {
		return fmt.Errorf("two factor store: encode backup codes: %w", err)
	}
	updatedAt := now.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg := models.TwoFactorConfig{
			PrincipalID:   p.Identity,
			PrincipalKind: string(p.Kind),
			Method:        string(method),
			Enabled:       true,
			Contact:       contact,
			BackupCodes:   datatypes.JSON(encoded),
			BackupVersion: 1,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "principal_id"}, {Name: "principal_kind"}, {Name: "method"}},
			DoUpdates: clause.Assignments(map[string]any{
				"enabled":        true,
				"contact":        contact,
				"backup_codes":   datatypes.JSON(encoded),
				"backup_version": gorm.Expr("backup_version + 1"),
				"updated_at":     updatedAt,
			}),
		}).Create(&cfg).Error
		if err != nil {
			return fmt.Errorf("two factor store: enable method: %w", err)
		}

		if err := tx.Model(principalModel(p.Kind)).
			Where("id = ?", p.Identity).
			Update("two_factor_enabled", true).Error; err != nil {
			return fmt.Errorf("two factor store: set principal flag: %w", err)
		}
		return nil
	})
}

// DisableMethod turns the method off, clears backup codes, lowers the
// principal's flag and invalidates every pending code, atomically.
func (s *TwoFactorStore) DisableMethod(ctx context.Context, p mfa.Principal, method mfa.Method, now time.Time) error {
	updatedAt := now.UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.TwoFactorConfig{}).
			Where("principal_id = ? AND principal_kind = ? AND method = ?", p.Identity, string(p.Kind), string(method)).
			Updates(map[string]any{
				"enabled":        false,
				"backup_codes":   gorm.Expr("NULL"),
				"backup_version": gorm.Expr("backup_version + 1"),
				"updated_at":     updatedAt,
			}).Error; err != nil {
			return fmt.Errorf("two factor store: disable method: %w", err)
		}

		if err := tx.Model(principalModel(p.Kind)).
			Where("id = ?", p.Identity).
			Update("two_factor_enabled", false).Error; err != nil {
			return fmt.Errorf("two factor store: clear principal flag: %w", err)
		}

		if err := tx.Model(&models.VerificationCode{}).
			Where("principal_id = ? AND principal_kind = ? AND consumed = ?", p.Identity, string(p.Kind), false).
			Updates(map[string]any{"consumed": true, "consumed_at": updatedAt, "updated_at": updatedAt}).Error; err != nil {
			return fmt.Errorf("two factor store: invalidate pending codes: %w", err)
		}
		return nil
	})
}

// ReplaceBackupCodes stores hashes if the config is still at expectedVersion.
// It reports false when another writer got there first.
func (s *TwoFactorStore) ReplaceBackupCodes(ctx context.Context, configID string, expectedVersion int, hashes []string, now time.Time) (bool, error) {
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return false, fmt.Errorf("two factor store: encode backup codes: %w", err)
	}
	res := s.db.WithContext(ctx).
		Model(&models.TwoFactorConfig{}).
		Where("id = ? AND backup_version = ?", configID, expectedVersion).
		Updates(map[string]any{
			"backup_codes":   datatypes.JSON(encoded),
			"backup_version": expectedVersion + 1,
			"updated_at":     now.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("two factor store: replace backup codes: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetKindPolicy stores whether every principal of kind must use a second factor.
func (s *TwoFactorStore) SetKindPolicy(ctx context.Context, kind mfa.Kind, required bool) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", mfa.ErrInvalidKind, string(kind))
	}
	value := "false"
	if required {
		value = "true"
	}
	return database.UpsertSystemSetting(ctx, s.db, database.TwoFactorPolicyKey(kind.String()), value)
}

// Stats counts configurations, codes and audit events.
func (s *TwoFactorStore) Stats(ctx context.Context, now time.Time) (TwoFactorStats, error) {
	db := s.db.WithContext(ctx)
	stats := TwoFactorStats{EnabledByKind: make(map[string]int64, len(mfa.Kinds))}
	at := now.UTC()

	var grouped []struct {
		PrincipalKind string
		Total         int64
	}
	if err := db.Model(&models.TwoFactorConfig{}).
		Select("principal_kind, COUNT(*) AS total").
		Where("enabled = ?", true).
		Group("principal_kind").
		Scan(&grouped).Error; err != nil {
		return stats, fmt.Errorf("two factor store: count configs: %w", err)
	}
	for _, kind := range mfa.Kinds {
		stats.EnabledByKind[kind.String()] = 0
	}
	for _, row := range grouped {
		stats.EnabledByKind[row.PrincipalKind] = row.Total
		stats.EnabledConfigs += row.Total
	}

	if err := db.Model(&models.VerificationCode{}).
		Where("consumed = ? AND expires_at > ?", false, at).
		Count(&stats.PendingCodes).Error; err != nil {
		return stats, fmt.Errorf("two factor store: count pending codes: %w", err)
	}
	if err := db.Model(&models.VerificationCode{}).
		Where("expires_at <= ?", at).
		Count(&stats.ExpiredCodes).Error; err != nil {
		return stats, fmt.Errorf("two factor store: count expired codes: %w", err)
	}
	if err := db.Model(&models.TwoFactorAudit{}).
		Count(&stats.AuditEvents).Error; err != nil {
		return stats, fmt.Errorf("two factor store: count audit events: %w", err)
	}
	return stats, nil
}
