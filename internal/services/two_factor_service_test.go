package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/models"
	"github.com/imovtec/twofactor/internal/notifications"
	"github.com/imovtec/twofactor/pkg/mail"
)

func TestNewTwoFactorServiceRequiresDependencies(t *testing.T) {
	_, err := NewTwoFactorService(nil, &recordingNotifier{})
	require.Error(t, err)

	store := &TwoFactorStore{}
	_, err = NewTwoFactorService(store, nil)
	require.Error(t, err)
}

func TestTwoFactorExampleScenario(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()
	p := client("u-1")

	delivered, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{IPAddress: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	require.True(t, delivered)

	rows := f.codes(t, p)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Consumed)
	require.Equal(t, "10.0.0.1", rows[0].IPAddress)
	require.WithinDuration(t, f.clock.Now().Add(10*time.Minute), rows[0].ExpiresAt, time.Second)

	code := rows[0].Code
	result := f.svc.ValidateCode(ctx, p, code, mfa.MethodEmail)
	require.True(t, result.Valid)
	require.True(t, f.codes(t, p)[0].Consumed)

	again := f.svc.ValidateCode(ctx, p, code, mfa.MethodEmail)
	require.False(t, again.Valid)
	require.Equal(t, MessageInvalidCode, again.Message)

	_, err = f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)
	fresh := f.lastCode(t, p)
	f.clock.Advance(11 * time.Minute)

	expired := f.svc.ValidateCode(ctx, p, fresh, mfa.MethodEmail)
	require.False(t, expired.Valid)
	require.Equal(t, MessageInvalidCode, expired.Message)
}

func TestIssueCodeSendsPrimaryTemplate(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("004217")))
	p := client("u-1")

	delivered, err := f.svc.IssueCode(context.Background(), p, " u1@example.com ", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)

	calls := f.notifier.sent()
	require.Len(t, calls, 1)
	require.Equal(t, models.TemplateTwoFactorCode, calls[0].template)
	require.Equal(t, "u1@example.com", calls[0].recipient)
	require.Equal(t, map[string]string{"code": "004217", "expiration_minutes": "10"}, calls[0].vars)
	require.Equal(t, []string{models.AuditActionCodeSent}, f.auditActions(t, p))
}

func TestIssueCodeFallsBackToSecondaryTemplate(t *testing.T) {
	f := newTwoFactorFixture(t)
	f.notifier.errs[models.TemplateTwoFactorCode] = notifications.ErrTemplateNotFound
	p := client("u-1")

	delivered, err := f.svc.IssueCode(context.Background(), p, "u1@example.com", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)

	calls := f.notifier.sent()
	require.Len(t, calls, 2)
	require.Equal(t, models.TemplateTwoFactorCode, calls[0].template)
	require.Equal(t, models.TemplateTwoFactorVerification, calls[1].template)
	require.Equal(t, calls[0].vars, calls[1].vars)
}

func TestIssueCodeReportsUndeliveredAfterBothTemplatesMissing(t *testing.T) {
	f := newTwoFactorFixture(t)
	wrapped := fmt.Errorf("%w: %q", notifications.ErrTemplateNotFound, "x")
	f.notifier.errs[models.TemplateTwoFactorCode] = wrapped
	f.notifier.errs[models.TemplateTwoFactorVerification] = wrapped
	p := client("u-1")
	ctx := context.Background()

	delivered, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.False(t, delivered)
	require.ErrorIs(t, err, notifications.ErrTemplateNotFound)
	require.Len(t, f.notifier.sent(), 2)
	require.Equal(t, []string{models.AuditActionCodeSendFailed}, f.auditActions(t, p))

	// The persisted code is still usable until it expires.
	require.True(t, f.svc.ValidateCode(ctx, p, f.lastCode(t, p), mfa.MethodEmail).Valid)
}

func TestIssueCodeDoesNotRetryOnTransportFailure(t *testing.T) {
	f := newTwoFactorFixture(t)
	f.notifier.errs[models.TemplateTwoFactorCode] = notifications.ErrDeliveryFailure
	p := owner("o-7")

	delivered, err := f.svc.IssueCode(context.Background(), p, "o7@example.com", Origin{})
	require.False(t, delivered)
	require.ErrorIs(t, err, notifications.ErrDeliveryFailure)
	require.Len(t, f.notifier.sent(), 1)
	require.Len(t, f.codes(t, p), 1)
}

func TestIssueCodeAbortsOnStorageFailure(t *testing.T) {
	f := newTwoFactorFixture(t)
	svc := f.newService(t, &faultyStore{TwoFactorStore: f.store, failSave: true})
	p := client("u-1")

	delivered, err := svc.IssueCode(context.Background(), p, "u1@example.com", Origin{})
	require.False(t, delivered)
	require.ErrorIs(t, err, ErrStorageFailure)
	require.ErrorIs(t, err, errInjected)
	require.Empty(t, f.notifier.sent())
	require.Empty(t, f.codes(t, p))
}

func TestIssueCodeToleratesAuditFailure(t *testing.T) {
	f := newTwoFactorFixture(t)
	svc := f.newService(t, &faultyStore{TwoFactorStore: f.store, failAudit: true})
	p := client("u-1")

	delivered, err := svc.IssueCode(context.Background(), p, "u1@example.com", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Empty(t, f.auditActions(t, p))
}

func TestIssueCodeUsesStoredContact(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()
	p := staff("s-1")

	_, err := f.svc.IssueCode(ctx, p, "", Origin{})
	require.ErrorIs(t, err, ErrMissingContact)

	_, err = f.svc.Enable(ctx, p, "s1@example.com")
	require.NoError(t, err)

	delivered, err := f.svc.IssueCode(ctx, p, "", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, "s1@example.com", f.notifier.sent()[0].recipient)
}

func TestIssueCodeRefusesAddressOtherThanEnrolled(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()
	p := client("victim")

	_, err := f.svc.Enable(ctx, p, "victim@example.com")
	require.NoError(t, err)

	delivered, err := f.svc.IssueCode(ctx, p, "attacker@evil.test", Origin{})
	require.False(t, delivered)
	require.ErrorIs(t, err, ErrContactMismatch)
	require.Empty(t, f.notifier.sent())
	require.Empty(t, f.codes(t, p))

	delivered, err = f.svc.IssueCode(ctx, p, "Victim@Example.com", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, "Victim@Example.com", f.notifier.sent()[0].recipient)

	require.NoError(t, f.svc.Disable(ctx, p))
	delivered, err = f.svc.IssueCode(ctx, p, "new@example.com", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)
}

func TestIssueCodeRejectsInvalidPrincipal(t *testing.T) {
	f := newTwoFactorFixture(t)

	_, err := f.svc.IssueCode(context.Background(), mfa.Principal{Identity: "u-1", Kind: "investor"}, "a@example.com", Origin{})
	require.ErrorIs(t, err, mfa.ErrInvalidKind)
	require.Empty(t, f.notifier.sent())
}

func TestValidateCodeSingleConsumptionUnderConcurrency(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("123456")))
	ctx := context.Background()
	p := client("u-1")

	_, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)

	const attempts = 16
	results := make([]Validation, attempts)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = f.svc.ValidateCode(ctx, p, "123456", mfa.MethodEmail)
		}(i)
	}
	close(start)
	wg.Wait()

	valid := 0
	for _, r := range results {
		if r.Valid {
			valid++
		} else {
			require.Equal(t, MessageInvalidCode, r.Message)
		}
	}
	require.Equal(t, 1, valid)
}

func TestValidateCodeExpiryBoundary(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()
	p := client("u-1")

	_, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)
	code := f.lastCode(t, p)

	f.clock.Advance(10 * time.Minute)
	require.False(t, f.svc.ValidateCode(ctx, p, code, mfa.MethodEmail).Valid)

	f.clock.Advance(-time.Second)
	require.True(t, f.svc.ValidateCode(ctx, p, code, mfa.MethodEmail).Valid)
}

func TestValidateCodeNoCrossKindLeakage(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("654321")))
	ctx := context.Background()

	_, err := f.svc.IssueCode(ctx, client("X"), "x@example.com", Origin{})
	require.NoError(t, err)

	require.False(t, f.svc.ValidateCode(ctx, staff("X"), "654321", mfa.MethodEmail).Valid)
	require.False(t, f.svc.ValidateCode(ctx, owner("X"), "654321", mfa.MethodEmail).Valid)
	require.False(t, f.svc.ValidateCode(ctx, client("Y"), "654321", mfa.MethodEmail).Valid)
	require.True(t, f.svc.ValidateCode(ctx, client("X"), "654321", mfa.MethodEmail).Valid)
}

func TestValidateCodeUsesMostRecentOfSeveral(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("111111", "222222")))
	ctx := context.Background()
	p := client("u-1")

	_, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)

	// Both codes stay independently valid until consumed or expired.
	require.True(t, f.svc.ValidateCode(ctx, p, "222222", mfa.MethodEmail).Valid)
	require.True(t, f.svc.ValidateCode(ctx, p, "111111", mfa.MethodEmail).Valid)
}

func TestValidateCodeFailsClosedOnStorageError(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("123456")))
	ctx := context.Background()
	p := client("u-1")
	_, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)

	findFails := f.newService(t, &faultyStore{TwoFactorStore: f.store, failFind: true})
	result := findFails.ValidateCode(ctx, p, "123456", mfa.MethodEmail)
	require.False(t, result.Valid)
	require.Equal(t, MessageInvalidCode, result.Message)

	consumeFails := f.newService(t, &faultyStore{TwoFactorStore: f.store, failConsum: true})
	require.False(t, consumeFails.ValidateCode(ctx, p, "123456", mfa.MethodEmail).Valid)

	// Neither failure consumed the code.
	require.False(t, f.codes(t, p)[0].Consumed)
	require.Contains(t, f.auditActions(t, p), models.AuditActionValidationFailed)
}

func TestValidateCodeSucceedsWhenLastUsedUpdateFails(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("123456")))
	ctx := context.Background()
	p := client("u-1")
	_, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)

	svc := f.newService(t, &faultyStore{TwoFactorStore: f.store, failTouch: true})
	require.True(t, svc.ValidateCode(ctx, p, "123456", mfa.MethodEmail).Valid)
}

func TestValidateCodeRejectsMalformedInput(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()

	require.False(t, f.svc.ValidateCode(ctx, client("u-1"), "12345", mfa.MethodEmail).Valid)
	require.False(t, f.svc.ValidateCode(ctx, client("u-1"), "123456", mfa.Method("sms")).Valid)
	require.False(t, f.svc.ValidateCode(ctx, client(""), "123456", mfa.MethodEmail).Valid)
}

func TestValidateCodeRecordsAuditTrail(t *testing.T) {
	f := newTwoFactorFixture(t, WithCodeGenerator(fixedCodes("123456")))
	ctx := context.Background()
	p := client("u-1")

	_, err := f.svc.IssueCode(ctx, p, "u1@example.com", Origin{})
	require.NoError(t, err)
	require.False(t, f.svc.ValidateCode(ctx, p, "000000", "").Valid)
	require.True(t, f.svc.ValidateCode(ctx, p, "123456", "").Valid)

	require.ElementsMatch(t, []string{
		models.AuditActionCodeSent,
		models.AuditActionValidationFailed,
		models.AuditActionValidationSuccess,
	}, f.auditActions(t, p))

	cfg, err := f.store.LoadConfig(ctx, p, mfa.MethodEmail)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastUsedAt)
	require.True(t, cfg.LastUsedAt.Equal(f.clock.Now()))
}

func TestEnableReturnsBackupCodesAndDisableInvalidatesPendingCodes(t *testing.T) {
	f := newTwoFactorFixture(t, WithBackupCodeCount(4), WithCodeGenerator(fixedCodes("123456")))
	ctx := context.Background()
	p := client("u-1")
	require.NoError(t, f.db.Create(&models.Client{BaseModel: models.BaseModel{ID: "u-1"}, Name: "Ana"}).Error)

	enabled, err := f.svc.IsEnabled(ctx, p)
	require.NoError(t, err)
	require.False(t, enabled)

	codes, err := f.svc.Enable(ctx, p, "u1@example.com")
	require.NoError(t, err)
	require.Len(t, codes, 4)

	enabled, err = f.svc.IsEnabled(ctx, p)
	require.NoError(t, err)
	require.True(t, enabled)

	_, err = f.svc.IssueCode(ctx, p, "", Origin{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Disable(ctx, p))
	enabled, err = f.svc.IsEnabled(ctx, p)
	require.NoError(t, err)
	require.False(t, enabled)

	require.False(t, f.svc.ValidateCode(ctx, p, "123456", mfa.MethodEmail).Valid)
	require.False(t, f.svc.RedeemBackupCode(ctx, p, codes[0]).Valid)
}

func TestRedeemBackupCodeIsSingleUse(t *testing.T) {
	f := newTwoFactorFixture(t, WithBackupCodeCount(3))
	ctx := context.Background()
	p := staff("s-1")

	codes, err := f.svc.Enable(ctx, p, "s1@example.com")
	require.NoError(t, err)

	require.True(t, f.svc.RedeemBackupCode(ctx, p, codes[1]).Valid)
	require.False(t, f.svc.RedeemBackupCode(ctx, p, codes[1]).Valid)
	require.False(t, f.svc.RedeemBackupCode(ctx, staff("s-2"), codes[0]).Valid)
	require.True(t, f.svc.RedeemBackupCode(ctx, p, codes[0]).Valid)

	require.Contains(t, f.auditActions(t, p), models.AuditActionBackupCodeUsed)
}

func TestRedeemBackupCodeConcurrentCallers(t *testing.T) {
	f := newTwoFactorFixture(t, WithBackupCodeCount(1))
	ctx := context.Background()
	p := staff("s-1")

	codes, err := f.svc.Enable(ctx, p, "s1@example.com")
	require.NoError(t, err)

	const attempts = 6
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.svc.RedeemBackupCode(ctx, p, codes[0]).Valid
		}()
	}
	wg.Wait()
	close(results)

	valid := 0
	for ok := range results {
		if ok {
			valid++
		}
	}
	require.Equal(t, 1, valid)
}

func TestSetKindPolicyForcesEnabled(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.svc.SetKindPolicy(ctx, mfa.Kind("investor"), true), mfa.ErrInvalidKind)
	require.NoError(t, f.svc.SetKindPolicy(ctx, mfa.KindOwner, true))

	enabled, err := f.svc.IsEnabled(ctx, owner("never-configured"))
	require.NoError(t, err)
	require.True(t, enabled)

	enabled, err = f.svc.IsEnabled(ctx, client("never-configured"))
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestStatsAndPurgeExpired(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enable(ctx, client("u-1"), "u1@example.com")
	require.NoError(t, err)
	_, err = f.svc.IssueCode(ctx, client("u-1"), "", Origin{})
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.svc.IssueCode(ctx, staff("s-1"), "s1@example.com", Origin{})
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.EnabledConfigs)
	require.Equal(t, int64(1), stats.EnabledByKind["client"])
	require.Equal(t, int64(0), stats.EnabledByKind["owner"])
	require.Equal(t, int64(1), stats.PendingCodes)
	require.Equal(t, int64(1), stats.ExpiredCodes)
	require.Equal(t, int64(3), stats.AuditEvents)

	removed, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	require.Empty(t, f.codes(t, client("u-1")))
	require.Len(t, f.codes(t, staff("s-1")), 1)
}

func TestIssueCodeThroughDispatcherWithEmptyTemplateTable(t *testing.T) {
	f := newTwoFactorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Where("1 = 1").Delete(&models.EmailTemplate{}).Error)

	var (
		mu   sync.Mutex
		sent []mail.Message
	)
	dispatcher, err := notifications.NewDispatcher(f.db, mail.SMTPSettings{Enabled: true, Host: "smtp.test", Port: 25, From: "a@example.com"},
		notifications.WithMailerFactory(func(mail.SMTPSettings) (mail.Mailer, error) {
			return mailerFunc(func(_ context.Context, msg mail.Message) error {
				mu.Lock()
				defer mu.Unlock()
				sent = append(sent, msg)
				return nil
			}), nil
		}),
	)
	require.NoError(t, err)

	svc, err := NewTwoFactorService(f.store, dispatcher,
		WithTwoFactorClock(f.clock.Now),
		WithCodeGenerator(fixedCodes("004217")),
	)
	require.NoError(t, err)

	delivered, err := svc.IssueCode(ctx, client("u-1"), "u1@example.com", Origin{})
	require.NoError(t, err)
	require.True(t, delivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].HTMLBody, "004217")
	require.Contains(t, sent[0].Body, "10 minutos")
}

type mailerFunc func(ctx context.Context, msg mail.Message) error

func (f mailerFunc) Send(ctx context.Context, msg mail.Message) error { return f(ctx, msg) }
