package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/auth/mfa"
	"github.com/imovtec/twofactor/internal/database/testutil"
	"github.com/imovtec/twofactor/internal/models"
)

var errInjected = errors.New("injected storage failure")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sendCall struct {
	template  string
	recipient string
	vars      map[string]string
}

// recordingNotifier answers per template: templates listed in errs fail with
// that error, everything else is delivered.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []sendCall
	errs  map[string]error
}

func (n *recordingNotifier) Send(_ context.Context, templateName, recipient string, vars map[string]string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, sendCall{template: templateName, recipient: recipient, vars: vars})
	if err := n.errs[templateName]; err != nil {
		return false, err
	}
	return true, nil
}

func (n *recordingNotifier) sent() []sendCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sendCall(nil), n.calls...)
}

// faultyStore wraps a real store and injects failures into chosen calls.
type faultyStore struct {
	*TwoFactorStore
	failSave   bool
	failFind   bool
	failAudit  bool
	failTouch  bool
	failConsum bool
}

func (f *faultyStore) SaveCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method, issuedAt, expiresAt time.Time, origin Origin) error {
	if f.failSave {
		return errInjected
	}
	return f.TwoFactorStore.SaveCode(ctx, p, code, method, issuedAt, expiresAt, origin)
}

func (f *faultyStore) FindUsableCode(ctx context.Context, p mfa.Principal, code string, method mfa.Method, now time.Time) (*models.VerificationCode, bool, error) {
	if f.failFind {
		return nil, false, errInjected
	}
	return f.TwoFactorStore.FindUsableCode(ctx, p, code, method, now)
}

func (f *faultyStore) Consume(ctx context.Context, id string, now time.Time) (bool, error) {
	if f.failConsum {
		return false, errInjected
	}
	return f.TwoFactorStore.Consume(ctx, id, now)
}

func (f *faultyStore) TouchLastUsed(ctx context.Context, p mfa.Principal, method mfa.Method, now time.Time) error {
	if f.failTouch {
		return errInjected
	}
	return f.TwoFactorStore.TouchLastUsed(ctx, p, method, now)
}

func (f *faultyStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if f.failAudit {
		return errInjected
	}
	return f.TwoFactorStore.AppendAudit(ctx, event)
}

type twoFactorFixture struct {
	db       *gorm.DB
	store    *TwoFactorStore
	notifier *recordingNotifier
	clock    *testClock
	svc      *TwoFactorService
}

func newTwoFactorFixture(t *testing.T, opts ...TwoFactorOption) *twoFactorFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	store, err := NewTwoFactorStore(db)
	require.NoError(t, err)

	f := &twoFactorFixture{
		db:       db,
		store:    store,
		notifier: &recordingNotifier{errs: map[string]error{}},
		clock:    newTestClock(),
	}
	f.svc = f.newService(t, store, opts...)
	return f
}

func (f *twoFactorFixture) newService(t *testing.T, store VerificationStore, opts ...TwoFactorOption) *TwoFactorService {
	t.Helper()
	base := []TwoFactorOption{WithTwoFactorClock(f.clock.Now)}
	svc, err := NewTwoFactorService(store, f.notifier, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func (f *twoFactorFixture) codes(t *testing.T, p mfa.Principal) []models.VerificationCode {
	t.Helper()
	var rows []models.VerificationCode
	require.NoError(t, f.db.
		Where("principal_id = ? AND principal_kind = ?", p.Identity, string(p.Kind)).
		Order("issued_at").
		Find(&rows).Error)
	return rows
}

func (f *twoFactorFixture) auditActions(t *testing.T, p mfa.Principal) []string {
	t.Helper()
	var rows []models.TwoFactorAudit
	require.NoError(t, f.db.
		Where("principal_id = ? AND principal_kind = ?", p.Identity, string(p.Kind)).
		Order("created_at, action").
		Find(&rows).Error)
	actions := make([]string, len(rows))
	for i, row := range rows {
		actions[i] = row.Action
	}
	return actions
}

func (f *twoFactorFixture) lastCode(t *testing.T, p mfa.Principal) string {
	t.Helper()
	rows := f.codes(t, p)
	require.NotEmpty(t, rows)
	return rows[len(rows)-1].Code
}

func fixedCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}

func client(id string) mfa.Principal { return mfa.Principal{Identity: id, Kind: mfa.KindClient} }
func staff(id string) mfa.Principal  { return mfa.Principal{Identity: id, Kind: mfa.KindStaff} }
func owner(id string) mfa.Principal  { return mfa.Principal{Identity: id, Kind: mfa.KindOwner} }
