package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/imovtec/twofactor/internal/api"
	"github.com/imovtec/twofactor/internal/app"
	sharedtestutil "github.com/imovtec/twofactor/internal/database/testutil"
	"github.com/imovtec/twofactor/internal/middleware"
	"github.com/imovtec/twofactor/internal/notifications"
	"github.com/imovtec/twofactor/internal/services"
	"github.com/imovtec/twofactor/pkg/mail"
	"github.com/imovtec/twofactor/pkg/response"
)

const (
	// AdminAPIKey is the key the test router expects on admin routes.
	AdminAPIKey = "test-admin-key"
	// ServiceAPIKey is the key the login flow presents on /api/auth/2fa.
	ServiceAPIKey = "test-service-key"
)

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// RecordingMailer captures outbound messages instead of dialing SMTP.
type RecordingMailer struct {
	mu       sync.Mutex
	messages []mail.Message
	fail     error
}

func (m *RecordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.messages = append(m.messages, msg)
	return nil
}

// FailWith makes subsequent sends return err. A nil err restores delivery.
func (m *RecordingMailer) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Messages returns a copy of everything sent so far.
func (m *RecordingMailer) Messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.messages...)
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T          *testing.T
	DB         *gorm.DB
	Router     *gin.Engine
	Config     *app.Config
	TwoFactor  *services.TwoFactorService
	Dispatcher *notifications.Dispatcher
	Mailer     *RecordingMailer
}

// EnvOption adjusts the configuration before the router is built.
type EnvOption func(*app.Config)

// WithVerifyLimit tightens the code submission throttle.
func WithVerifyLimit(perMinute float64, burst int) EnvOption {
	return func(cfg *app.Config) {
		cfg.TwoFactor.VerifyRatePerMinute = perMinute
		cfg.TwoFactor.VerifyBurst = burst
	}
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())

	cfg := &app.Config{
		Email: app.EmailConfig{SMTP: app.SMTPConfig{
			Enabled: true,
			Host:    "smtp.test",
			Port:    587,
			From:    "no-reply@imovtec.test",
			Timeout: time.Second,
		}},
		TwoFactor: app.TwoFactorConfig{
			CodeTTL:            10 * time.Minute,
			PrimaryTemplate:    "2fa-code",
			FallbackTemplate:   "2fa_verification",
			BackupCodeCount:    4,
			IssueRatePerMinute: 600,
			IssueBurst:         50,

			VerifyRatePerMinute: 600,
			VerifyBurst:         50,
		},
		Auth:  app.AuthConfig{ServiceAPIKey: ServiceAPIKey},
		Admin: app.AdminConfig{APIKey: AdminAPIKey},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mailer := &RecordingMailer{}
	dispatcher, err := notifications.NewDispatcher(db, cfg.Email.SMTPSettings(),
		notifications.WithMailerFactory(func(mail.SMTPSettings) (mail.Mailer, error) {
			return mailer, nil
		}),
	)
	require.NoError(t, err)

	store, err := services.NewTwoFactorStore(db)
	require.NoError(t, err)
	svc, err := services.NewTwoFactorService(store, dispatcher,
		services.WithCodeTTL(cfg.TwoFactor.CodeTTL),
		services.WithCodeTemplates(cfg.TwoFactor.PrimaryTemplate, cfg.TwoFactor.FallbackTemplate),
		services.WithBackupCodeCount(cfg.TwoFactor.BackupCodeCount),
	)
	require.NoError(t, err)

	issueLimiter := middleware.NewRateLimiter(cfg.TwoFactor.IssueRatePerMinute, cfg.TwoFactor.IssueBurst)
	t.Cleanup(issueLimiter.Close)
	verifyLimiter := middleware.NewRateLimiter(cfg.TwoFactor.VerifyRatePerMinute, cfg.TwoFactor.VerifyBurst)
	t.Cleanup(verifyLimiter.Close)

	router, err := api.NewRouter(api.Dependencies{
		DB:            db,
		Config:        cfg,
		TwoFactor:     svc,
		Notifications: dispatcher,
		IssueLimiter:  issueLimiter,
		VerifyLimiter: verifyLimiter,
	})
	require.NoError(t, err)

	return &Env{
		T:          t,
		DB:         db,
		Router:     router,
		Config:     cfg,
		TwoFactor:  svc,
		Dispatcher: dispatcher,
		Mailer:     mailer,
	}
}

// LastCode extracts the most recently delivered verification code.
func (e *Env) LastCode() string {
	e.T.Helper()
	msgs := e.Mailer.Messages()
	require.NotEmpty(e.T, msgs, "no message delivered")
	last := msgs[len(msgs)-1]
	code := codePattern.FindString(last.Body + " " + last.HTMLBody)
	require.NotEmpty(e.T, code, "no code in message body")
	return code
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes a JSON request as the login flow, carrying the service key.
func (e *Env) Request(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.request(method, path, body, map[string]string{middleware.HeaderAPIKey: ServiceAPIKey})
}

// AnonymousRequest executes a JSON request without any key.
func (e *Env) AnonymousRequest(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.request(method, path, body, nil)
}

// AdminRequest executes a request carrying the admin API key.
func (e *Env) AdminRequest(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.request(method, path, body, map[string]string{middleware.HeaderAPIKey: AdminAPIKey})
}

func (e *Env) request(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	buf := bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// ErrSMTPDown is a canned transport failure for delivery tests.
var ErrSMTPDown = errors.New("smtp: connection refused")
