package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/imovtec/twofactor/internal/app"
	testutil "github.com/imovtec/twofactor/internal/database/testutil"
	"github.com/imovtec/twofactor/internal/services"
)

type stubReloader struct{}

func (stubReloader) Reload(context.Context) error { return nil }
func (stubReloader) Source() string               { return "store" }

type silentNotifier struct{}

func (silentNotifier) Send(context.Context, string, string, map[string]string) (bool, error) {
	return true, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	store, err := services.NewTwoFactorStore(db)
	require.NoError(t, err)
	svc, err := services.NewTwoFactorService(store, silentNotifier{})
	require.NoError(t, err)

	cfg := &app.Config{
		Admin: app.AdminConfig{APIKey: "router-key"},
		Auth:  app.AuthConfig{ServiceAPIKey: "service-key"},
		TwoFactor: app.TwoFactorConfig{
			IssueRatePerMinute:  60,
			IssueBurst:          5,
			VerifyRatePerMinute: 60,
			VerifyBurst:         5,
		},
	}
	router, err := NewRouter(Dependencies{DB: db, Config: cfg, TwoFactor: svc, Notifications: stubReloader{}})
	require.NoError(t, err)
	return router
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	_, err := NewRouter(Dependencies{})
	require.Error(t, err)
}

func TestRouter_PublicAndAdminRoutes(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/2fa/stats", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/2fa/stats", nil)
	req.Header.Set("X-API-Key", "router-key")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_TwoFactorRoutesUseServiceKey(t *testing.T) {
	router := newTestRouter(t)
	payload := `{"identity":"u-1","kind":"client"}`

	for key, want := range map[string]int{
		"":            http.StatusUnauthorized,
		"router-key":  http.StatusUnauthorized,
		"service-key": http.StatusOK,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/2fa/status", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		router.ServeHTTP(w, req)
		require.Equal(t, want, w.Code, "key %q", key)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"identity":"u-1","kind":"client","contact":"a@b.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/2fa/send", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "service-key")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "twofactor_api_latency_seconds")
	require.Contains(t, w.Body.String(), "twofactor_codes_issued_total")
}
