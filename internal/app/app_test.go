package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/usage-governor/internal/api"
	"github.com/NikhilSetiya/usage-governor/internal/governor"
	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
)

const testSecret = "test-secret-key-that-is-long-enough"

func testConfig() *config.Config {
	return &config.Config{
		Ledger: config.LedgerConfig{
			StoreDriver:  "memory",
			WelcomeBonus: 10,
			FeatureCosts: map[string]int64{"cover_letter": 5},
		},
		Retry: config.RetryConfig{
			MaxAttempts:       2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          time.Millisecond,
			BackoffMultiplier: 2,
		},
		Monitoring: config.MonitoringConfig{
			DailyBudget:         100,
			ResetLocation:       "UTC",
			AlertDedupWindow:    time.Minute,
			ErrorAlertThreshold: 10,
			Providers:           []string{"openai"},
		},
		Auth:    config.AuthConfig{JWTSecret: testSecret},
		Logging: config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "governor"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()

	logger, err := logging.NewLogger(&logging.Config{Level: "info", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	logger.SetOutput(&bytes.Buffer{})

	a, err := New(cfg, WithLogger(logger), WithAlertLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func operatorRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()

	token, err := api.IssueToken(testSecret, "ops-user", api.RoleOperator, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, data interface{}) {
	t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, data))
}

func TestNew_GovernorChargesThroughLedgerAndMonitor(t *testing.T) {
	a := newTestApp(t, testConfig())
	require.NotNil(t, a.Governor)
	require.NoError(t, a.Start(context.Background()))

	// A product endpoint mounted on the same router, as an embedding
	// service would do.
	a.Router.POST("/features/:key/invoke", func(c *gin.Context) {
		result, err := governor.Invoke(c.Request.Context(), a.Governor, c.Query("user"), c.Param("key"),
			func(ctx context.Context) (string, error) { return "draft", nil })
		if err != nil {
			api.ErrorResponseFromError(c, err)
			return
		}
		api.SuccessResponse(c, result)
	})

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/features/cover_letter/invoke?user=user-1", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result governor.Result[string]
	decodeData(t, w, &result)
	assert.Equal(t, "draft", result.Value)
	assert.Equal(t, governor.StateSettled, result.State)
	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, int64(5), result.Cost)
	assert.Equal(t, int64(5), result.NewBalance)

	w = httptest.NewRecorder()
	a.Router.ServeHTTP(w, operatorRequest(t, http.MethodGet, "/api/v1/monitoring/health"))
	require.Equal(t, http.StatusOK, w.Code)

	var health monitoring.HealthMetrics
	decodeData(t, w, &health)
	assert.Equal(t, int64(1), health.TotalRequests)
	assert.Equal(t, 5.0, health.DailyCost)
	assert.Equal(t, 1, health.ActiveUsers)
	assert.True(t, health.ProviderAvailability["openai"])

	w = httptest.NewRecorder()
	a.Router.ServeHTTP(w, operatorRequest(t, http.MethodGet, "/api/v1/monitoring/providers"))
	require.Equal(t, http.StatusOK, w.Code)

	var providers []api.ProviderStatus
	decodeData(t, w, &providers)
	require.Len(t, providers, 1)
	assert.Equal(t, "openai", providers[0].Name)
	assert.Equal(t, "CLOSED", providers[0].State)
	assert.Equal(t, uint32(1), providers[0].Requests)

	balance, err := a.Ledger.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestNew_InsufficientTokensNeverReachesProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.WelcomeBonus = 2
	a := newTestApp(t, cfg)

	called := false
	_, err := governor.Invoke(context.Background(), a.Governor, "user-1", "cover_letter",
		func(ctx context.Context) (string, error) {
			called = true
			return "draft", nil
		})
	require.Error(t, err)
	assert.False(t, called)

	health := a.Monitor.GetCurrentHealth()
	assert.Zero(t, health.DailyCost)
}

func TestNew_RedisCostCache(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Redis = config.RedisConfig{Enabled: true, Host: mr.Host(), Port: port, PoolSize: 2, FeatureCostTTL: time.Minute}
	a := newTestApp(t, cfg)
	assert.Contains(t, a.Checks, "redis")

	_, err = governor.Invoke(context.Background(), a.Governor, "user-1", "cover_letter",
		func(ctx context.Context) (string, error) { return "draft", nil })
	require.NoError(t, err)
	assert.NotEmpty(t, mr.Keys(), "the feature price is cached after the first lookup")

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, operatorRequest(t, http.MethodPost, "/api/v1/feature-costs/invalidate"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, mr.Keys())
}

func TestNew_WithoutRedisHasNoCacheRoutes(t *testing.T) {
	a := newTestApp(t, testConfig())
	assert.NotContains(t, a.Checks, "redis")

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, operatorRequest(t, http.MethodPost, "/api/v1/feature-costs/invalidate"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_InvalidResetLocation(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.ResetLocation = "Mars/Olympus_Mons"

	_, err := New(cfg, WithAlertLogger(zap.NewNop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid monitoring reset location")
}

func TestStart_Twice(t *testing.T) {
	a := newTestApp(t, testConfig())

	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))
}
