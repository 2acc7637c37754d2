package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
)

const testSecret = "test-secret-key-that-is-long-enough"

type stubChecker struct {
	err error
}

func (s stubChecker) Health(ctx context.Context) error {
	return s.err
}

// skewedStore reports a balance that the transaction log cannot explain
type skewedStore struct {
	*ledger.MemoryStore
	skew int64
}

func (s *skewedStore) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	account, err := s.MemoryStore.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	account.Balance += s.skew
	return account, nil
}

type testServer struct {
	router  *gin.Engine
	ledger  *ledger.Ledger
	monitor *monitoring.Service
	store   *skewedStore
}

func newTestServer(t *testing.T, checks map[string]HealthChecker, opts ...func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &skewedStore{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(store, ledger.StaticFeatureCosts{"cover_letter": 5})
	monitor := monitoring.NewService(nil)

	cfg := &config.Config{
		Auth:    config.AuthConfig{JWTSecret: testSecret},
		Logging: config.LoggingConfig{Level: "info"},
	}

	deps := Dependencies{
		Config:  cfg,
		Ledger:  l,
		Monitor: monitor,
		Checks:  checks,
		Metrics: metrics.NewMetrics(metrics.DefaultConfig(), prometheus.NewRegistry()),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	router := NewRouter(deps)
	gin.SetMode(gin.TestMode)

	return &testServer{router: router, ledger: l, monitor: monitor, store: store}
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

func (s *testServer) do(t *testing.T, method, path, role string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := IssueToken(testSecret, "ops-user", role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, map[string]HealthChecker{"database": stubChecker{}, "redis": stubChecker{}})
		w := s.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var response HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "healthy", response.Status)
		assert.Equal(t, Version, response.Version)
		assert.Len(t, response.Checks, 2)
	})

	t.Run("unhealthy dependency", func(t *testing.T) {
		s := newTestServer(t, map[string]HealthChecker{
			"database": stubChecker{},
			"redis":    stubChecker{err: fmt.Errorf("connection refused")},
		})
		w := s.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var response HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "unhealthy", response.Status)
		assert.Equal(t, "healthy", response.Checks["database"].Status)
		assert.Equal(t, "connection refused", response.Checks["redis"].Message)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/healthz", "", nil)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "governor_http_requests_total")
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/monitoring/health"

	sign := func(claims Claims, method jwt.SigningMethod, secret string) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}
	valid := func() Claims {
		return Claims{
			Role: RoleOperator,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops-user",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(valid(), jwt.SigningMethodHS256, "wrong-secret"), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + func() string {
			c := valid()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return sign(c, jwt.SigningMethodHS256, testSecret)
		}(), status: http.StatusUnauthorized},
		{name: "no expiry", header: "Bearer " + func() string {
			c := valid()
			c.ExpiresAt = nil
			return sign(c, jwt.SigningMethodHS256, testSecret)
		}(), status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + func() string {
			c := valid()
			c.Subject = ""
			return sign(c, jwt.SigningMethodHS256, testSecret)
		}(), status: http.StatusUnauthorized},
		{name: "valid HS512", header: "Bearer " + sign(valid(), jwt.SigningMethodHS512, testSecret), status: http.StatusOK},
		{name: "valid", header: "Bearer " + sign(valid(), jwt.SigningMethodHS256, testSecret), status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRoles(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/monitoring/health", RoleBilling, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/accounts/u1/credits", RoleOperator,
		CreditRequest{Amount: 5, Type: "bonus"}).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/accounts/u1/reconcile", RoleBilling, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/accounts/u1/balance", RoleBilling, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/monitoring/health", RoleAdmin, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/monitoring/health", "viewer", nil).Code)
}

func TestAccounts_BalanceAndCredits(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/accounts/user-1/balance", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var account ledger.Account
	env := decode(t, w, &account)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	assert.Equal(t, "user-1", account.UserID)
	assert.Equal(t, ledger.DefaultWelcomeBonus, account.Balance)

	w = s.do(t, http.MethodPost, "/api/v1/accounts/user-1/credits", RoleBilling, CreditRequest{
		Amount:   50,
		Type:     "purchase",
		Metadata: map[string]string{"payment_id": "pi_123"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var credit CreditResponse
	decode(t, w, &credit)
	assert.Equal(t, int64(60), credit.Balance)

	history, err := s.ledger.GetTransactionHistory(context.Background(), "user-1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.TransactionPurchase, history[0].Type)
	assert.Equal(t, "pi_123", history[0].Metadata["payment_id"])
	assert.Equal(t, "ops-user", history[0].Metadata["credited_by"])
	assert.Equal(t, "purchase of 50 tokens", history[0].Description)
}

func TestAccounts_CreditValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "zero amount", body: CreditRequest{Amount: 0, Type: "purchase"}},
		{name: "negative amount", body: CreditRequest{Amount: -5, Type: "purchase"}},
		{name: "spend type", body: CreditRequest{Amount: 5, Type: "spend"}},
		{name: "unknown type", body: CreditRequest{Amount: 5, Type: "gift"}},
		{name: "not json", body: "amount=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/accounts/user-1/credits", RoleBilling, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			env := decode(t, w, nil)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, "BAD_REQUEST", env.Error.Code)
		})
	}
}

func TestAccounts_ListTransactions(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.ledger.Add(ctx, "user-1", 1, ledger.TransactionBonus, "streak bonus", nil)
		require.NoError(t, err)
	}

	w := s.do(t, http.MethodGet, "/api/v1/accounts/user-1/transactions?limit=2", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var transactions []*ledger.Transaction
	decode(t, w, &transactions)
	require.Len(t, transactions, 2)
	assert.Equal(t, int64(13), transactions[0].BalanceAfter)

	w = s.do(t, http.MethodGet, "/api/v1/accounts/user-1/transactions", RoleOperator, nil)
	decode(t, w, &transactions)
	assert.Len(t, transactions, 4)

	w = s.do(t, http.MethodGet, "/api/v1/accounts/user-1/transactions?limit=abc", RoleOperator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccounts_Reconcile(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/accounts/user-1/reconcile", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result ledger.Reconciliation
	decode(t, w, &result)
	assert.True(t, result.Consistent)
	assert.Empty(t, s.monitor.GetActiveAlerts())

	s.store.skew = 100
	w = s.do(t, http.MethodGet, "/api/v1/accounts/user-1/reconcile", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.False(t, result.Consistent)
	assert.Equal(t, int64(110), result.Balance)
	assert.Equal(t, int64(10), result.Replayed)

	alerts := s.monitor.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, monitoring.AlertTypeLedger, alerts[0].Type)
	assert.Equal(t, errors.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "user-1", alerts[0].Metadata["user_id"])
}

func TestAccounts_ExportStatement(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/accounts/user-1/statement", RoleBilling, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "statement-user-1.csv")
	assert.True(t, strings.Contains(w.Body.String(), "bonus"))

	w = s.do(t, http.MethodGet, "/api/v1/accounts/user-1/statement?format=pdf", RoleBilling, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))

	w = s.do(t, http.MethodGet, "/api/v1/accounts/user-1/statement?format=xml", RoleBilling, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decode(t, w, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestMonitoring_AlertsLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	alert, created := s.monitor.RaiseAlert(monitoring.AlertTypeBudget, errors.SeverityHigh, "Daily AI budget above 75% utilization", nil)
	require.True(t, created)

	w := s.do(t, http.MethodGet, "/api/v1/monitoring/alerts", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var alerts []*monitoring.Alert
	decode(t, w, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.ID, alerts[0].ID)

	w = s.do(t, http.MethodPost, "/api/v1/monitoring/alerts/"+alert.ID+"/acknowledge", RoleOperator, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/monitoring/alerts", RoleOperator, nil)
	decode(t, w, &alerts)
	assert.Empty(t, alerts)

	w = s.do(t, http.MethodGet, "/api/v1/monitoring/alerts?all=true", RoleOperator, nil)
	decode(t, w, &alerts)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)

	w = s.do(t, http.MethodPost, "/api/v1/monitoring/alerts/missing/acknowledge", RoleOperator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMonitoring_HealthAndHistory(t *testing.T) {
	s := newTestServer(t, nil)
	s.monitor.RecordRequest(monitoring.RequestRecord{Duration: time.Second, UserID: "user-1", Cost: 5})

	w := s.do(t, http.MethodGet, "/api/v1/monitoring/health", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health monitoring.HealthMetrics
	decode(t, w, &health)
	assert.Equal(t, int64(1), health.TotalRequests)
	assert.Equal(t, float64(5), health.DailyCost)

	w = s.do(t, http.MethodGet, "/api/v1/monitoring/history?window=10m", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []*monitoring.HealthMetrics
	decode(t, w, &history)
	assert.Len(t, history, 1)

	w = s.do(t, http.MethodGet, "/api/v1/monitoring/history?window=-1m", RoleOperator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitoring_Providers(t *testing.T) {
	template := resilience.DefaultCircuitBreakerConfig("provider")
	template.ReadyToTrip = func(counts resilience.Counts) bool { return counts.ConsecutiveFailures >= 2 }
	template.IsFailure = func(error) bool { return true }
	breakers := resilience.NewBreakerSet(template, "openai", "anthropic")

	failing := func(ctx context.Context) error { return fmt.Errorf("upstream returned 503") }
	for i := 0; i < 2; i++ {
		_ = breakers.Get("openai").Execute(context.Background(), failing)
	}
	require.NoError(t, breakers.Get("anthropic").Execute(context.Background(), func(ctx context.Context) error { return nil }))

	s := newTestServer(t, nil, func(d *Dependencies) { d.Breakers = breakers })

	w := s.do(t, http.MethodGet, "/api/v1/monitoring/providers", RoleOperator, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var statuses []ProviderStatus
	decode(t, w, &statuses)
	require.Len(t, statuses, 2)

	assert.Equal(t, "anthropic", statuses[0].Name)
	assert.Equal(t, "CLOSED", statuses[0].State)
	assert.True(t, statuses[0].Available)
	assert.Equal(t, uint32(1), statuses[0].Requests)

	assert.Equal(t, "openai", statuses[1].Name)
	assert.Equal(t, "OPEN", statuses[1].State)
	assert.False(t, statuses[1].Available)

	w = s.do(t, http.MethodGet, "/api/v1/monitoring/providers", RoleBilling, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	t.Run("no breakers configured", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(t, http.MethodGet, "/api/v1/monitoring/providers", RoleOperator, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var statuses []ProviderStatus
		decode(t, w, &statuses)
		assert.Empty(t, statuses)
	})
}

type recordingInvalidator struct {
	keys []string
	all  int
	err  error
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, featureKey string) error {
	r.keys = append(r.keys, featureKey)
	return r.err
}

func (r *recordingInvalidator) InvalidateAll(ctx context.Context) error {
	r.all++
	return r.err
}

func TestFeatureCosts_Invalidate(t *testing.T) {
	cache := &recordingInvalidator{}
	s := newTestServer(t, nil, func(d *Dependencies) { d.CostCache = cache })

	w := s.do(t, http.MethodPost, "/api/v1/feature-costs/cover_letter/invalidate", RoleOperator, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"cover_letter"}, cache.keys)

	w = s.do(t, http.MethodPost, "/api/v1/feature-costs/invalidate", RoleOperator, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, cache.all)

	w = s.do(t, http.MethodPost, "/api/v1/feature-costs/invalidate", RoleBilling, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 1, cache.all)

	cache.err = errors.NewCacheError("failed to delete keys")
	w = s.do(t, http.MethodPost, "/api/v1/feature-costs/invalidate", RoleOperator, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	env := decode(t, w, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CACHE_ERROR", env.Error.Code)

	t.Run("not mounted without a cache", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(t, http.MethodPost, "/api/v1/feature-costs/invalidate", RoleOperator, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorResponseFromError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:   "insufficient tokens",
			err:    errors.NewInsufficientTokensError(3, 5),
			status: http.StatusPaymentRequired,
			code:   "INSUFFICIENT_TOKENS",
		},
		{
			name:   "wrapped validation",
			err:    fmt.Errorf("handler: %w", errors.NewValidationError("bad input")),
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:    "internal hides cause",
			err:     errors.NewInternalError("failed to deduct tokens").WithCause(fmt.Errorf("pq: connection reset")),
			status:  http.StatusInternalServerError,
			code:    "INTERNAL_ERROR",
			message: "An unexpected error occurred",
		},
		{
			name:    "plain error",
			err:     fmt.Errorf("boom"),
			status:  http.StatusInternalServerError,
			code:    "INTERNAL_ERROR",
			message: "An unexpected error occurred",
		},
		{
			name:   "provider outage",
			err:    errors.NewUserFacingError(errors.ErrorTypeProvider, fmt.Errorf("upstream 503")),
			status: http.StatusServiceUnavailable,
			code:   "AI_PROVIDER_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			ErrorResponseFromError(c, tt.err)

			assert.Equal(t, tt.status, w.Code)
			env := decode(t, w, nil)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, env.Error.Message)
			}
			assert.NotContains(t, w.Body.String(), "pq: connection reset")
		})
	}
}
