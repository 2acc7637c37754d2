package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Governor metrics
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	AttemptsTotal      *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec

	// Ledger metrics
	TokensSpent    *prometheus.CounterVec
	TokensCredited *prometheus.CounterVec

	// Monitoring metrics
	AlertsRaised      *prometheus.CounterVec
	BudgetUtilization prometheus.Gauge
	ActiveUsers       prometheus.Gauge

	// Infrastructure metrics
	DatabaseConnections   *prometheus.GaugeVec
	DatabaseQueryDuration *prometheus.HistogramVec
	CacheRequests         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "governor",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all collectors and registers them on reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(config *Config, reg prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		HTTPRequestsTotal: counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		InvocationsTotal: counter("invocations_total", "AI feature invocations by final state", "feature", "state"),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "invocation_duration_seconds",
				Help:      "End-to-end AI feature invocation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"feature", "state"},
		),
		AttemptsTotal: counter("provider_attempts_total", "Provider call attempts", "provider"),
		FailuresTotal: counter("provider_failures_total", "Classified provider call failures", "provider", "error_type"),
		RetriesTotal:  counter("provider_retries_total", "Failures followed by another attempt", "provider", "error_type"),

		TokensSpent:    counter("tokens_spent_total", "Tokens deducted for feature use", "feature"),
		TokensCredited: counter("tokens_credited_total", "Tokens credited to accounts", "type"),

		AlertsRaised: counter("alerts_raised_total", "Alerts raised by health monitoring", "type", "severity"),
		BudgetUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "daily_budget_utilization_percent",
			Help:      "Share of the daily AI budget consumed so far",
		}),
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_users",
			Help:      "Distinct users with at least one invocation today",
		}),

		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_connections",
				Help:      "Number of database connections",
			},
			[]string{"state"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
		CacheRequests: counter("cache_requests_total", "Feature cost cache lookups", "result"),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.InvocationsTotal,
		m.InvocationDuration,
		m.AttemptsTotal,
		m.FailuresTotal,
		m.RetriesTotal,
		m.TokensSpent,
		m.TokensCredited,
		m.AlertsRaised,
		m.BudgetUtilization,
		m.ActiveUsers,
		m.DatabaseConnections,
		m.DatabaseQueryDuration,
		m.CacheRequests,
	)

	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = gatherer
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordInvocation records the final state of a governed invocation
func (m *Metrics) RecordInvocation(feature, state string, duration time.Duration) {
	if m == nil || m.InvocationsTotal == nil {
		return
	}

	m.InvocationsTotal.WithLabelValues(feature, state).Inc()
	m.InvocationDuration.WithLabelValues(feature, state).Observe(duration.Seconds())
}

// AttemptStarted implements resilience.Sink
func (m *Metrics) AttemptStarted(opCtx resilience.OperationContext) {
	if m == nil || m.AttemptsTotal == nil {
		return
	}

	m.AttemptsTotal.WithLabelValues(providerLabel(opCtx.Provider)).Inc()
}

// AttemptFailed implements resilience.Sink
func (m *Metrics) AttemptFailed(aiErr *resilience.AIError, willRetry bool) {
	if m == nil || m.FailuresTotal == nil {
		return
	}

	provider := providerLabel(aiErr.Context.Provider)
	m.FailuresTotal.WithLabelValues(provider, string(aiErr.Type)).Inc()
	if willRetry {
		m.RetriesTotal.WithLabelValues(provider, string(aiErr.Type)).Inc()
	}
}

// RecordTokensSpent records a deduction
func (m *Metrics) RecordTokensSpent(feature string, amount int64) {
	if m == nil || m.TokensSpent == nil || amount <= 0 {
		return
	}

	m.TokensSpent.WithLabelValues(feature).Add(float64(amount))
}

// RecordTokensCredited records a purchase, bonus, or refund
func (m *Metrics) RecordTokensCredited(transactionType string, amount int64) {
	if m == nil || m.TokensCredited == nil || amount <= 0 {
		return
	}

	m.TokensCredited.WithLabelValues(transactionType).Add(float64(amount))
}

// RecordAlert records a newly raised alert
func (m *Metrics) RecordAlert(alertType, severity string) {
	if m == nil || m.AlertsRaised == nil {
		return
	}

	m.AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

// UpdateUsage sets the daily budget and active user gauges
func (m *Metrics) UpdateUsage(budgetUtilization float64, activeUsers int) {
	if m == nil || m.BudgetUtilization == nil {
		return
	}

	m.BudgetUtilization.Set(budgetUtilization)
	m.ActiveUsers.Set(float64(activeUsers))
}

// UpdateDatabaseConnections updates database connection metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, max int) {
	if m == nil || m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(max))
}

// RecordDatabaseQuery records database query metrics
func (m *Metrics) RecordDatabaseQuery(operation, table string, duration time.Duration) {
	if m == nil || m.DatabaseQueryDuration == nil {
		return
	}

	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheRequest records a cache lookup result: hit, miss, or error
func (m *Metrics) RecordCacheRequest(result string) {
	if m == nil || m.CacheRequests == nil {
		return
	}

	m.CacheRequests.WithLabelValues(result).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if m != nil && m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()
		}

		start := time.Now()
		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func providerLabel(provider string) string {
	if provider == "" {
		return "default"
	}
	return provider
}

// CollectFunc refreshes gauges from some live source
type CollectFunc func(m *Metrics)

// MetricsCollector refreshes gauges periodically
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	collect  []CollectFunc
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, collect ...CollectFunc) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		collect:  collect,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collectMetrics() {
	for _, fn := range mc.collect {
		fn(mc.metrics)
	}
}
