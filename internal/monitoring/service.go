package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/usage-governor/pkg/alerting"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
)

// Config holds monitoring configuration
type Config struct {
	// DailyBudget is the token spend that counts as 100% utilization
	DailyBudget float64 `json:"daily_budget"`
	// Location defines the wall-clock midnight at which daily counters reset
	Location *time.Location `json:"-"`

	WindowSize            int           `json:"window_size"`
	SnapshotInterval      time.Duration `json:"snapshot_interval"`
	RetentionPeriod       time.Duration `json:"retention_period"`
	DedupWindow           time.Duration `json:"dedup_window"`
	BudgetHighPercent     float64       `json:"budget_high_percent"`
	BudgetCriticalPercent float64       `json:"budget_critical_percent"`
	ErrorThreshold        int64         `json:"error_threshold"`
	SlowResponseThreshold time.Duration `json:"slow_response_threshold"`
	// Providers are reported available when no availability source is set
	Providers []string `json:"providers"`
}

// DefaultConfig returns default monitoring configuration
func DefaultConfig() *Config {
	return &Config{
		DailyBudget:           1000,
		Location:              time.UTC,
		WindowSize:            100,
		SnapshotInterval:      time.Minute,
		RetentionPeriod:       24 * time.Hour,
		DedupWindow:           5 * time.Minute,
		BudgetHighPercent:     75,
		BudgetCriticalPercent: 90,
		ErrorThreshold:        10,
		SlowResponseThreshold: 10 * time.Second,
		Providers:             []string{"openai", "anthropic"},
	}
}

// Notifier delivers newly raised alerts
type Notifier interface {
	Notify(ctx context.Context, n alerting.Notification)
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics publishes usage gauges and alert counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier fans new alerts out to operators
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithProviderAvailability sets the source of provider health
func WithProviderAvailability(source ProviderAvailability) Option {
	return func(s *Service) { s.availability = source }
}

// Service aggregates request outcomes into rolling health metrics and
// raises deduplicated alerts. All state is process-local.
type Service struct {
	config       *Config
	now          func() time.Time
	logger       *logging.Logger
	metrics      *metrics.Metrics
	notifier     Notifier
	availability ProviderAvailability

	mu            sync.Mutex
	durations     []time.Duration
	next          int
	filled        int
	requestTimes  []time.Time
	errorCounts   map[errors.ErrorType]int64
	totalRequests int64
	dailyCost     float64
	activeUsers   map[string]struct{}
	dayStart      time.Time
	history       []*HealthMetrics
	alerts        []*Alert

	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewService creates a new monitoring service
func NewService(config *Config, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = defaults.RetentionPeriod
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = defaults.DedupWindow
	}

	s := &Service{
		config:      config,
		now:         time.Now,
		logger:      logging.GetLogger(),
		durations:   make([]time.Duration, config.WindowSize),
		errorCounts: make(map[errors.ErrorType]int64),
		activeUsers: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dayStart = startOfDay(s.now(), config.Location)
	return s
}

// RecordRequest adds one invocation outcome to the rolling windows
func (s *Service) RecordRequest(record RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rolloverLocked(now)

	s.durations[s.next] = record.Duration
	s.next = (s.next + 1) % len(s.durations)
	if s.filled < len(s.durations) {
		s.filled++
	}

	s.requestTimes = append(s.requestTimes, now)
	s.pruneRequestTimesLocked(now)
	s.totalRequests++

	if record.UserID != "" {
		s.activeUsers[record.UserID] = struct{}{}
	}
	if record.Cost > 0 {
		s.dailyCost += record.Cost
	}
	if record.Err != nil {
		s.errorCounts[resilience.Classify(record.Err)]++
	}
}

// GetCurrentHealth computes a snapshot, retains it, and evaluates the
// alert rules against it.
func (s *Service) GetCurrentHealth() *HealthMetrics {
	var availability map[string]bool
	if s.availability != nil {
		availability = s.availability.Availability()
	} else {
		availability = make(map[string]bool, len(s.config.Providers))
		for _, provider := range s.config.Providers {
			availability[provider] = true
		}
	}

	s.mu.Lock()
	now := s.now()
	s.rolloverLocked(now)
	s.pruneRequestTimesLocked(now)

	snapshot := &HealthMetrics{
		Timestamp:            now,
		AverageResponseTime:  s.averageLocked(),
		P95ResponseTime:      s.percentileLocked(0.95),
		RequestsPerMinute:    len(s.requestTimes),
		TotalRequests:        s.totalRequests,
		ErrorCounts:          make(map[errors.ErrorType]int64, len(s.errorCounts)),
		DailyCost:            s.dailyCost,
		DailyBudget:          s.config.DailyBudget,
		ActiveUsers:          len(s.activeUsers),
		ProviderAvailability: availability,
	}
	for errorType, count := range s.errorCounts {
		snapshot.ErrorCounts[errorType] = count
		snapshot.TotalErrors += count
	}
	if s.totalRequests > 0 {
		snapshot.ErrorRate = float64(snapshot.TotalErrors) / float64(s.totalRequests)
	}
	if s.config.DailyBudget > 0 {
		snapshot.BudgetUtilization = s.dailyCost / s.config.DailyBudget * 100
	}

	s.history = append(s.history, snapshot)
	s.pruneHistoryLocked(now)
	raised := s.evaluateLocked(snapshot)
	s.mu.Unlock()

	s.metrics.UpdateUsage(snapshot.BudgetUtilization, snapshot.ActiveUsers)
	s.dispatch(raised)

	return snapshot.clone()
}

// GetHistory returns copies of the retained snapshots taken at or after
// since, oldest first
func (s *Service) GetHistory(since time.Time) []*HealthMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.historySinceLocked(since)
}

// GetHistoryWindow returns the snapshots of the last window on the
// service clock
func (s *Service) GetHistoryWindow(window time.Duration) []*HealthMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.historySinceLocked(s.now().Add(-window))
}

func (s *Service) historySinceLocked(since time.Time) []*HealthMetrics {
	var result []*HealthMetrics
	for _, snapshot := range s.history {
		if !snapshot.Timestamp.Before(since) {
			result = append(result, snapshot.clone())
		}
	}
	return result
}

// Start runs the daily reset and periodic snapshots until ctx is done or
// Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.NewValidationError("monitoring service is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	go s.run(ctx, stopCh, done)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		untilReset := nextDay(s.dayStart, s.config.Location).Sub(s.now())
		s.mu.Unlock()
		if untilReset < 0 {
			untilReset = 0
		}
		reset := time.NewTimer(untilReset)

		select {
		case <-ctx.Done():
			reset.Stop()
			return
		case <-stopCh:
			reset.Stop()
			return
		case <-reset.C:
			s.mu.Lock()
			s.rolloverLocked(s.now())
			s.mu.Unlock()
		case <-ticker.C:
			reset.Stop()
			s.GetCurrentHealth()
		}
	}
}

// rolloverLocked zeroes the daily counters once the reset boundary passes.
// The latency window is kept; it is not a daily figure.
func (s *Service) rolloverLocked(now time.Time) {
	boundary := nextDay(s.dayStart, s.config.Location)
	if now.Before(boundary) {
		return
	}

	s.logger.WithFields(logging.Fields{
		"daily_cost":     s.dailyCost,
		"total_requests": s.totalRequests,
		"active_users":   len(s.activeUsers),
	}).Info("Resetting daily usage counters")

	s.dailyCost = 0
	s.totalRequests = 0
	s.errorCounts = make(map[errors.ErrorType]int64)
	s.activeUsers = make(map[string]struct{})
	s.requestTimes = nil
	s.dayStart = startOfDay(now, s.config.Location)
}

func (s *Service) pruneRequestTimesLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.requestTimes) && !s.requestTimes[i].After(cutoff) {
		i++
	}
	s.requestTimes = s.requestTimes[i:]
}

func (s *Service) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-s.config.RetentionPeriod)
	i := 0
	for i < len(s.history) && s.history[i].Timestamp.Before(cutoff) {
		i++
	}
	s.history = s.history[i:]
}

func (s *Service) averageLocked() time.Duration {
	if s.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.filled; i++ {
		total += s.durations[i]
	}
	return total / time.Duration(s.filled)
}

func (s *Service) percentileLocked(p float64) time.Duration {
	if s.filled == 0 {
		return 0
	}
	sorted := make([]time.Duration, s.filled)
	copy(sorted, s.durations[:s.filled])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func nextDay(dayStart time.Time, loc *time.Location) time.Time {
	return time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day()+1, 0, 0, 0, 0, loc)
}
