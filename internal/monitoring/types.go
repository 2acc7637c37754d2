package monitoring

import (
	"time"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// RequestRecord is the outcome of one governed invocation
type RequestRecord struct {
	Duration   time.Duration
	UserID     string
	FeatureKey string
	Provider   string
	// Cost is the number of tokens charged; zero for failures
	Cost float64
	// Err is the terminal error, nil on success
	Err error
}

// HealthMetrics is an immutable point-in-time snapshot
type HealthMetrics struct {
	Timestamp            time.Time                  `json:"timestamp"`
	AverageResponseTime  time.Duration              `json:"average_response_time"`
	P95ResponseTime      time.Duration              `json:"p95_response_time"`
	RequestsPerMinute    int                        `json:"requests_per_minute"`
	TotalRequests        int64                      `json:"total_requests"`
	TotalErrors          int64                      `json:"total_errors"`
	ErrorCounts          map[errors.ErrorType]int64 `json:"error_counts"`
	ErrorRate            float64                    `json:"error_rate"`
	DailyCost            float64                    `json:"daily_cost"`
	DailyBudget          float64                    `json:"daily_budget"`
	BudgetUtilization    float64                    `json:"budget_utilization"`
	ActiveUsers          int                        `json:"active_users"`
	ProviderAvailability map[string]bool            `json:"provider_availability"`
}

// AlertType groups alerts by the condition that raised them
type AlertType string

const (
	AlertTypeBudget         AlertType = "budget"
	AlertTypeErrorRate      AlertType = "error_rate"
	AlertTypePerformance    AlertType = "performance"
	AlertTypeProviderOutage AlertType = "provider_outage"
	AlertTypeLedger         AlertType = "ledger"
)

// Alert is an operator-facing notice. Only Acknowledged ever changes.
type Alert struct {
	ID             string            `json:"id"`
	Type           AlertType         `json:"type"`
	Severity       errors.Severity   `json:"severity"`
	Message        string            `json:"message"`
	Timestamp      time.Time         `json:"timestamp"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ProviderAvailability reports which AI providers currently accept calls
type ProviderAvailability interface {
	Availability() map[string]bool
}

func (h *HealthMetrics) clone() *HealthMetrics {
	copied := *h
	copied.ErrorCounts = make(map[errors.ErrorType]int64, len(h.ErrorCounts))
	for k, v := range h.ErrorCounts {
		copied.ErrorCounts[k] = v
	}
	copied.ProviderAvailability = make(map[string]bool, len(h.ProviderAvailability))
	for k, v := range h.ProviderAvailability {
		copied.ProviderAvailability[k] = v
	}
	return &copied
}

func (a *Alert) clone() *Alert {
	copied := *a
	if a.Metadata != nil {
		copied.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			copied.Metadata[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		copied.AcknowledgedAt = &at
	}
	return &copied
}
