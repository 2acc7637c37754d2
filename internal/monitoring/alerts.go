package monitoring

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/usage-governor/pkg/alerting"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
)

// RaiseAlert records an alert unless an unacknowledged one with the same
// type and message was raised within the dedup window. It reports whether
// a new alert was created.
func (s *Service) RaiseAlert(alertType AlertType, severity errors.Severity, message string, metadata map[string]string) (*Alert, bool) {
	s.mu.Lock()
	alert, created := s.raiseLocked(alertType, severity, message, metadata)
	var result *Alert
	if alert != nil {
		result = alert.clone()
	}
	s.mu.Unlock()

	if created {
		s.dispatch([]*Alert{result})
	}
	return result, created
}

// GetActiveAlerts returns unacknowledged alerts, oldest first
func (s *Service) GetActiveAlerts() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*Alert
	for _, alert := range s.alerts {
		if !alert.Acknowledged {
			active = append(active, alert.clone())
		}
	}
	return active
}

// GetAlerts returns every retained alert, oldest first
func (s *Service) GetAlerts() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		all = append(all, alert.clone())
	}
	return all
}

// AcknowledgeAlert marks an alert acknowledged. It returns false for
// unknown IDs.
func (s *Service) AcknowledgeAlert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, alert := range s.alerts {
		if alert.ID != id {
			continue
		}
		if !alert.Acknowledged {
			now := s.now()
			alert.Acknowledged = true
			alert.AcknowledgedAt = &now
		}
		return true
	}
	return false
}

// evaluateLocked applies the alert rules to a snapshot and returns copies
// of the alerts it newly raised.
func (s *Service) evaluateLocked(snapshot *HealthMetrics) []*Alert {
	var raised []*Alert
	raise := func(alertType AlertType, severity errors.Severity, message string, metadata map[string]string) {
		if alert, created := s.raiseLocked(alertType, severity, message, metadata); created {
			raised = append(raised, alert.clone())
		}
	}

	budgetMetadata := map[string]string{
		"daily_cost":         strconv.FormatFloat(snapshot.DailyCost, 'f', 2, 64),
		"daily_budget":       strconv.FormatFloat(snapshot.DailyBudget, 'f', 2, 64),
		"budget_utilization": strconv.FormatFloat(snapshot.BudgetUtilization, 'f', 1, 64),
	}
	switch {
	case snapshot.BudgetUtilization > s.config.BudgetCriticalPercent:
		raise(AlertTypeBudget, errors.SeverityCritical,
			fmt.Sprintf("Daily AI budget above %.0f%% utilization", s.config.BudgetCriticalPercent), budgetMetadata)
	case snapshot.BudgetUtilization > s.config.BudgetHighPercent:
		raise(AlertTypeBudget, errors.SeverityHigh,
			fmt.Sprintf("Daily AI budget above %.0f%% utilization", s.config.BudgetHighPercent), budgetMetadata)
	}

	if snapshot.TotalErrors > s.config.ErrorThreshold {
		metadata := map[string]string{"total_errors": strconv.FormatInt(snapshot.TotalErrors, 10)}
		for errorType, count := range snapshot.ErrorCounts {
			metadata["errors_"+string(errorType)] = strconv.FormatInt(count, 10)
		}
		raise(AlertTypeErrorRate, errors.SeverityHigh,
			fmt.Sprintf("More than %d AI errors today", s.config.ErrorThreshold), metadata)
	}

	if snapshot.AverageResponseTime > s.config.SlowResponseThreshold {
		raise(AlertTypePerformance, errors.SeverityMedium,
			fmt.Sprintf("Average AI response time above %s", s.config.SlowResponseThreshold),
			map[string]string{
				"average_response_time": snapshot.AverageResponseTime.String(),
				"p95_response_time":     snapshot.P95ResponseTime.String(),
			})
	}

	if len(snapshot.ProviderAvailability) >= 2 {
		allDown := true
		for _, available := range snapshot.ProviderAvailability {
			if available {
				allDown = false
				break
			}
		}
		if allDown {
			raise(AlertTypeProviderOutage, errors.SeverityCritical, "All AI providers are unavailable",
				map[string]string{"providers": strconv.Itoa(len(snapshot.ProviderAvailability))})
		}
	}

	return raised
}

func (s *Service) raiseLocked(alertType AlertType, severity errors.Severity, message string, metadata map[string]string) (*Alert, bool) {
	now := s.now()
	s.pruneAlertsLocked(now)

	for i := len(s.alerts) - 1; i >= 0; i-- {
		existing := s.alerts[i]
		if existing.Acknowledged || existing.Type != alertType || existing.Message != message {
			continue
		}
		if now.Sub(existing.Timestamp) < s.config.DedupWindow {
			return existing, false
		}
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
		Metadata:  metadata,
	}
	s.alerts = append(s.alerts, alert)
	return alert, true
}

// pruneAlertsLocked drops alerts older than the retention period
func (s *Service) pruneAlertsLocked(now time.Time) {
	cutoff := now.Add(-s.config.RetentionPeriod)
	i := 0
	for i < len(s.alerts) && s.alerts[i].Timestamp.Before(cutoff) {
		i++
	}
	s.alerts = s.alerts[i:]
}

func (s *Service) dispatch(alerts []*Alert) {
	for _, alert := range alerts {
		s.metrics.RecordAlert(string(alert.Type), string(alert.Severity))
		s.logger.WithFields(logging.Fields{
			"alert_id":   alert.ID,
			"alert_type": string(alert.Type),
			"severity":   string(alert.Severity),
		}).Warn(alert.Message)

		if s.notifier != nil {
			s.notifier.Notify(context.Background(), alerting.Notification{
				ID:        alert.ID,
				Type:      string(alert.Type),
				Severity:  string(alert.Severity),
				Message:   alert.Message,
				Timestamp: alert.Timestamp,
				Metadata:  alert.Metadata,
			})
		}
	}
}
