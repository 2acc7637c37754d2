package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/resilience"
)

// MonitoringHandler exposes health snapshots and alerts to the ops dashboard
type MonitoringHandler struct {
	monitor  *monitoring.Service
	breakers *resilience.BreakerSet
}

// ProviderStatus is the breaker view of one provider
type ProviderStatus struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Available           bool   `json:"available"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// NewMonitoringHandler creates a new monitoring handler. breakers may be nil.
func NewMonitoringHandler(monitor *monitoring.Service, breakers *resilience.BreakerSet) *MonitoringHandler {
	return &MonitoringHandler{monitor: monitor, breakers: breakers}
}

// GetHealth computes a fresh snapshot
func (h *MonitoringHandler) GetHealth(c *gin.Context) {
	SuccessResponse(c, h.monitor.GetCurrentHealth())
}

// GetHistory returns snapshots from the last window, one hour by default
func (h *MonitoringHandler) GetHistory(c *gin.Context) {
	window := time.Hour
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			BadRequestResponse(c, "window must be a positive duration such as 30m")
			return
		}
		window = parsed
	}

	history := h.monitor.GetHistoryWindow(window)
	if history == nil {
		history = []*monitoring.HealthMetrics{}
	}
	SuccessResponse(c, history)
}

// GetAlerts returns unacknowledged alerts, or all retained alerts with ?all=true
func (h *MonitoringHandler) GetAlerts(c *gin.Context) {
	var alerts []*monitoring.Alert
	if c.Query("all") == "true" {
		alerts = h.monitor.GetAlerts()
	} else {
		alerts = h.monitor.GetActiveAlerts()
	}
	if alerts == nil {
		alerts = []*monitoring.Alert{}
	}
	SuccessResponse(c, alerts)
}

// AcknowledgeAlert marks an alert as handled
func (h *MonitoringHandler) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	if !h.monitor.AcknowledgeAlert(id) {
		NotFoundResponse(c, "Alert not found")
		return
	}
	SuccessResponse(c, gin.H{"id": id, "acknowledged": true})
}

// GetProviders lists every provider breaker in name order
func (h *MonitoringHandler) GetProviders(c *gin.Context) {
	statuses := []ProviderStatus{}
	if h.breakers != nil {
		for _, name := range h.breakers.Providers() {
			cb := h.breakers.Get(name)
			counts := cb.Counts()
			state := cb.State()
			statuses = append(statuses, ProviderStatus{
				Name:                name,
				State:               state.String(),
				Available:           state != resilience.StateOpen,
				Requests:            counts.Requests,
				TotalFailures:       counts.TotalFailures,
				ConsecutiveFailures: counts.ConsecutiveFailures,
			})
		}
	}
	SuccessResponse(c, statuses)
}
