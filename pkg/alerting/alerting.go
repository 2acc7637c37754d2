package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification is an alert as delivered to operators
type Notification struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NotificationChannel represents a notification channel
type NotificationChannel interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
}

// Config holds alerting configuration
type Config struct {
	Enabled     bool          `json:"enabled"`
	SendTimeout time.Duration `json:"send_timeout"`
}

// DefaultConfig returns default alerting configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		SendTimeout: 10 * time.Second,
	}
}

// Service fans notifications out to every registered channel
type Service struct {
	channels []NotificationChannel
	logger   *zap.Logger
	config   *Config
	mutex    sync.RWMutex
	inflight sync.WaitGroup
}

// NewService creates a new alerting service
func NewService(logger *zap.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		channels: make([]NotificationChannel, 0),
		logger:   logger,
		config:   config,
	}
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel NotificationChannel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels = append(s.channels, channel)
}

// Channels returns the names of the registered channels
func (s *Service) Channels() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.channels))
	for _, channel := range s.channels {
		names = append(names, channel.Name())
	}
	return names
}

// Notify delivers n to all channels in the background. It never blocks
// on a channel and never returns a delivery error; failures are logged.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if s == nil || !s.config.Enabled {
		return
	}

	s.mutex.RLock()
	channels := make([]NotificationChannel, len(s.channels))
	copy(channels, s.channels)
	s.mutex.RUnlock()

	// Delivery must outlive the request that raised the alert.
	ctx = context.WithoutCancel(ctx)

	for _, channel := range channels {
		s.inflight.Add(1)
		go func(ch NotificationChannel) {
			defer s.inflight.Done()

			sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
			defer cancel()

			notification := n
			if err := ch.Send(sendCtx, &notification); err != nil {
				s.logger.Error("Failed to send alert notification",
					zap.String("channel", ch.Name()),
					zap.String("alert_id", n.ID),
					zap.String("alert_type", n.Type),
					zap.Error(err))
			}
		}(channel)
	}
}

// Wait blocks until all in-flight deliveries finish
func (s *Service) Wait() {
	s.inflight.Wait()
}

// SlackChannel posts notifications to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	logger     *zap.Logger
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(webhookURL, channel string, logger *zap.Logger) *SlackChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   "Usage Governor",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

// Send sends a notification to Slack
func (sc *SlackChannel) Send(ctx context.Context, n *Notification) error {
	if sc.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	message := sc.buildMessage(n)
	if err := postJSON(ctx, sc.client, sc.webhookURL, message, nil); err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}

	sc.logger.Info("Sent Slack alert notification",
		zap.String("alert_id", n.ID),
		zap.String("severity", n.Severity))
	return nil
}

func (sc *SlackChannel) buildMessage(n *Notification) SlackMessage {
	attachment := SlackAttachment{
		Color:     colorForSeverity(n.Severity),
		Title:     fmt.Sprintf("[%s] %s", n.Severity, n.Type),
		Text:      n.Message,
		Footer:    "AI usage governor",
		Timestamp: n.Timestamp.Unix(),
		Fields: []SlackField{
			{Title: "Severity", Value: n.Severity, Short: true},
			{Title: "Type", Value: n.Type, Short: true},
		},
	}

	keys := make([]string, 0, len(n.Metadata))
	for key := range n.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attachment.Fields = append(attachment.Fields, SlackField{Title: key, Value: n.Metadata[key], Short: true})
	}

	return SlackMessage{
		Text:        n.Message,
		Username:    sc.username,
		Channel:     sc.channel,
		IconEmoji:   iconForSeverity(n.Severity),
		Attachments: []SlackAttachment{attachment},
	}
}

func colorForSeverity(severity string) string {
	switch severity {
	case "low":
		return "#36a64f"
	case "medium":
		return "#ff9500"
	case "high":
		return "#ff0000"
	case "critical":
		return "#8b0000"
	default:
		return "#808080"
	}
}

func iconForSeverity(severity string) string {
	switch severity {
	case "critical", "high":
		return ":rotating_light:"
	case "medium":
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// WebhookChannel posts the notification as JSON to an arbitrary endpoint
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send sends a notification via webhook
func (wc *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	if err := postJSON(ctx, wc.client, wc.url, n, wc.headers); err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	return nil
}

// LogChannel writes notifications to a zap logger
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a channel that only logs
func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

// Name returns the channel name
func (lc *LogChannel) Name() string {
	return "log"
}

// Send logs the notification at a level matching its severity
func (lc *LogChannel) Send(ctx context.Context, n *Notification) error {
	fields := []zap.Field{
		zap.String("alert_id", n.ID),
		zap.String("alert_type", n.Type),
		zap.String("severity", n.Severity),
		zap.Time("raised_at", n.Timestamp),
		zap.Any("metadata", n.Metadata),
	}

	switch n.Severity {
	case "critical", "high":
		lc.logger.Error(n.Message, fields...)
	case "medium":
		lc.logger.Warn(n.Message, fields...)
	default:
		lc.logger.Info(n.Message, fields...)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
