package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type captureChannel struct {
	mu       sync.Mutex
	received []Notification
	err      error
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(ctx context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, *n)
	return c.err
}

func testNotification() Notification {
	return Notification{
		ID:        "alert-1",
		Type:      "budget",
		Severity:  "critical",
		Message:   "Daily AI budget nearly exhausted",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Metadata:  map[string]string{"utilization": "93.0"},
	}
}

func TestService_NotifyFansOutToAllChannels(t *testing.T) {
	service := NewService(nil, nil)
	first := &captureChannel{}
	second := &captureChannel{}
	service.AddChannel(first)
	service.AddChannel(second)

	service.Notify(context.Background(), testNotification())
	service.Wait()

	require.Len(t, first.received, 1)
	require.Len(t, second.received, 1)
	assert.Equal(t, "alert-1", first.received[0].ID)
	assert.Equal(t, []string{"capture", "capture"}, service.Channels())
}

func TestService_DeliveryFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	service := NewService(zap.New(core), nil)
	service.AddChannel(&captureChannel{err: errors.New("unreachable")})

	service.Notify(context.Background(), testNotification())
	service.Wait()

	entries := logs.FilterMessage("Failed to send alert notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "alert-1", entries[0].ContextMap()["alert_id"])
}

func TestService_DisabledDropsNotifications(t *testing.T) {
	service := NewService(nil, &Config{Enabled: false, SendTimeout: time.Second})
	channel := &captureChannel{}
	service.AddChannel(channel)

	service.Notify(context.Background(), testNotification())
	service.Wait()

	assert.Empty(t, channel.received)
}

func TestService_DeliveryOutlivesCancelledContext(t *testing.T) {
	service := NewService(nil, nil)
	channel := &captureChannel{}
	service.AddChannel(channel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	service.Notify(ctx, testNotification())
	service.Wait()

	assert.Len(t, channel.received, 1)
}

func TestSlackChannel_Send(t *testing.T) {
	var payload SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := testNotification()
	channel := NewSlackChannel(server.URL, "#ops-alerts", nil)
	require.NoError(t, channel.Send(context.Background(), &n))

	assert.Equal(t, "#ops-alerts", payload.Channel)
	assert.Equal(t, ":rotating_light:", payload.IconEmoji)
	require.Len(t, payload.Attachments, 1)
	assert.Equal(t, "#8b0000", payload.Attachments[0].Color)
	assert.Equal(t, "[critical] budget", payload.Attachments[0].Title)
	assert.Len(t, payload.Attachments[0].Fields, 3)
}

func TestSlackChannel_Errors(t *testing.T) {
	n := testNotification()
	assert.Error(t, NewSlackChannel("", "#ops", nil).Send(context.Background(), &n))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackChannel(server.URL, "#ops", nil).Send(context.Background(), &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestWebhookChannel_Send(t *testing.T) {
	var received Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Alert-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := testNotification()
	channel := NewWebhookChannel(server.URL, map[string]string{"X-Alert-Token": "secret"})
	require.NoError(t, channel.Send(context.Background(), &n))

	assert.Equal(t, "alert-1", received.ID)
	assert.Equal(t, "93.0", received.Metadata["utilization"])
}

func TestLogChannel_LevelFollowsSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	channel := NewLogChannel(zap.New(core))

	for _, severity := range []string{"low", "medium", "critical"} {
		n := testNotification()
		n.Severity = severity
		require.NoError(t, channel.Send(context.Background(), &n))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
