package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	client, err := NewRedisClient(&config.RedisConfig{
		Host:     mr.Host(),
		Port:     port,
		PoolSize: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return mr, client
}

type countingSource struct {
	costs ledger.StaticFeatureCosts
	calls atomic.Int32
}

func (s *countingSource) GetFeatureCost(ctx context.Context, featureKey string) (*ledger.FeatureCost, error) {
	s.calls.Add(1)
	return s.costs.GetFeatureCost(ctx, featureKey)
}

func (s *countingSource) List(ctx context.Context) ([]*ledger.FeatureCost, error) {
	var costs []*ledger.FeatureCost
	for key := range s.costs {
		cost, _ := s.costs.GetFeatureCost(ctx, key)
		costs = append(costs, cost)
	}
	return costs, nil
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient(nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, client := setupTestRedis(t)
	assert.NoError(t, client.Health(context.Background()))
	assert.NotNil(t, client.Stats())
}

func TestCacheService_SetAndGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	service := NewService(client.Client(), nil)
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "123"}
	require.NoError(t, service.Set(ctx, key, map[string]interface{}{"name": "test", "age": 30}, time.Minute))

	var result map[string]interface{}
	require.NoError(t, service.Get(ctx, key, &result))
	assert.Equal(t, "test", result["name"])
	assert.Equal(t, float64(30), result["age"]) // JSON unmarshaling converts to float64

	assert.Equal(t, time.Minute, mr.TTL(key.String()))

	mr.FastForward(2 * time.Minute)
	err := service.Get(ctx, key, &result)
	assert.True(t, errors.IsNotFound(err))
}

func TestCacheService_DefaultTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	service := NewService(client.Client(), &Config{DefaultTTL: 10 * time.Minute})
	ctx := context.Background()

	key := CacheKey{Prefix: "test", ID: "ttl"}
	require.NoError(t, service.Set(ctx, key, "value", 0))

	assert.Equal(t, 10*time.Minute, mr.TTL(key.String()))
}

func TestCacheService_DeleteAndInvalidatePrefix(t *testing.T) {
	mr, client := setupTestRedis(t)
	service := NewService(client.Client(), nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, service.Set(ctx, CacheKey{Prefix: "costs", ID: id}, 1, time.Minute))
	}
	require.NoError(t, service.Set(ctx, CacheKey{Prefix: "other", ID: "a"}, 1, time.Minute))

	require.NoError(t, service.Delete(ctx, CacheKey{Prefix: "costs", ID: "a"}))
	assert.False(t, mr.Exists("costs:a"))

	require.NoError(t, service.InvalidatePrefix(ctx, "costs"))
	assert.False(t, mr.Exists("costs:b"))
	assert.False(t, mr.Exists("costs:c"))
	assert.True(t, mr.Exists("other:a"))
}

func TestCacheService_CorruptValue(t *testing.T) {
	mr, client := setupTestRedis(t)
	service := NewService(client.Client(), nil)

	require.NoError(t, mr.Set("test:bad", "{not json"))

	var result map[string]string
	err := service.Get(context.Background(), CacheKey{Prefix: "test", ID: "bad"}, &result)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCache))
}

func TestFeatureCostCache_ReadThrough(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := metrics.NewMetrics(metrics.DefaultConfig(), prometheus.NewRegistry())
	source := &countingSource{costs: ledger.StaticFeatureCosts{"cover_letter": 5}}
	cache := NewFeatureCostCache(NewService(client.Client(), nil), source, nil, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cost, err := cache.GetFeatureCost(ctx, "cover_letter")
		require.NoError(t, err)
		assert.Equal(t, int64(5), cost.CostTokens)
		assert.True(t, cost.IsActive)
	}
	assert.Equal(t, int32(1), source.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")))

	mr.FastForward(6 * time.Minute)
	_, err := cache.GetFeatureCost(ctx, "cover_letter")
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())

	require.NoError(t, cache.Invalidate(ctx, "cover_letter"))
	_, err = cache.GetFeatureCost(ctx, "cover_letter")
	require.NoError(t, err)
	assert.Equal(t, int32(3), source.calls.Load())
}

func TestFeatureCostCache_RemembersUnknownKeys(t *testing.T) {
	mr, client := setupTestRedis(t)
	source := &countingSource{costs: ledger.StaticFeatureCosts{}}
	cache := NewFeatureCostCache(NewService(client.Client(), nil), source, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cache.GetFeatureCost(ctx, "ghost")
		assert.True(t, errors.IsNotFound(err))
	}
	assert.Equal(t, int32(1), source.calls.Load())

	mr.FastForward(time.Minute)
	_, err := cache.GetFeatureCost(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestFeatureCostCache_FallsBackWhenRedisFails(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := metrics.NewMetrics(metrics.DefaultConfig(), prometheus.NewRegistry())
	source := &countingSource{costs: ledger.StaticFeatureCosts{"cover_letter": 5}}
	cache := NewFeatureCostCache(NewService(client.Client(), nil), source, nil, m)

	mr.SetError("ERR injected failure")

	cost, err := cache.GetFeatureCost(context.Background(), "cover_letter")
	require.NoError(t, err)
	assert.Equal(t, int64(5), cost.CostTokens)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheRequests.WithLabelValues("error")))
}

func TestFeatureCostCache_WarmAndInvalidateAll(t *testing.T) {
	mr, client := setupTestRedis(t)
	source := &countingSource{costs: ledger.StaticFeatureCosts{"cover_letter": 5, "resume_review": 3}}
	cache := NewFeatureCostCache(NewService(client.Client(), nil), source, nil, nil)
	ctx := context.Background()

	n, err := cache.Warm(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists(PrefixFeatureCost+":resume_review"))

	cost, err := cache.GetFeatureCost(ctx, "resume_review")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost.CostTokens)
	assert.Equal(t, int32(0), source.calls.Load())

	require.NoError(t, cache.InvalidateAll(ctx))
	assert.False(t, mr.Exists(PrefixFeatureCost+":cover_letter"))
}

func TestFeatureCostCache_Spans(t *testing.T) {
	mr, client := setupTestRedis(t)
	source := &countingSource{costs: ledger.StaticFeatureCosts{"cover_letter": 5}}
	cache := NewFeatureCostCache(NewService(client.Client(), nil), source, nil, nil)

	recorder := tracetest.NewSpanRecorder()
	tracerConfig := tracing.DefaultConfig()
	tracerConfig.Enabled = true
	cache.SetTracer(tracing.NewWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), tracerConfig))
	ctx := context.Background()

	_, err := cache.GetFeatureCost(ctx, "cover_letter")
	require.NoError(t, err)
	_, err = cache.GetFeatureCost(ctx, "cover_letter")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "cover_letter"))

	mr.SetError("ERR injected failure")
	_, err = cache.GetFeatureCost(ctx, "cover_letter")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 4)

	results := make([]string, 0, 3)
	for _, span := range []sdktrace.ReadOnlySpan{spans[0], spans[1], spans[3]} {
		assert.Equal(t, "cache.get", span.Name())
		for _, attr := range span.Attributes() {
			if attr.Key == "cache.result" {
				results = append(results, attr.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{"miss", "hit", "error"}, results)
	assert.Equal(t, "cache.delete", spans[2].Name())
	assert.Equal(t, codes.Unset, spans[2].Status().Code)
	assert.Equal(t, codes.Error, spans[3].Status().Code)
}

func TestFeatureCostCache_FeedsLedger(t *testing.T) {
	_, client := setupTestRedis(t)
	source := &countingSource{costs: ledger.StaticFeatureCosts{"cover_letter": 5}}
	cache := NewFeatureCostCache(NewService(client.Client(), nil), source, nil, nil)
	l := ledger.New(ledger.NewMemoryStore(), cache)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Deduct(ctx, "user-1", "cover_letter", nil)
		require.NoError(t, err)
	}

	balance, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, int32(1), source.calls.Load())
}
