package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

// FeatureCostLister lists the whole price list for cache warming
type FeatureCostLister interface {
	List(ctx context.Context) ([]*ledger.FeatureCost, error)
}

// cachedCost is the cached form of a lookup; Missing remembers unknown keys
type cachedCost struct {
	ledger.FeatureCost
	Missing bool `json:"missing,omitempty"`
}

// FeatureCostCache is a read-through cache in front of a FeatureCostSource.
// Redis failures fall back to the source.
type FeatureCostCache struct {
	service *Service
	source  ledger.FeatureCostSource
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// NewFeatureCostCache creates a new feature cost cache
func NewFeatureCostCache(service *Service, source ledger.FeatureCostSource, logger *logging.Logger, m *metrics.Metrics) *FeatureCostCache {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &FeatureCostCache{
		service: service,
		source:  source,
		logger:  logger,
		metrics: m,
	}
}

// SetTracer records a span per cache lookup and invalidation
func (c *FeatureCostCache) SetTracer(t *tracing.TracingService) {
	c.tracer = t
}

// GetFeatureCost implements ledger.FeatureCostSource
func (c *FeatureCostCache) GetFeatureCost(ctx context.Context, featureKey string) (*ledger.FeatureCost, error) {
	key := CacheKey{Prefix: PrefixFeatureCost, ID: featureKey}

	ctx, span := c.tracer.StartCacheSpan(ctx, "get", key.String())
	defer span.End()

	var cached cachedCost
	err := c.service.Get(ctx, key, &cached)
	switch {
	case err == nil:
		c.metrics.RecordCacheRequest("hit")
		span.SetAttributes(attribute.String("cache.result", "hit"))
		if cached.Missing {
			return nil, errors.NewNotFoundError("feature cost")
		}
		cost := cached.FeatureCost
		return &cost, nil
	case errors.IsNotFound(err):
		c.metrics.RecordCacheRequest("miss")
		span.SetAttributes(attribute.String("cache.result", "miss"))
	default:
		c.metrics.RecordCacheRequest("error")
		span.SetAttributes(attribute.String("cache.result", "error"))
		tracing.RecordError(span, err)
		c.logger.WithContext(ctx).WithError(err).WithField("feature_key", featureKey).
			Warn("Feature cost cache read failed, using source")
	}

	cost, err := c.source.GetFeatureCost(ctx, featureKey)
	if err != nil {
		if errors.IsNotFound(err) {
			c.store(ctx, key, cachedCost{FeatureCost: ledger.FeatureCost{FeatureKey: featureKey}, Missing: true}, c.service.config.MissingFeatureTTL)
		}
		return nil, err
	}

	c.store(ctx, key, cachedCost{FeatureCost: *cost}, c.service.config.FeatureCostTTL)
	return cost, nil
}

// Invalidate drops one cached price
func (c *FeatureCostCache) Invalidate(ctx context.Context, featureKey string) error {
	key := CacheKey{Prefix: PrefixFeatureCost, ID: featureKey}
	ctx, span := c.tracer.StartCacheSpan(ctx, "delete", key.String())
	defer span.End()

	err := c.service.Delete(ctx, key)
	tracing.RecordError(span, err)
	if err == nil {
		c.logger.Info("Feature cost invalidated", "feature_key", featureKey)
	}
	return err
}

// InvalidateAll drops every cached price
func (c *FeatureCostCache) InvalidateAll(ctx context.Context) error {
	ctx, span := c.tracer.StartCacheSpan(ctx, "invalidate_prefix", PrefixFeatureCost)
	defer span.End()

	err := c.service.InvalidatePrefix(ctx, PrefixFeatureCost)
	tracing.RecordError(span, err)
	if err == nil {
		c.logger.Info("Feature cost cache cleared")
	}
	return err
}

// Warm loads the full price list into the cache and returns how many
// entries were stored.
func (c *FeatureCostCache) Warm(ctx context.Context, lister FeatureCostLister) (int, error) {
	costs, err := lister.List(ctx)
	if err != nil {
		return 0, err
	}

	for _, cost := range costs {
		key := CacheKey{Prefix: PrefixFeatureCost, ID: cost.FeatureKey}
		if err := c.service.Set(ctx, key, cachedCost{FeatureCost: *cost}, c.service.config.FeatureCostTTL); err != nil {
			return 0, err
		}
	}

	c.logger.Info("Feature cost cache warmed", "entries", len(costs))
	return len(costs), nil
}

func (c *FeatureCostCache) store(ctx context.Context, key CacheKey, value cachedCost, ttl time.Duration) {
	if err := c.service.Set(ctx, key, value, ttl); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("feature_key", value.FeatureKey).
			Warn("Failed to cache feature cost")
	}
}

var _ ledger.FeatureCostSource = (*FeatureCostCache)(nil)
