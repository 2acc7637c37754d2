package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// Cache key prefixes
const (
	PrefixFeatureCost = "governor:feature_cost"
)

// Config holds cache configuration
type Config struct {
	DefaultTTL     time.Duration `json:"default_ttl"`
	FeatureCostTTL time.Duration `json:"feature_cost_ttl"`
	// MissingFeatureTTL bounds how long an unknown feature key is
	// remembered as unknown.
	MissingFeatureTTL time.Duration `json:"missing_feature_ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:        1 * time.Hour,
		FeatureCostTTL:    5 * time.Minute,
		MissingFeatureTTL: 30 * time.Second,
	}
}

// Service stores JSON values in Redis under prefixed keys
type Service struct {
	redis  *redis.Client
	config *Config
}

// NewService creates a new cache service
func NewService(client *redis.Client, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		redis:  client,
		config: config,
	}
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

// Set stores a value in cache with the specified TTL
func (s *Service) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}

	if err := s.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return errors.NewCacheError("failed to set cache value").WithCause(err)
	}

	return nil
}

// Get retrieves a value from cache. A missing key is a not-found error.
func (s *Service) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	data, err := s.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return errors.NewNotFoundError("cache key")
		}
		return errors.NewCacheError("failed to get cache value").WithCause(err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return errors.NewCacheError("failed to deserialize cache value").WithCause(err)
	}

	return nil
}

// Delete removes a value from cache
func (s *Service) Delete(ctx context.Context, key CacheKey) error {
	if err := s.redis.Del(ctx, key.String()).Err(); err != nil {
		return errors.NewCacheError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// InvalidatePrefix removes every key under prefix
func (s *Service) InvalidatePrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	pattern := prefix + ":*"

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return errors.NewCacheError("failed to scan keys").WithCause(err)
		}

		if len(keys) > 0 {
			if err := s.redis.Del(ctx, keys...).Err(); err != nil {
				return errors.NewCacheError("failed to delete keys").WithCause(err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
