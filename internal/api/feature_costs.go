package api

import (
	"context"

	"github.com/gin-gonic/gin"
)

// CostCacheInvalidator drops cached feature costs so price changes take
// effect before the cache TTL runs out
type CostCacheInvalidator interface {
	Invalidate(ctx context.Context, featureKey string) error
	InvalidateAll(ctx context.Context) error
}

// FeatureCostHandler manages the feature cost cache
type FeatureCostHandler struct {
	cache CostCacheInvalidator
}

// NewFeatureCostHandler creates a new feature cost handler
func NewFeatureCostHandler(cache CostCacheInvalidator) *FeatureCostHandler {
	return &FeatureCostHandler{cache: cache}
}

// InvalidateAll drops every cached feature cost
func (h *FeatureCostHandler) InvalidateAll(c *gin.Context) {
	if err := h.cache.InvalidateAll(c.Request.Context()); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"invalidated": "all"})
}

// Invalidate drops the cached cost of one feature
func (h *FeatureCostHandler) Invalidate(c *gin.Context) {
	featureKey := c.Param("featureKey")
	if err := h.cache.Invalidate(c.Request.Context(), featureKey); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"invalidated": featureKey})
}
