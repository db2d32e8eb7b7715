package handlers

import (
	"fmt"

	gometrics "github.com/docker/go-metrics"

	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/metrics"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// detailCacheCount tracks requests against the image detail cache by outcome.
var detailCacheCount = metrics.CacheNamespace.NewLabeledCounter(
	"image_detail", "The number of image detail cache requests", "type",
)

func init() {
	gometrics.Register(metrics.CacheNamespace)
}

// detailCacheKey returns the Redis key under which an image's rendered detail
// payload is cached. The hash tag groups keys for the same image on the same
// cluster slot.
func detailCacheKey(id int64) string {
	return fmt.Sprintf("registry:api:{image-detail:%d}", id)
}

// imageDetailCached renders the detail view of an image, serving it from the
// Redis cache when one is configured. Cache failures fall back to a direct
// render.
func (ctx *Context) imageDetailCached(img *models.Image) imageDetail {
	if ctx.redisCache == nil {
		return newImageDetail(img)
	}

	detailCacheCount.WithValues("Request").Inc(1)

	var detail imageDetail
	if err := ctx.redisCache.UnmarshalGet(ctx, detailCacheKey(img.ID), &detail); err == nil {
		detailCacheCount.WithValues("Hit").Inc(1)
		return detail
	}
	detailCacheCount.WithValues("Miss").Inc(1)

	detail = newImageDetail(img)
	if err := ctx.redisCache.MarshalSet(ctx, detailCacheKey(img.ID), detail); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("failed caching image detail payload")
	}

	return detail
}

// invalidateDetailCache drops the cached detail payload for an image. Called
// on every mutation of the image or its grants.
func (ctx *Context) invalidateDetailCache(id int64) {
	if ctx.redisCache == nil {
		return
	}

	if err := ctx.redisCache.Delete(ctx, detailCacheKey(id)); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("failed invalidating image detail cache")
	}
}
