package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for renderer and cache operations
const (
	// Render attributes
	AttrRenderZoom       = "render.zoom"
	AttrRenderViewportX  = "render.viewport.x"
	AttrRenderViewportY  = "render.viewport.y"
	AttrRenderTileCount  = "render.tile_count"
	AttrRenderPixelCount = "render.pixel_count"

	// Cache attributes
	AttrCacheType = "tracemap.cache.type"
	AttrCacheHit  = "tracemap.cache.hit"
	AttrCacheKey  = "tracemap.cache.key"

	// Layer attributes
	AttrLayerKind = "tracemap.layer.kind"

	// Store attributes
	AttrStoreOperation = "tracemap.store.operation"
	AttrJourneyID      = "tracemap.journey.id"
	AttrJourneyKind    = "tracemap.journey.kind"

	// HTTP transport attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrHTTPPath       = "http.path"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusRateLimited = "rate_limited"
)

// Cache types
const (
	CacheTypeLayer = "layer"
	CacheTypeBlob  = "blob"
)

// Helper functions for common attributes

// CacheAttributes returns attributes for cache operations
func CacheAttributes(cacheType string, hit bool, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheType, cacheType),
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
	}
}

// RenderAttributes returns attributes for tile buffer rendering
func RenderAttributes(x, y int64, zoom int, tileCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(AttrRenderViewportX, x),
		attribute.Int64(AttrRenderViewportY, y),
		attribute.Int(AttrRenderZoom, zoom),
		attribute.Int(AttrRenderTileCount, tileCount),
	}
}

// ErrorAttributes returns attributes for errors
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, "error"),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
