package renderer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
	"github.com/NERVsystems/tracemap/pkg/monitoring"
	"github.com/NERVsystems/tracemap/pkg/tracing"
)

// Viewport limits.
const (
	MaxViewportTiles   = 20
	MinZoom            = 0
	MaxZoom            = 25
	MinBufferSizePower = 6
	MaxBufferSizePower = 11
)

// Validation error codes.
const (
	ErrInvalidViewport   = "INVALID_VIEWPORT"
	ErrInvalidZoom       = "INVALID_ZOOM"
	ErrInvalidBufferSize = "INVALID_BUFFER_SIZE"
	ErrIndexOutOfBounds  = "INDEX_OUT_OF_BOUNDS"
)

// ValidationError reports an invalid render request.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapRenderer holds the working bitmap, an optional lazy tile source
// behind it, and a monotonic version for client-side cache revalidation.
// All state is guarded by a single mutex; operations are single-writer.
type MapRenderer struct {
	mu sync.Mutex

	workingBitmap *bitmap.JourneyBitmap
	lazySource    *LazyTileSource

	// loadedTiles doubles as a negative cache: a tile absent from the
	// source is still marked loaded so it is never looked up again.
	loadedTiles map[bitmap.TileKey]struct{}

	tileAreaCache map[bitmap.TileKey]float64
	version       uint64
	currentArea   *uint64
}

// New creates a renderer owning the given bitmap.
func New(jb *bitmap.JourneyBitmap) *MapRenderer {
	prepareBitmapForRendering(jb)
	return &MapRenderer{
		workingBitmap: jb,
		loadedTiles:   make(map[bitmap.TileKey]struct{}),
		tileAreaCache: make(map[bitmap.TileKey]float64),
	}
}

func prepareBitmapForRendering(jb *bitmap.JourneyBitmap) {
	for _, tile := range jb.Tiles {
		prepareTileForRendering(tile)
	}
}

// prepareTileForRendering is applied to every tile adopted by the
// renderer, reported changed by Update, or lazily loaded. Currently the
// identity transform; kept as the single hook for a future per-tile
// rendering preparation.
func prepareTileForRendering(_ *bitmap.Tile) {
}

// Update runs a caller-supplied mutation over the working bitmap. The
// mutator reports each tile position it changed through the sink; changed
// tiles are re-prepared and their area cache entries invalidated. Bumps
// the version.
func (r *MapRenderer) Update(f func(jb *bitmap.JourneyBitmap, tileChanged func(bitmap.TileKey))) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changedTiles []bitmap.TileKey
	f(r.workingBitmap, func(pos bitmap.TileKey) {
		changedTiles = append(changedTiles, pos)
	})

	for _, pos := range changedTiles {
		if tile, ok := r.workingBitmap.Tiles[pos]; ok {
			prepareTileForRendering(tile)
		}
		delete(r.tileAreaCache, pos)
	}

	r.reset()
}

// Replace swaps in a new working bitmap, dropping any lazy source. Bumps
// the version.
func (r *MapRenderer) Replace(jb *bitmap.JourneyBitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prepareBitmapForRendering(jb)
	r.workingBitmap = jb
	r.lazySource = nil
	r.loadedTiles = make(map[bitmap.TileKey]struct{})
	r.tileAreaCache = make(map[bitmap.TileKey]float64)
	r.reset()
}

// ReplaceLazy installs a lazy tile source for finalized journeys and a
// small bitmap containing just the ongoing journey data. Bumps the
// version.
func (r *MapRenderer) ReplaceLazy(source *LazyTileSource, ongoingBitmap *bitmap.JourneyBitmap) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prepareBitmapForRendering(ongoingBitmap)
	r.workingBitmap = ongoingBitmap
	r.lazySource = source
	r.loadedTiles = make(map[bitmap.TileKey]struct{})
	r.tileAreaCache = make(map[bitmap.TileKey]float64)
	r.reset()
}

// DropLazySource drops the lazy source and loaded-tile tracking to free
// memory. Tiles already merged into the working bitmap stay: the caller
// asked to free memory, not to forget state. Does not bump the version.
func (r *MapRenderer) DropLazySource() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lazySource = nil
	r.loadedTiles = make(map[bitmap.TileKey]struct{})
}

// reset bumps the version and drops the memoized area. Callers hold the
// lock.
func (r *MapRenderer) reset() {
	r.version++
	r.currentArea = nil
}

// GetCurrentVersion returns the version counter.
func (r *MapRenderer) GetCurrentVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// GetVersionString returns the version as lowercase hex.
func (r *MapRenderer) GetVersionString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strconv.FormatUint(r.version, 16)
}

// ParseVersionString parses a client-supplied version, tolerating
// surrounding quotes as sent in ETag headers.
func ParseVersionString(s string) (uint64, bool) {
	cleaned := strings.Trim(s, `"`)
	v, err := strconv.ParseUint(cleaned, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// HasChangedSince compares a client version (empty meaning none) with the
// current one. Returns the current version string and true if the client
// is stale, or false if it is up to date.
func (r *MapRenderer) HasChangedSince(clientVersion string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientVersion != "" {
		if v, ok := ParseVersionString(clientVersion); ok && v == r.version {
			return "", false
		}
	}
	return strconv.FormatUint(r.version, 16), true
}

// GetLatestBitmapIfChanged returns the working bitmap and current version
// when the client version is stale, without forcing lazy loading.
func (r *MapRenderer) GetLatestBitmapIfChanged(clientVersion string) (*bitmap.JourneyBitmap, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clientVersion != "" {
		if v, ok := ParseVersionString(clientVersion); ok && v == r.version {
			return nil, "", false
		}
	}
	return r.workingBitmap, strconv.FormatUint(r.version, 16), true
}

// PeekLatestBitmap returns the working bitmap without forcing lazy
// loading. The caller must not mutate it.
func (r *MapRenderer) PeekLatestBitmap() *bitmap.JourneyBitmap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workingBitmap
}

// GetCurrentArea loads every tile from the lazy source, then returns the
// footprint area in square meters, memoized until the next mutation.
func (r *MapRenderer) GetCurrentArea() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureAllTilesLoaded(); err != nil {
		return 0, err
	}
	if r.currentArea == nil {
		area := bitmap.ComputeArea(r.workingBitmap, r.tileAreaCache)
		r.currentArea = &area
	}
	return *r.currentArea, nil
}

// EnsureAllTilesLoaded pulls every tile from the lazy source into the
// working bitmap.
func (r *MapRenderer) EnsureAllTilesLoaded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureAllTilesLoaded()
}

func (r *MapRenderer) ensureAllTilesLoaded() error {
	if r.lazySource == nil {
		return nil
	}
	for _, key := range r.lazySource.TileKeys() {
		if err := r.ensureTileLoaded(key.X, key.Y); err != nil {
			return err
		}
	}
	return nil
}

// ensureTileLoaded merges a single tile from the lazy source into the
// working bitmap. The tile is marked loaded even when absent from the
// source so permanently-missing tiles are looked up only once. Lazy
// loading never bumps the version: conceptually the bitmap already
// contained the tile. Callers hold the lock.
func (r *MapRenderer) ensureTileLoaded(x, y uint16) error {
	key := bitmap.TileKey{X: x, Y: y}
	if _, ok := r.loadedTiles[key]; ok {
		return nil
	}
	r.loadedTiles[key] = struct{}{}

	if r.lazySource == nil {
		return nil
	}
	finalizedTile, err := r.lazySource.DecompressTile(x, y)
	if err != nil {
		return err
	}
	if finalizedTile == nil {
		return nil
	}

	prepareTileForRendering(finalizedTile)
	monitoring.TilesLoadedTotal.Inc()

	if existing, ok := r.workingBitmap.Tiles[key]; ok {
		// Tile already has ongoing journey data, merge finalized into it
		existing.MergeFrom(finalizedTile)
	} else {
		r.workingBitmap.Tiles[key] = finalizedTile
	}
	return nil
}

// GetTileBuffer renders the viewport into a TileBuffer, materializing any
// lazy tiles the viewport needs first. Validation happens before any tile
// work; an error on any view tile fails the whole call.
func (r *MapRenderer) GetTileBuffer(x, y int64, z int, width, height int64, bufferSizePower int) (*TileBuffer, error) {
	start := time.Now()
	_, span := tracing.StartSpan(context.Background(), "renderer.get_tile_buffer")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := validateViewport(x, y, z, width, height, bufferSizePower); err != nil {
		monitoring.RecordRenderRequest(time.Since(start), false)
		return nil, err
	}

	// Pre-load needed tiles from the lazy source before rendering.
	if r.lazySource != nil {
		needed := computeNeededBitmapTiles(x, y, z, width, height)
		for key := range needed {
			if err := r.ensureTileLoaded(key.X, key.Y); err != nil {
				monitoring.RecordRenderRequest(time.Since(start), false)
				return nil, err
			}
		}
	}

	buffer, err := tileBufferFromBitmap(r.workingBitmap, x, y, z, width, height, bufferSizePower)
	if err != nil {
		monitoring.RecordRenderRequest(time.Since(start), false)
		return nil, err
	}

	span.SetAttributes(tracing.RenderAttributes(x, y, z, int(width*height))...)
	monitoring.RecordRenderRequest(time.Since(start), true)
	return buffer, nil
}

func validateViewport(x, y int64, z int, width, height int64, bufferSizePower int) error {
	if width <= 0 || height <= 0 {
		return &ValidationError{
			Code:    ErrInvalidViewport,
			Message: fmt.Sprintf("invalid dimensions: width=%d, height=%d", width, height),
		}
	}
	if width > MaxViewportTiles || height > MaxViewportTiles {
		return &ValidationError{
			Code:    ErrInvalidViewport,
			Message: fmt.Sprintf("dimensions too large: width=%d, height=%d (max: %dx%d)", width, height, MaxViewportTiles, MaxViewportTiles),
		}
	}
	if z < MinZoom || z > MaxZoom {
		return &ValidationError{
			Code:    ErrInvalidZoom,
			Message: fmt.Sprintf("invalid zoom level: %d (must be %d-%d)", z, MinZoom, MaxZoom),
		}
	}
	if bufferSizePower < MinBufferSizePower || bufferSizePower > MaxBufferSizePower {
		return &ValidationError{
			Code:    ErrInvalidBufferSize,
			Message: fmt.Sprintf("invalid buffer_size_power: %d (must be %d-%d, corresponding to 64-2048 pixel tiles)", bufferSizePower, MinBufferSizePower, MaxBufferSizePower),
		}
	}
	zoomCoefficient := int64(1) << z
	if y < 0 || y >= zoomCoefficient {
		return &ValidationError{
			Code:    ErrInvalidViewport,
			Message: fmt.Sprintf("invalid y coordinate: %d (must be 0-%d)", y, zoomCoefficient-1),
		}
	}
	// x may be any value; it wraps modulo 2^z during shading.
	return nil
}

// computeNeededBitmapTiles returns the zoom-9 bitmap tiles intersecting
// the viewport. X wraps modulo the map width; out-of-range y is clipped.
func computeNeededBitmapTiles(x, y int64, z int, width, height int64) map[bitmap.TileKey]struct{} {
	tiles := make(map[bitmap.TileKey]struct{})
	zoomDiff := z - tileZoom
	mapWidth := int64(bitmap.MapWidth)

	for dy := int64(0); dy < height; dy++ {
		for dx := int64(0); dx < width; dx++ {
			viewX := x + dx
			viewY := y + dy

			if zoomDiff >= 0 {
				// Zoomed in: each view tile maps to one bitmap tile
				bx := viewX >> zoomDiff
				by := viewY >> zoomDiff
				bxWrapped := ((bx % mapWidth) + mapWidth) % mapWidth
				if by >= 0 && by < mapWidth {
					tiles[bitmap.TileKey{X: uint16(bxWrapped), Y: uint16(by)}] = struct{}{}
				}
			} else {
				// Zoomed out: each view tile covers multiple bitmap tiles
				scale := int64(1) << (-zoomDiff)
				for by := viewY * scale; by < (viewY+1)*scale; by++ {
					for bx := viewX * scale; bx < (viewX+1)*scale; bx++ {
						wrapped := ((bx % mapWidth) + mapWidth) % mapWidth
						if by >= 0 && by < mapWidth {
							tiles[bitmap.TileKey{X: uint16(wrapped), Y: uint16(by)}] = struct{}{}
						}
					}
				}
			}
		}
	}

	return tiles
}

// tileBufferFromBitmap shades every view tile in the viewport against the
// bitmap. The caller has already validated the viewport.
func tileBufferFromBitmap(jb *bitmap.JourneyBitmap, x, y int64, z int, width, height int64, bufferSizePower int) (*TileBuffer, error) {
	zoomCoefficient := int64(1) << z

	buffer := &TileBuffer{
		X:               x,
		Y:               y,
		Z:               z,
		Width:           width,
		Height:          height,
		BufferSizePower: bufferSizePower,
		TileData:        make([][]Pixel, width*height),
	}

	bufferSize := int64(1) << bufferSizePower

	for tileY := y; tileY < y+height; tileY++ {
		for tileX := x; tileX < x+width; tileX++ {
			// Wrap tile_x into the mercator coordinate range for shading;
			// the buffer echoes the unwrapped coordinate.
			tileXWrapped := ((tileX % zoomCoefficient) + zoomCoefficient) % zoomCoefficient

			pixels := GetPixelCoordinates(0, 0, jb, tileXWrapped, tileY, z, bufferSizePower)

			idx := buffer.TileIndex(tileX, tileY)
			if idx < 0 || idx >= len(buffer.TileData) {
				// Unreachable given validation above.
				return nil, &ValidationError{
					Code:    ErrIndexOutOfBounds,
					Message: fmt.Sprintf("tile index out of bounds: %d >= %d", idx, len(buffer.TileData)),
				}
			}

			tilePixels := buffer.TileData[idx]
			for _, p := range pixels {
				if p.X >= 0 && p.X < bufferSize && p.Y >= 0 && p.Y < bufferSize {
					tilePixels = append(tilePixels, Pixel{X: uint16(p.X), Y: uint16(p.Y)})
				}
			}
			buffer.TileData[idx] = tilePixels
		}
	}

	return buffer, nil
}
