// Package renderer holds the map renderer: a working journey bitmap, an
// optional lazily-decompressed tile source behind it, and the production
// of tile buffers for a viewport. Rendering only materializes the tiles a
// viewport actually needs.
package renderer

import (
	"fmt"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
	"github.com/NERVsystems/tracemap/pkg/codec"
)

// LazyTileSource holds a serialized bitmap blob and its tile index for
// on-demand decompression. The blob is immutable after construction, so
// tile decompression needs no locking.
type LazyTileSource struct {
	rawData   []byte
	tileIndex codec.TileIndex
}

// NewLazyTileSource builds a source from a raw serialized bitmap blob.
// Only the tile directory is parsed; no tile data is decompressed.
func NewLazyTileSource(rawData []byte) (*LazyTileSource, error) {
	tileIndex, err := codec.ParseTileIndex(rawData)
	if err != nil {
		return nil, fmt.Errorf("parsing tile index: %w", err)
	}
	return &LazyTileSource{
		rawData:   rawData,
		tileIndex: tileIndex,
	}, nil
}

// DecompressTile decompresses a single tile on demand. Returns nil if the
// source has no tile at (x, y). Pure: repeated calls decompress fresh.
func (s *LazyTileSource) DecompressTile(x, y uint16) (*bitmap.Tile, error) {
	loc, ok := s.tileIndex[bitmap.TileKey{X: x, Y: y}]
	if !ok {
		return nil, nil
	}
	tile, err := codec.DeserializeTile(s.rawData[loc.Offset : loc.Offset+loc.Length])
	if err != nil {
		return nil, &codec.TileDecompressionError{X: x, Y: y, Err: err}
	}
	return tile, nil
}

// TileKeys returns the coordinates of every tile present in the source.
func (s *LazyTileSource) TileKeys() []bitmap.TileKey {
	keys := make([]bitmap.TileKey, 0, len(s.tileIndex))
	for key := range s.tileIndex {
		keys = append(keys, key)
	}
	return keys
}
