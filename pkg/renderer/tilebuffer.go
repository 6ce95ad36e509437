package renderer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Pixel is a lit pixel within one view tile of a TileBuffer, with
// coordinates in [0, 2^BufferSizePower).
type Pixel struct {
	X uint16
	Y uint16
}

// TileBuffer is the renderable output for a viewport: one pixel list per
// view tile, in row-major order. X echoes the requested coordinate and
// may lie outside [0, 2^z); the wrapped value was used for shading.
type TileBuffer struct {
	X               int64
	Y               int64
	Z               int
	Width           int64
	Height          int64
	BufferSizePower int
	TileData        [][]Pixel
}

// TileIndex returns the index into TileData for the view tile at
// (tileX, tileY) in viewport coordinates.
func (tb *TileBuffer) TileIndex(tileX, tileY int64) int {
	return int((tileY-tb.Y)*tb.Width + (tileX - tb.X))
}

// ToBytes encodes the buffer in a stable little-endian layout, suitable
// for transport and for byte-level comparison of render results.
func (tb *TileBuffer) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	for _, v := range []int64{tb.X, tb.Y, int64(tb.Z), tb.Width, tb.Height, int64(tb.BufferSizePower)} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("encoding tile buffer header: %w", err)
		}
	}

	for _, pixels := range tb.TileData {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(pixels))); err != nil {
			return nil, fmt.Errorf("encoding tile pixel count: %w", err)
		}
		for _, p := range pixels {
			if err := binary.Write(&buf, binary.LittleEndian, p.X); err != nil {
				return nil, err
			}
			if err := binary.Write(&buf, binary.LittleEndian, p.Y); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}
