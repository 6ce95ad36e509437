package renderer

import (
	"sort"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
)

// tileZoom is the zoom level at which bitmap tiles partition the world.
const tileZoom = 9

const (
	// bits per tile axis, log2
	tileBitOffset = bitmap.TileWidthOffset + bitmap.BlockWidthOffset
	// bits across the whole world, log2
	worldBitOffset = bitmap.MapWidthOffset + tileBitOffset
)

// PixelCoord is a shader output pixel. Values may fall outside the buffer
// bounds; callers filter before use.
type PixelCoord struct {
	X int64
	Y int64
}

// GetPixelCoordinates returns the pixels to light in the view tile
// (tileX, tileY) at zoom z, rendered at a resolution of
// 2^bufferSizePower pixels per tile. tileX must already be wrapped into
// [0, 2^z). ox and oy offset every returned pixel. Output order is
// deterministic for a given bitmap content.
func GetPixelCoordinates(ox, oy int64, jb *bitmap.JourneyBitmap, tileX, tileY int64, z, bufferSizePower int) []PixelCoord {
	var pixels []PixelCoord

	if z >= tileZoom {
		bx := tileX >> (z - tileZoom)
		by := tileY >> (z - tileZoom)
		shadeBitmapTile(&pixels, jb, bx, by, tileX, tileY, z, bufferSizePower, ox, oy)
	} else {
		// Zoomed out: the view tile spans a square of bitmap tiles.
		scale := int64(1) << (tileZoom - z)
		for by := tileY * scale; by < (tileY+1)*scale; by++ {
			for bx := tileX * scale; bx < (tileX+1)*scale; bx++ {
				shadeBitmapTile(&pixels, jb, bx, by, tileX, tileY, z, bufferSizePower, ox, oy)
			}
		}
	}

	return pixels
}

func shadeBitmapTile(pixels *[]PixelCoord, jb *bitmap.JourneyBitmap, bx, by, tileX, tileY int64, z, p int, ox, oy int64) {
	tile, ok := jb.Tiles[bitmap.TileKey{X: uint16(bx), Y: uint16(by)}]
	if !ok {
		return
	}

	// The view tile covers [tileX<<22, (tileX+1)<<22) on the x axis in
	// scaled bit coordinates (bit coordinate << z), and likewise for y.
	viewLeft := tileX << worldBitOffset
	viewTop := tileY << worldBitOffset
	viewSpan := int64(1) << worldBitOffset
	bitSpan := int64(1) << z

	blockKeys := make([]bitmap.BlockKey, 0, len(tile.Blocks))
	for key := range tile.Blocks {
		blockKeys = append(blockKeys, key)
	}
	sort.Slice(blockKeys, func(i, j int) bool {
		if blockKeys[i].Y != blockKeys[j].Y {
			return blockKeys[i].Y < blockKeys[j].Y
		}
		return blockKeys[i].X < blockKeys[j].X
	})

	for _, blockKey := range blockKeys {
		blockBaseX := (bx << tileBitOffset) + (int64(blockKey.X) << bitmap.BlockWidthOffset)
		blockBaseY := (by << tileBitOffset) + (int64(blockKey.Y) << bitmap.BlockWidthOffset)

		// Skip blocks entirely outside the view tile.
		if (blockBaseX+bitmap.BlockWidth)<<z <= viewLeft || blockBaseX<<z >= viewLeft+viewSpan {
			continue
		}
		if (blockBaseY+bitmap.BlockWidth)<<z <= viewTop || blockBaseY<<z >= viewTop+viewSpan {
			continue
		}

		block := tile.Blocks[blockKey]
		for bitY := 0; bitY < bitmap.BlockWidth; bitY++ {
			if rowEmpty(block, bitY) {
				continue
			}
			dyS := (blockBaseY+int64(bitY))<<z - viewTop
			if dyS+bitSpan <= 0 || dyS >= viewSpan {
				continue
			}
			for bitX := 0; bitX < bitmap.BlockWidth; bitX++ {
				if !block.Is(bitX, bitY) {
					continue
				}
				dxS := (blockBaseX+int64(bitX))<<z - viewLeft
				if dxS+bitSpan <= 0 || dxS >= viewSpan {
					continue
				}

				pxStart, pxEnd := pixelRange(dxS, bitSpan, p)
				pyStart, pyEnd := pixelRange(dyS, bitSpan, p)
				for py := pyStart; py < pyEnd; py++ {
					for px := pxStart; px < pxEnd; px++ {
						*pixels = append(*pixels, PixelCoord{X: ox + px, Y: oy + py})
					}
				}
			}
		}
	}
}

// pixelRange maps a bit's extent in scaled coordinates to the half-open
// pixel range it lights. A bit smaller than one pixel lights exactly one.
func pixelRange(dS, bitSpan int64, p int) (int64, int64) {
	start := (dS << p) >> worldBitOffset
	end := ((dS + bitSpan) << p) >> worldBitOffset
	if end <= start {
		end = start + 1
	}
	if start < 0 {
		start = 0
	}
	if end > int64(1)<<p {
		end = int64(1) << p
	}
	return start, end
}

func rowEmpty(block *bitmap.Block, row int) bool {
	base := row * bitmap.BlockWidth / 8
	for i := 0; i < bitmap.BlockWidth/8; i++ {
		if block.Data[base+i] != 0 {
			return false
		}
	}
	return true
}
