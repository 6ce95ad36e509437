// Package codec serializes journey bitmaps into a self-describing blob:
// a directory of tile coordinates with byte offsets, followed by
// independently zstd-compressed tile payloads. The directory can be parsed
// without touching any payload, which is what makes lazy tile loading cheap.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
)

// Blob layout (all integers little-endian):
//
//	magic    [4]byte  "TMBM"
//	version  uint8
//	count    uint32
//	entries  count * {x uint16, y uint16, offset uint32, length uint32}
//	payloads count zstd streams, one per entry
//
// Offsets are absolute byte indices into the blob.
const (
	FormatVersion = 1

	headerSize = 4 + 1 + 4
	entrySize  = 2 + 2 + 4 + 4
)

var magic = [4]byte{'T', 'M', 'B', 'M'}

var (
	// ErrMalformedBlob indicates a truncated blob or a magic mismatch.
	ErrMalformedBlob = errors.New("malformed bitmap blob")

	// ErrUnsupportedVersion indicates a blob written by an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported bitmap blob version")
)

// TileDecompressionError reports a tile payload that failed to decompress
// or decode.
type TileDecompressionError struct {
	X   uint16
	Y   uint16
	Err error
}

func (e *TileDecompressionError) Error() string {
	return fmt.Sprintf("tile (%d, %d) decompression failed: %v", e.X, e.Y, e.Err)
}

func (e *TileDecompressionError) Unwrap() error { return e.Err }

// TileLocation references a tile payload within a blob.
type TileLocation struct {
	Offset int
	Length int
}

// TileIndex maps tile coordinates to payload locations.
type TileIndex map[bitmap.TileKey]TileLocation

// Shared zstd coders; construction with default options cannot fail.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Serialize writes the bitmap to the sink in blob format. Tiles are
// emitted in (y, x) order so the same bitmap always produces the same blob.
func Serialize(jb *bitmap.JourneyBitmap, w io.Writer) error {
	keys := make([]bitmap.TileKey, 0, len(jb.Tiles))
	for key := range jb.Tiles {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].X < keys[j].X
	})

	payloads := make([][]byte, len(keys))
	for i, key := range keys {
		payloads[i] = zstdEncoder.EncodeAll(encodeTile(jb.Tiles[key]), nil)
	}

	header := make([]byte, headerSize+len(keys)*entrySize)
	copy(header[0:4], magic[:])
	header[4] = FormatVersion
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(keys)))

	offset := len(header)
	for i, key := range keys {
		entry := header[headerSize+i*entrySize:]
		binary.LittleEndian.PutUint16(entry[0:2], key.X)
		binary.LittleEndian.PutUint16(entry[2:4], key.Y)
		binary.LittleEndian.PutUint32(entry[4:8], uint32(offset))
		binary.LittleEndian.PutUint32(entry[8:12], uint32(len(payloads[i])))
		offset += len(payloads[i])
	}

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing blob header: %w", err)
	}
	for _, payload := range payloads {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing tile payload: %w", err)
		}
	}
	return nil
}

// ParseTileIndex reads only the blob directory. No tile payload is
// decompressed, so this is strictly cheaper than Deserialize.
func ParseTileIndex(data []byte) (TileIndex, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedBlob, len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedBlob)
	}
	if data[4] != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, data[4])
	}

	count := int(binary.LittleEndian.Uint32(data[5:9]))
	if len(data) < headerSize+count*entrySize {
		return nil, fmt.Errorf("%w: truncated directory", ErrMalformedBlob)
	}

	index := make(TileIndex, count)
	for i := 0; i < count; i++ {
		entry := data[headerSize+i*entrySize:]
		key := bitmap.TileKey{
			X: binary.LittleEndian.Uint16(entry[0:2]),
			Y: binary.LittleEndian.Uint16(entry[2:4]),
		}
		loc := TileLocation{
			Offset: int(binary.LittleEndian.Uint32(entry[4:8])),
			Length: int(binary.LittleEndian.Uint32(entry[8:12])),
		}
		if loc.Offset < 0 || loc.Length < 0 || loc.Offset+loc.Length > len(data) {
			return nil, fmt.Errorf("%w: tile (%d, %d) payload out of range", ErrMalformedBlob, key.X, key.Y)
		}
		index[key] = loc
	}
	return index, nil
}

// Deserialize fully reconstructs a bitmap from a blob.
func Deserialize(data []byte) (*bitmap.JourneyBitmap, error) {
	index, err := ParseTileIndex(data)
	if err != nil {
		return nil, err
	}

	jb := bitmap.NewJourneyBitmap()
	for key, loc := range index {
		tile, err := DeserializeTile(data[loc.Offset : loc.Offset+loc.Length])
		if err != nil {
			return nil, &TileDecompressionError{X: key.X, Y: key.Y, Err: err}
		}
		jb.Tiles[key] = tile
	}
	return jb, nil
}

// DeserializeTile reconstructs a single tile from its compressed payload.
func DeserializeTile(payload []byte) (*bitmap.Tile, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeTile(raw)
}

// encodeTile produces the uncompressed tile payload: a block count
// followed by {x uint8, y uint8, data [BlockSizeBytes]byte} records in
// (y, x) order.
func encodeTile(tile *bitmap.Tile) []byte {
	keys := make([]bitmap.BlockKey, 0, len(tile.Blocks))
	for key := range tile.Blocks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].X < keys[j].X
	})

	buf := make([]byte, 2+len(keys)*(2+bitmap.BlockSizeBytes))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(keys)))
	pos := 2
	for _, key := range keys {
		buf[pos] = key.X
		buf[pos+1] = key.Y
		copy(buf[pos+2:], tile.Blocks[key].Data[:])
		pos += 2 + bitmap.BlockSizeBytes
	}
	return buf
}

func decodeTile(raw []byte) (*bitmap.Tile, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("tile payload too short: %d bytes", len(raw))
	}
	count := int(binary.LittleEndian.Uint16(raw[0:2]))
	if len(raw) != 2+count*(2+bitmap.BlockSizeBytes) {
		return nil, fmt.Errorf("tile payload size mismatch: %d blocks, %d bytes", count, len(raw))
	}

	tile := bitmap.NewTile()
	pos := 2
	for i := 0; i < count; i++ {
		key := bitmap.BlockKey{X: raw[pos], Y: raw[pos+1]}
		block := &bitmap.Block{}
		copy(block.Data[:], raw[pos+2:pos+2+bitmap.BlockSizeBytes])
		tile.Blocks[key] = block
		pos += 2 + bitmap.BlockSizeBytes
	}
	return tile, nil
}
