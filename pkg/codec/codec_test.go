package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
)

// regions used to build bitmaps spanning many distinct tiles
var regions = [][4]float64{
	{151.14, -33.79, 151.28, -33.94}, // Sydney
	{139.70, 35.60, 139.85, 35.75},   // Tokyo
	{-0.13, 51.48, 0.02, 51.53},      // London
	{-74.01, 40.70, -73.86, 40.85},   // New York
	{-43.20, -22.90, -43.05, -22.75}, // Rio
	{116.35, 39.85, 116.50, 40.00},   // Beijing
	{77.15, 28.55, 77.30, 28.70},     // Delhi
	{2.30, 48.83, 2.45, 48.88},       // Paris
	{37.55, 55.70, 37.70, 55.85},     // Moscow
	{-118.30, 33.95, -118.15, 34.10}, // Los Angeles
	{103.80, 1.25, 103.95, 1.40},     // Singapore
	{-46.60, -23.55, -46.45, -23.40}, // Sao Paulo
	{174.70, -36.85, 174.85, -36.70}, // Auckland
	{28.95, 41.00, 29.10, 41.15},     // Istanbul
	{100.50, 13.70, 100.65, 13.85},   // Bangkok
}

func multiRegionBitmap(t *testing.T) *bitmap.JourneyBitmap {
	t.Helper()
	jb := bitmap.NewJourneyBitmap()
	for _, r := range regions {
		jb.AddLine(r[0], r[1], r[2], r[3])
		jb.AddLine(r[0], r[3], r[2], r[1])
	}
	if len(jb.Tiles) < 10 {
		t.Fatalf("need at least 10 tiles for a meaningful test, got %d", len(jb.Tiles))
	}
	return jb
}

func serialize(t *testing.T, jb *bitmap.JourneyBitmap) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Serialize(jb, &buf); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	jb := multiRegionBitmap(t)
	blob := serialize(t, jb)

	restored, err := Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if !jb.Equal(restored) {
		t.Error("round-tripped bitmap differs from original")
	}
}

func TestRoundTripEmpty(t *testing.T) {
	jb := bitmap.NewJourneyBitmap()
	blob := serialize(t, jb)

	restored, err := Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if len(restored.Tiles) != 0 {
		t.Errorf("expected empty bitmap, got %d tiles", len(restored.Tiles))
	}
}

func TestSerializeDeterministic(t *testing.T) {
	jb := multiRegionBitmap(t)
	if !bytes.Equal(serialize(t, jb), serialize(t, jb)) {
		t.Error("serializing the same bitmap twice produced different blobs")
	}
}

func TestPerTileRoundTrip(t *testing.T) {
	jb := multiRegionBitmap(t)
	blob := serialize(t, jb)

	index, err := ParseTileIndex(blob)
	if err != nil {
		t.Fatalf("ParseTileIndex failed: %v", err)
	}

	for key, tile := range jb.Tiles {
		loc, ok := index[key]
		if !ok {
			t.Fatalf("tile (%d, %d) missing from index", key.X, key.Y)
		}
		restored, err := DeserializeTile(blob[loc.Offset : loc.Offset+loc.Length])
		if err != nil {
			t.Fatalf("DeserializeTile (%d, %d) failed: %v", key.X, key.Y, err)
		}
		if !tile.Equal(restored) {
			t.Errorf("tile (%d, %d) differs after round trip", key.X, key.Y)
		}
	}
}

func TestIndexMatchesFullParse(t *testing.T) {
	jb := multiRegionBitmap(t)
	blob := serialize(t, jb)

	index, err := ParseTileIndex(blob)
	if err != nil {
		t.Fatalf("ParseTileIndex failed: %v", err)
	}

	if len(index) != len(jb.Tiles) {
		t.Fatalf("index has %d tiles, bitmap has %d", len(index), len(jb.Tiles))
	}
	for key := range jb.Tiles {
		if _, ok := index[key]; !ok {
			t.Errorf("tile (%d, %d) missing from index", key.X, key.Y)
		}
	}
}

func TestParseTileIndexFasterThanDeserialize(t *testing.T) {
	jb := multiRegionBitmap(t)
	blob := serialize(t, jb)

	eagerStart := time.Now()
	if _, err := Deserialize(blob); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	eagerDuration := time.Since(eagerStart)

	lazyStart := time.Now()
	if _, err := ParseTileIndex(blob); err != nil {
		t.Fatalf("ParseTileIndex failed: %v", err)
	}
	lazyDuration := time.Since(lazyStart)

	t.Logf("full deserialize: %v, index parse: %v", eagerDuration, lazyDuration)
	if lazyDuration >= eagerDuration {
		t.Errorf("index parsing (%v) should be faster than full deserialization (%v) because it skips tile decompression",
			lazyDuration, eagerDuration)
	}
}

func TestParseTileIndexErrors(t *testing.T) {
	jb := multiRegionBitmap(t)
	blob := serialize(t, jb)

	badMagic := append([]byte(nil), blob...)
	badMagic[0] = 'X'

	badVersion := append([]byte(nil), blob...)
	badVersion[4] = 99

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: ErrMalformedBlob},
		{name: "too short", data: blob[:5], wantErr: ErrMalformedBlob},
		{name: "bad magic", data: badMagic, wantErr: ErrMalformedBlob},
		{name: "bad version", data: badVersion, wantErr: ErrUnsupportedVersion},
		{name: "truncated directory", data: blob[:headerSize+3], wantErr: ErrMalformedBlob},
		{name: "truncated payloads", data: blob[:len(blob)-10], wantErr: ErrMalformedBlob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTileIndex(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseTileIndex = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeserializeTileCorrupt(t *testing.T) {
	if _, err := DeserializeTile([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("expected error for corrupt tile payload")
	}
}
