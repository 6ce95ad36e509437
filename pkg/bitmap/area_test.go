package bitmap

import "testing"

func TestComputeAreaSinglePoint(t *testing.T) {
	jb := NewJourneyBitmap()
	jb.AddLine(0.0, 0.0, 0.0, 0.0)

	area := ComputeArea(jb, nil)
	if area == 0 {
		t.Fatal("a set pixel should have a non-zero area")
	}

	// One equatorial pixel of the 2^22 grid is roughly 9.6m x 9.6m.
	if area < 10 || area > 1000 {
		t.Errorf("equatorial pixel area out of plausible range: %d m2", area)
	}
}

func TestComputeAreaLatitudeWeighting(t *testing.T) {
	equator := NewJourneyBitmap()
	equator.AddLine(10.0, 0.0, 10.0, 0.0)
	north := NewJourneyBitmap()
	north.AddLine(10.0, 60.0, 10.0, 60.0)

	if ComputeArea(north, nil) >= ComputeArea(equator, nil) {
		t.Error("a pixel at 60N should cover less ground than one at the equator")
	}
}

func TestComputeAreaCache(t *testing.T) {
	jb := NewJourneyBitmap()
	jb.AddLine(151.14, -33.79, 151.28, -33.94)

	cache := make(map[TileKey]float64)
	first := ComputeArea(jb, cache)

	if len(cache) != len(jb.Tiles) {
		t.Errorf("expected one cache entry per tile: %d != %d", len(cache), len(jb.Tiles))
	}

	second := ComputeArea(jb, cache)
	if first != second {
		t.Errorf("cached recomputation diverged: %d != %d", first, second)
	}
}
