package aggregator

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
	"github.com/NERVsystems/tracemap/pkg/cachedb"
	"github.com/NERVsystems/tracemap/pkg/journey"
)

func openStores(t *testing.T) (*journey.MainDb, *cachedb.CacheDb) {
	t.Helper()
	dir := t.TempDir()
	mainDb, err := journey.Open(filepath.Join(dir, "main.db"), slog.Default())
	if err != nil {
		t.Fatalf("opening main db: %v", err)
	}
	t.Cleanup(func() { mainDb.Close() })

	cacheDb, err := cachedb.Open(filepath.Join(dir, "cache.db"), slog.Default())
	if err != nil {
		t.Fatalf("opening cache db: %v", err)
	}
	t.Cleanup(func() { cacheDb.Close() })
	return mainDb, cacheDb
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func lineVector(startLng, startLat, endLng, endLat float64) *journey.Vector {
	return &journey.Vector{TrackSegments: []journey.TrackSegment{{
		TrackPoints: []journey.TrackPoint{
			{Longitude: startLng, Latitude: startLat},
			{Longitude: endLng, Latitude: endLat},
		},
	}}}
}

func TestAddVectorToBitmap(t *testing.T) {
	vector := &journey.Vector{TrackSegments: []journey.TrackSegment{
		{TrackPoints: []journey.TrackPoint{
			{Longitude: 151.14, Latitude: -33.79},
			{Longitude: 151.28, Latitude: -33.94},
		}},
		{TrackPoints: []journey.TrackPoint{
			{Longitude: 2.30, Latitude: 48.83},
		}},
	}}

	jb := bitmap.NewJourneyBitmap()
	AddVectorToBitmap(jb, vector)

	// The same drawing done by hand: a line per consecutive pair, and the
	// first point of each segment paired with itself.
	expected := bitmap.NewJourneyBitmap()
	expected.AddLine(151.14, -33.79, 151.14, -33.79)
	expected.AddLine(151.14, -33.79, 151.28, -33.94)
	expected.AddLine(2.30, 48.83, 2.30, 48.83)

	if !jb.Equal(expected) {
		t.Error("vector rasterization differs from the per-pair drawing")
	}
}

func TestAddVectorSegmentsIndependent(t *testing.T) {
	// Two single-point segments far apart: no line must connect them.
	vector := &journey.Vector{TrackSegments: []journey.TrackSegment{
		{TrackPoints: []journey.TrackPoint{{Longitude: 0.0, Latitude: 0.0}}},
		{TrackPoints: []journey.TrackPoint{{Longitude: 100.0, Latitude: 0.0}}},
	}}

	jb := bitmap.NewJourneyBitmap()
	AddVectorToBitmap(jb, vector)

	if got := len(jb.Tiles); got != 2 {
		t.Errorf("expected 2 isolated tiles, got %d", got)
	}
}

func TestBuildRangeFilters(t *testing.T) {
	mainDb, _ := openStores(t)

	add := func(id string, kind journey.Kind, day int, lng float64) {
		t.Helper()
		err := mainDb.AddJourney(
			journey.Header{ID: id, Kind: kind, Date: date(2024, 6, day)},
			journey.VectorData{Vector: lineVector(lng, 10.0, lng+0.1, 10.1)},
		)
		if err != nil {
			t.Fatalf("AddJourney(%s): %v", id, err)
		}
	}
	add("early-default", journey.KindDefault, 1, 10.0)
	add("mid-flight", journey.KindFlight, 15, 20.0)
	add("late-default", journey.KindDefault, 28, 30.0)

	render := func(from, to time.Time, kind *journey.Kind) *bitmap.JourneyBitmap {
		t.Helper()
		var jb *bitmap.JourneyBitmap
		err := mainDb.WithTxn(func(txn *journey.Txn) error {
			var err error
			jb, err = BuildRange(txn, from, to, kind)
			return err
		})
		if err != nil {
			t.Fatalf("BuildRange: %v", err)
		}
		return jb
	}

	// Date filter: only the middle journey
	mid := render(date(2024, 6, 10), date(2024, 6, 20), nil)
	expectedMid := bitmap.NewJourneyBitmap()
	AddVectorToBitmap(expectedMid, lineVector(20.0, 10.0, 20.1, 10.1))
	if !mid.Equal(expectedMid) {
		t.Error("date-filtered range differs from the single matching journey")
	}

	// Kind filter: only default journeys
	kindDefault := journey.KindDefault
	defaults := render(date(2024, 6, 1), date(2024, 6, 30), &kindDefault)
	expectedDefaults := bitmap.NewJourneyBitmap()
	AddVectorToBitmap(expectedDefaults, lineVector(10.0, 10.0, 10.1, 10.1))
	AddVectorToBitmap(expectedDefaults, lineVector(30.0, 10.0, 30.1, 10.1))
	if !defaults.Equal(expectedDefaults) {
		t.Error("kind-filtered range differs from the default journeys")
	}
}

func TestAggregationOrderIndependent(t *testing.T) {
	// Same journeys, opposite date assignment: the fold order over headers
	// differs, the merged bitmap must not.
	buildStore := func(swap bool) *bitmap.JourneyBitmap {
		mainDb, cacheDb := openStores(t)
		d1, d2 := 1, 2
		if swap {
			d1, d2 = 2, 1
		}
		if err := mainDb.AddJourney(
			journey.Header{ID: "a", Kind: journey.KindDefault, Date: date(2024, 6, d1)},
			journey.VectorData{Vector: lineVector(151.14, -33.79, 151.28, -33.94)},
		); err != nil {
			t.Fatal(err)
		}
		if err := mainDb.AddJourney(
			journey.Header{ID: "b", Kind: journey.KindDefault, Date: date(2024, 6, d2)},
			journey.VectorData{Vector: lineVector(151.14, -33.94, 151.28, -33.79)},
		); err != nil {
			t.Fatal(err)
		}
		layer := journey.LayerForKind(journey.KindDefault)
		jb, err := GetLatest(mainDb, cacheDb, &layer, false)
		if err != nil {
			t.Fatalf("GetLatest: %v", err)
		}
		return jb
	}

	if !buildStore(false).Equal(buildStore(true)) {
		t.Error("aggregation result depends on journey order")
	}
}

func TestGetLatestMixedData(t *testing.T) {
	mainDb, cacheDb := openStores(t)

	raster := bitmap.NewJourneyBitmap()
	raster.AddLine(151.14, -33.79, 151.28, -33.94)
	if err := mainDb.AddJourney(
		journey.Header{ID: "raster", Kind: journey.KindDefault, Date: date(2024, 1, 1)},
		journey.BitmapData{Bitmap: raster},
	); err != nil {
		t.Fatal(err)
	}
	if err := mainDb.AddJourney(
		journey.Header{ID: "polyline", Kind: journey.KindDefault, Date: date(2024, 1, 2)},
		journey.VectorData{Vector: lineVector(2.30, 48.83, 2.45, 48.88)},
	); err != nil {
		t.Fatal(err)
	}

	layer := journey.LayerForKind(journey.KindDefault)
	jb, err := GetLatest(mainDb, cacheDb, &layer, false)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}

	expected := bitmap.NewJourneyBitmap()
	expected.AddLine(151.14, -33.79, 151.28, -33.94)
	AddVectorToBitmap(expected, lineVector(2.30, 48.83, 2.45, 48.88))
	if !jb.Equal(expected) {
		t.Error("raster and polyline journeys do not merge as expected")
	}
}

func TestGetLatestWithOngoing(t *testing.T) {
	mainDb, cacheDb := openStores(t)

	if err := mainDb.SetOngoingJourney(lineVector(100.50, 13.70, 100.65, 13.85)); err != nil {
		t.Fatal(err)
	}

	// No layer: only the ongoing journey shows up
	jb, err := GetLatest(mainDb, cacheDb, nil, true)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	expected := bitmap.NewJourneyBitmap()
	AddVectorToBitmap(expected, lineVector(100.50, 13.70, 100.65, 13.85))
	if !jb.Equal(expected) {
		t.Error("ongoing-only bitmap differs")
	}

	// Ongoing excluded: nothing
	jb, err = GetLatest(mainDb, cacheDb, nil, false)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if len(jb.Tiles) != 0 {
		t.Errorf("expected empty bitmap, got %d tiles", len(jb.Tiles))
	}
}

func TestAllLayerComposition(t *testing.T) {
	mainDb, cacheDb := openStores(t)

	if err := mainDb.AddJourney(
		journey.Header{ID: "walk", Kind: journey.KindDefault, Date: date(2024, 1, 1)},
		journey.VectorData{Vector: lineVector(151.14, -33.79, 151.28, -33.94)},
	); err != nil {
		t.Fatal(err)
	}
	if err := mainDb.AddJourney(
		journey.Header{ID: "flight", Kind: journey.KindFlight, Date: date(2024, 1, 2)},
		journey.VectorData{Vector: lineVector(151.2, -33.87, 139.77, 35.68)},
	); err != nil {
		t.Fatal(err)
	}

	layerAll := journey.LayerAll
	all, err := GetLatest(mainDb, cacheDb, &layerAll, false)
	if err != nil {
		t.Fatalf("GetLatest(all): %v", err)
	}

	layerDefault := journey.LayerForKind(journey.KindDefault)
	defaultBitmap, err := GetLatest(mainDb, cacheDb, &layerDefault, false)
	if err != nil {
		t.Fatalf("GetLatest(default): %v", err)
	}
	layerFlight := journey.LayerForKind(journey.KindFlight)
	flightBitmap, err := GetLatest(mainDb, cacheDb, &layerFlight, false)
	if err != nil {
		t.Fatalf("GetLatest(flight): %v", err)
	}

	defaultBitmap.Merge(flightBitmap)
	if !all.Equal(defaultBitmap) {
		t.Error("the all layer differs from the union of the per-kind layers")
	}

	// Composing the all layer warmed the per-kind layers too
	for _, layer := range []journey.LayerKind{layerDefault, layerFlight, layerAll} {
		blob, err := cacheDb.GetFullJourneyCacheRaw(layer)
		if err != nil {
			t.Fatalf("GetFullJourneyCacheRaw(%s): %v", layer, err)
		}
		if blob == nil {
			t.Errorf("layer %s not cached after composition", layer)
		}
	}
}

func TestGetLatestLazy(t *testing.T) {
	mainDb, cacheDb := openStores(t)

	if err := mainDb.AddJourney(
		journey.Header{ID: "walk", Kind: journey.KindDefault, Date: date(2024, 1, 1)},
		journey.VectorData{Vector: lineVector(151.14, -33.79, 151.28, -33.94)},
	); err != nil {
		t.Fatal(err)
	}
	if err := mainDb.SetOngoingJourney(lineVector(100.50, 13.70, 100.65, 13.85)); err != nil {
		t.Fatal(err)
	}

	layer := journey.LayerAll

	// Cold cache: falls back to the eager path and populates the cache
	blob, jb, err := GetLatestLazy(mainDb, cacheDb, &layer, true)
	if err != nil {
		t.Fatalf("GetLatestLazy (cold): %v", err)
	}
	if blob != nil {
		t.Error("expected no blob on a cold cache")
	}
	if len(jb.Tiles) == 0 {
		t.Error("eager fallback should contain the journeys")
	}

	// Warm cache: returns the blob plus a small ongoing bitmap
	blob, ongoing, err := GetLatestLazy(mainDb, cacheDb, &layer, true)
	if err != nil {
		t.Fatalf("GetLatestLazy (warm): %v", err)
	}
	if blob == nil {
		t.Fatal("expected a blob on a warm cache")
	}
	expectedOngoing := bitmap.NewJourneyBitmap()
	AddVectorToBitmap(expectedOngoing, lineVector(100.50, 13.70, 100.65, 13.85))
	if !ongoing.Equal(expectedOngoing) {
		t.Error("ongoing bitmap differs from the recording")
	}
}
