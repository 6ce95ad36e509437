// Package aggregator merges stored journeys into a single queryable
// bitmap. Journeys are stored one by one, but rendering needs them folded
// together, filtered by date range and kind, with finalized layers served
// through the cache.
package aggregator

import (
	"fmt"
	"time"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
	"github.com/NERVsystems/tracemap/pkg/cachedb"
	"github.com/NERVsystems/tracemap/pkg/journey"
)

// AddVectorToBitmap rasterizes a polyline journey into the bitmap. Each
// consecutive pair of points within a segment becomes a line; the first
// point of a segment pairs with itself, marking a single pixel. Segments
// never connect to each other.
func AddVectorToBitmap(jb *bitmap.JourneyBitmap, vector *journey.Vector) {
	for _, segment := range vector.TrackSegments {
		for i, point := range segment.TrackPoints {
			prevIdx := i - 1
			if prevIdx < 0 {
				prevIdx = 0
			}
			prev := segment.TrackPoints[prevIdx]
			jb.AddLine(prev.Longitude, prev.Latitude, point.Longitude, point.Latitude)
		}
	}
}

// buildRange folds every journey in [from, to] (inclusive, nil meaning
// unbounded) matching kind (nil meaning any) into a fresh bitmap. Any
// store error aborts the build; a partial bitmap is never returned.
func buildRange(txn *journey.Txn, from, to *time.Time, kind *journey.Kind) (*bitmap.JourneyBitmap, error) {
	result := bitmap.NewJourneyBitmap()

	headers, err := txn.QueryJourneys(from, to)
	if err != nil {
		return nil, err
	}

	for _, header := range headers {
		if kind != nil && *kind != header.Kind {
			continue
		}

		data, err := txn.GetJourneyData(header.ID)
		if err != nil {
			return nil, err
		}
		switch d := data.(type) {
		case journey.BitmapData:
			result.Merge(d.Bitmap)
		case journey.VectorData:
			AddVectorToBitmap(result, d.Vector)
		default:
			return nil, fmt.Errorf("unknown journey data variant %T for %s", data, header.ID)
		}
	}

	return result, nil
}

// BuildRange returns the merged bitmap for a bounded date range,
// optionally filtered by kind. Used by the time machine view.
func BuildRange(txn *journey.Txn, from, to time.Time, kind *journey.Kind) (*bitmap.JourneyBitmap, error) {
	return buildRange(txn, &from, &to, kind)
}

// allFinalized returns the layer's merged bitmap through the cache. The
// composite layer is built from the per-kind layers, each fetched through
// the same cache, so kind layers stay warm in isolation and composition
// is a cheap merge.
func allFinalized(txn *journey.Txn, cacheDb *cachedb.CacheDb, layerKind journey.LayerKind) (*bitmap.JourneyBitmap, error) {
	return cacheDb.GetFullJourneyCacheOrCompute(layerKind, func() (*bitmap.JourneyBitmap, error) {
		if layerKind.IsAll() {
			defaultBitmap, err := allFinalized(txn, cacheDb, journey.LayerForKind(journey.KindDefault))
			if err != nil {
				return nil, err
			}
			flightBitmap, err := allFinalized(txn, cacheDb, journey.LayerForKind(journey.KindFlight))
			if err != nil {
				return nil, err
			}
			defaultBitmap.Merge(flightBitmap)
			return defaultBitmap, nil
		}

		kind, _ := layerKind.JourneyKind()
		return buildRange(txn, nil, nil, &kind)
	})
}

// GetLatest returns the merged bitmap for the main map: the finalized
// journeys of the layer (nil meaning no finalized layer at all) plus,
// optionally, the in-progress recording.
func GetLatest(mainDb *journey.MainDb, cacheDb *cachedb.CacheDb, layerKind *journey.LayerKind, includeOngoing bool) (*bitmap.JourneyBitmap, error) {
	var result *bitmap.JourneyBitmap
	err := mainDb.WithTxn(func(txn *journey.Txn) error {
		var jb *bitmap.JourneyBitmap
		if layerKind != nil {
			var err error
			jb, err = allFinalized(txn, cacheDb, *layerKind)
			if err != nil {
				return err
			}
		} else {
			jb = bitmap.NewJourneyBitmap()
		}

		if includeOngoing {
			vector, err := txn.GetOngoingJourney()
			if err != nil {
				return err
			}
			if vector != nil {
				AddVectorToBitmap(jb, vector)
			}
		}

		// Reading through the cache must never stage a write on the
		// main store's transaction.
		if txn.Action != nil {
			return fmt.Errorf("unexpected staged action on read transaction: %s", *txn.Action)
		}
		result = jb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetLatestLazy is the lazy variant of GetLatest.
//
// On a cache hit it returns the raw serialized blob of the finalized
// layer (for the caller to wrap in a LazyTileSource) together with a
// small bitmap holding just the in-progress recording.
//
// On a cache miss it falls back to eager aggregation via GetLatest (which
// also populates the cache) and returns a nil blob with the full bitmap.
func GetLatestLazy(mainDb *journey.MainDb, cacheDb *cachedb.CacheDb, layerKind *journey.LayerKind, includeOngoing bool) ([]byte, *bitmap.JourneyBitmap, error) {
	var blob []byte
	if layerKind != nil {
		var err error
		blob, err = cacheDb.GetFullJourneyCacheRaw(*layerKind)
		if err != nil {
			return nil, nil, err
		}
	}

	if blob == nil {
		full, err := GetLatest(mainDb, cacheDb, layerKind, includeOngoing)
		if err != nil {
			return nil, nil, err
		}
		return nil, full, nil
	}

	ongoing := bitmap.NewJourneyBitmap()
	if includeOngoing {
		err := mainDb.WithTxn(func(txn *journey.Txn) error {
			vector, err := txn.GetOngoingJourney()
			if err != nil {
				return err
			}
			if vector != nil {
				AddVectorToBitmap(ongoing, vector)
			}
			if txn.Action != nil {
				return fmt.Errorf("unexpected staged action on read transaction: %s", *txn.Action)
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	return blob, ongoing, nil
}
