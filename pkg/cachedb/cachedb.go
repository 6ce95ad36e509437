// Package cachedb implements the layer cache: a bbolt blob store of
// serialized, aggregated journey bitmaps keyed by layer kind, with a small
// in-memory LRU of raw blobs in front and per-key single-flight so a
// missing layer is computed at most once no matter how many callers race.
package cachedb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/NERVsystems/tracemap/pkg/bitmap"
	"github.com/NERVsystems/tracemap/pkg/codec"
	"github.com/NERVsystems/tracemap/pkg/journey"
	"github.com/NERVsystems/tracemap/pkg/monitoring"
	"github.com/NERVsystems/tracemap/pkg/tracing"
)

var layersBucket = []byte("full_journey_cache")

// blobCacheSize bounds the in-memory raw blob cache. Layer keys are few
// but blobs can be large.
const blobCacheSize = 8

// CacheDb memoizes aggregated journey bitmaps per layer kind.
type CacheDb struct {
	db      *bolt.DB
	logger  *slog.Logger
	blobLRU *lru.Cache[string, []byte]
	group   singleflight.Group
}

// Open opens or creates the cache database at path.
func Open(path string, logger *slog.Logger) (*CacheDb, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(layersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	blobLRU, err := lru.New[string, []byte](blobCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &CacheDb{
		db:      db,
		logger:  logger.With("component", "cache_db"),
		blobLRU: blobLRU,
	}, nil
}

// Close closes the underlying database.
func (c *CacheDb) Close() error {
	return c.db.Close()
}

// GetFullJourneyCacheRaw returns the serialized bitmap blob for the layer,
// or nil if the layer has not been cached.
func (c *CacheDb) GetFullJourneyCacheRaw(layerKind journey.LayerKind) ([]byte, error) {
	_, span := tracing.StartSpan(context.Background(), "cache_db.get_raw")
	defer span.End()

	key := layerKind.String()

	if blob, ok := c.blobLRU.Get(key); ok {
		monitoring.RecordCacheHit(tracing.CacheTypeBlob)
		span.SetAttributes(tracing.CacheAttributes(tracing.CacheTypeBlob, true, key)...)
		return blob, nil
	}

	var blob []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(layersBucket).Get([]byte(key))
		if value != nil {
			// bbolt values are only valid inside the transaction
			blob = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading layer cache %s: %w", key, err)
	}

	if blob == nil {
		monitoring.RecordCacheMiss(tracing.CacheTypeBlob)
		span.SetAttributes(tracing.CacheAttributes(tracing.CacheTypeBlob, false, key)...)
		return nil, nil
	}

	monitoring.RecordCacheHit(tracing.CacheTypeBlob)
	span.SetAttributes(tracing.CacheAttributes(tracing.CacheTypeBlob, true, key)...)
	c.blobLRU.Add(key, blob)
	return blob, nil
}

// GetFullJourneyCacheOrCompute returns the aggregated bitmap for the
// layer, running compute to populate the cache on a miss. At most one
// compute runs per key at a time; concurrent callers share its outcome.
// A failed compute never populates the cache.
func (c *CacheDb) GetFullJourneyCacheOrCompute(
	layerKind journey.LayerKind,
	compute func() (*bitmap.JourneyBitmap, error),
) (*bitmap.JourneyBitmap, error) {
	key := layerKind.String()

	blob, err := c.GetFullJourneyCacheRaw(layerKind)
	if err != nil {
		return nil, err
	}
	if blob != nil {
		monitoring.RecordCacheHit(tracing.CacheTypeLayer)
		return codec.Deserialize(blob)
	}

	monitoring.RecordCacheMiss(tracing.CacheTypeLayer)

	// Single-flight returns the shared blob; each caller deserializes its
	// own copy so no two callers mutate the same bitmap.
	result, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the cache while we waited.
		if blob, err := c.GetFullJourneyCacheRaw(layerKind); err != nil {
			return nil, err
		} else if blob != nil {
			return blob, nil
		}

		start := time.Now()
		c.logger.Info("computing layer cache", "layer", key)

		jb, err := compute()
		if err != nil {
			monitoring.RecordLayerCompute(key, time.Since(start), false)
			return nil, err
		}

		blob, err := c.serializeAndStore(key, jb)
		if err != nil {
			monitoring.RecordLayerCompute(key, time.Since(start), false)
			return nil, err
		}

		monitoring.RecordLayerCompute(key, time.Since(start), true)
		c.logger.Info("layer cache computed",
			"layer", key,
			"blob_bytes", len(blob),
			"duration", time.Since(start))
		return blob, nil
	})
	if err != nil {
		return nil, err
	}

	return codec.Deserialize(result.([]byte))
}

// Invalidate drops the cached blob for a single layer.
func (c *CacheDb) Invalidate(layerKind journey.LayerKind) error {
	key := layerKind.String()
	c.blobLRU.Remove(key)
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(layersBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("invalidating layer cache %s: %w", key, err)
	}
	c.logger.Debug("layer cache invalidated", "layer", key)
	return nil
}

// InvalidateKind drops the cached blobs affected by a write of the given
// journey kind: the kind's own layer and the composite layer.
func (c *CacheDb) InvalidateKind(kind journey.Kind) error {
	if err := c.Invalidate(journey.LayerForKind(kind)); err != nil {
		return err
	}
	return c.Invalidate(journey.LayerAll)
}

// InvalidateAll drops every cached layer.
func (c *CacheDb) InvalidateAll() error {
	c.blobLRU.Purge()
	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(layersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(layersBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidating layer cache: %w", err)
	}
	return nil
}

func (c *CacheDb) serializeAndStore(key string, jb *bitmap.JourneyBitmap) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.Serialize(jb, &buf); err != nil {
		return nil, fmt.Errorf("serializing layer %s: %w", key, err)
	}
	blob := buf.Bytes()

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(layersBucket).Put([]byte(key), blob)
	})
	if err != nil {
		return nil, fmt.Errorf("storing layer cache %s: %w", key, err)
	}

	c.blobLRU.Add(key, blob)
	monitoring.UpdateCacheSize(tracing.CacheTypeBlob, c.blobLRU.Len())
	return blob, nil
}
