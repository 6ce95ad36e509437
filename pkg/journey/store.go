package journey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/NERVsystems/tracemap/pkg/codec"
)

var (
	headersBucket = []byte("journey_headers")
	dataBucket    = []byte("journey_data")
	ongoingBucket = []byte("ongoing_journey")

	ongoingKey = []byte("current")
)

// Data payload tags in the data bucket.
const (
	dataTagBitmap byte = 1
	dataTagVector byte = 2
)

const dateKeyFormat = "20060102"

// MainDb is the journey store: a bbolt database holding finalized journey
// headers (keyed by date for range scans), journey payloads, and the
// in-progress recording.
type MainDb struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the main journey database at path.
func Open(path string, logger *slog.Logger) (*MainDb, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening main db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{headersBucket, dataBucket, ongoingBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &MainDb{
		db:     db,
		logger: logger.With("component", "main_db"),
	}, nil
}

// Close closes the underlying database.
func (m *MainDb) Close() error {
	return m.db.Close()
}

// Txn is a read-only view of the store. Action is a sentinel for staged
// mutations; read-path consumers assert it stays nil before the
// transaction closes.
type Txn struct {
	tx     *bolt.Tx
	Action *string
}

// WithTxn runs f inside a read-only transaction.
func (m *MainDb) WithTxn(f func(*Txn) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		return f(&Txn{tx: tx})
	})
}

// QueryJourneys returns the headers of finalized journeys with dates in
// [from, to], both bounds inclusive and optional. Results come back in
// date order.
func (t *Txn) QueryJourneys(from, to *time.Time) ([]Header, error) {
	cursor := t.tx.Bucket(headersBucket).Cursor()

	var k, v []byte
	if from != nil {
		k, v = cursor.Seek([]byte(from.UTC().Format(dateKeyFormat)))
	} else {
		k, v = cursor.First()
	}

	var toKey []byte
	if to != nil {
		toKey = []byte(to.UTC().Format(dateKeyFormat))
	}

	var headers []Header
	for ; k != nil; k, v = cursor.Next() {
		if toKey != nil && bytes.Compare(k[:len(dateKeyFormat)], toKey) > 0 {
			break
		}
		var header Header
		if err := json.Unmarshal(v, &header); err != nil {
			return nil, fmt.Errorf("decoding journey header %q: %w", k, err)
		}
		headers = append(headers, header)
	}
	return headers, nil
}

// GetJourneyData fetches the payload of a finalized journey.
func (t *Txn) GetJourneyData(id string) (Data, error) {
	value := t.tx.Bucket(dataBucket).Get([]byte(id))
	if value == nil {
		return nil, fmt.Errorf("journey data not found: %s", id)
	}
	return decodeData(value)
}

// GetOngoingJourney returns the currently-recording track, or nil if there
// is none.
func (t *Txn) GetOngoingJourney() (*Vector, error) {
	value := t.tx.Bucket(ongoingBucket).Get(ongoingKey)
	if value == nil {
		return nil, nil
	}
	var vector Vector
	if err := json.Unmarshal(value, &vector); err != nil {
		return nil, fmt.Errorf("decoding ongoing journey: %w", err)
	}
	return &vector, nil
}

// AddJourney stores a finalized journey.
func (m *MainDb) AddJourney(header Header, data Data) error {
	if !header.Kind.Valid() {
		return fmt.Errorf("invalid journey kind: %q", header.Kind)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding journey header: %w", err)
	}
	payload, err := encodeData(data)
	if err != nil {
		return err
	}

	err = m.db.Update(func(tx *bolt.Tx) error {
		key := headerKey(header)
		if err := tx.Bucket(headersBucket).Put(key, headerJSON); err != nil {
			return err
		}
		return tx.Bucket(dataBucket).Put([]byte(header.ID), payload)
	})
	if err != nil {
		return fmt.Errorf("storing journey %s: %w", header.ID, err)
	}

	m.logger.Debug("journey stored", "id", header.ID, "kind", header.Kind)
	return nil
}

// SetOngoingJourney replaces the in-progress recording.
func (m *MainDb) SetOngoingJourney(vector *Vector) error {
	value, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding ongoing journey: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ongoingBucket).Put(ongoingKey, value)
	})
}

// ClearOngoingJourney removes the in-progress recording.
func (m *MainDb) ClearOngoingJourney() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ongoingBucket).Delete(ongoingKey)
	})
}

// FinalizeOngoing converts the in-progress recording into a finalized
// journey under the given header.
func (m *MainDb) FinalizeOngoing(header Header) error {
	if !header.Kind.Valid() {
		return fmt.Errorf("invalid journey kind: %q", header.Kind)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding journey header: %w", err)
	}

	return m.db.Update(func(tx *bolt.Tx) error {
		ongoing := tx.Bucket(ongoingBucket)
		value := ongoing.Get(ongoingKey)
		if value == nil {
			return fmt.Errorf("no ongoing journey to finalize")
		}
		var vector Vector
		if err := json.Unmarshal(value, &vector); err != nil {
			return fmt.Errorf("decoding ongoing journey: %w", err)
		}

		payload, err := encodeData(VectorData{Vector: &vector})
		if err != nil {
			return err
		}
		if err := tx.Bucket(headersBucket).Put(headerKey(header), headerJSON); err != nil {
			return err
		}
		if err := tx.Bucket(dataBucket).Put([]byte(header.ID), payload); err != nil {
			return err
		}
		return ongoing.Delete(ongoingKey)
	})
}

func headerKey(header Header) []byte {
	return []byte(header.Date.UTC().Format(dateKeyFormat) + "/" + header.ID)
}

func encodeData(data Data) ([]byte, error) {
	switch d := data.(type) {
	case BitmapData:
		var buf bytes.Buffer
		buf.WriteByte(dataTagBitmap)
		if err := codec.Serialize(d.Bitmap, &buf); err != nil {
			return nil, fmt.Errorf("encoding bitmap journey: %w", err)
		}
		return buf.Bytes(), nil
	case VectorData:
		vectorJSON, err := json.Marshal(d.Vector)
		if err != nil {
			return nil, fmt.Errorf("encoding vector journey: %w", err)
		}
		return append([]byte{dataTagVector}, vectorJSON...), nil
	default:
		return nil, fmt.Errorf("unknown journey data variant %T", data)
	}
}

func decodeData(value []byte) (Data, error) {
	if len(value) < 1 {
		return nil, fmt.Errorf("empty journey data payload")
	}
	switch value[0] {
	case dataTagBitmap:
		jb, err := codec.Deserialize(value[1:])
		if err != nil {
			return nil, fmt.Errorf("decoding bitmap journey: %w", err)
		}
		return BitmapData{Bitmap: jb}, nil
	case dataTagVector:
		var vector Vector
		if err := json.Unmarshal(value[1:], &vector); err != nil {
			return nil, fmt.Errorf("decoding vector journey: %w", err)
		}
		return VectorData{Vector: &vector}, nil
	default:
		return nil, fmt.Errorf("unknown journey data tag %d", value[0])
	}
}
