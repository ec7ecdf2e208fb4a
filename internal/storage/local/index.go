package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/taskstream/internal/storage"
	"github.com/sneh-joshi/taskstream/internal/types"
)

var bucketIndex = []byte("index") // bucket name inside bbolt

// Index is a bbolt-backed persistent index that maps entry IDs to their
// storage.IndexEntry (offset in log.dat + lifecycle and delivery state).
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — the index is always consistent even after a crash
//   - Single file (index.db inside the sub-log directory)
//   - Well-maintained (used by etcd in production)
type Index struct {
	db *bbolt.DB
}

// OpenIndex opens (or creates) the bbolt index at path.
func OpenIndex(path string) (*Index, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init bucket: %w", err)
	}

	return &Index{db: db}, nil
}

// Write upserts the index entry for entryID.
func (idx *Index) Write(entryID string, entry storage.IndexEntry) error {
	val, err := marshalEntry(entry)
	if err != nil {
		return fmt.Errorf("index: marshal entry for %s: %w", entryID, err)
	}

	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).Put([]byte(entryID), val)
	})
}

// Read retrieves the index entry for entryID.
// Returns storage.ErrNotFound if the entry has never been indexed.
func (idx *Index) Read(entryID string) (storage.IndexEntry, error) {
	var entry storage.IndexEntry

	err := idx.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketIndex).Get([]byte(entryID))
		if val == nil {
			return storage.ErrNotFound
		}
		var err error
		entry, err = unmarshalEntry(val)
		return err
	})

	return entry, err
}

// Delete removes the index entry for entryID.
func (idx *Index) Delete(entryID string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).Delete([]byte(entryID))
	})
}

// ForEach iterates over every index entry, calling fn for each one.
// Iteration stops early if fn returns a non-nil error.
// Used by crash recovery and compaction.
func (idx *Index) ForEach(fn func(entryID string, entry storage.IndexEntry) error) error {
	return idx.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			entry, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			return fn(string(k), entry)
		})
	})
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// IndexEntry is serialised as a compact binary structure to keep bbolt small:
//
//	[offset       : 8 bytes, int64  ]
//	[status       : 1 byte          ]
//	[deliveredAt  : 8 bytes, int64  ]
//	[consumerLen  : 2 bytes, uint16 ]
//	[consumer     : consumerLen bytes]
//	[deliveryCount: 2 bytes, uint16 ]

func marshalEntry(e storage.IndexEntry) ([]byte, error) {
	consumer := []byte(e.Consumer)
	buf := make([]byte, 8+1+8+2+len(consumer)+2)
	binary.BigEndian.PutUint64(buf[0:], uint64(e.Offset))
	buf[8] = uint8(e.Status)
	binary.BigEndian.PutUint64(buf[9:], uint64(e.DeliveredAtMs))
	binary.BigEndian.PutUint16(buf[17:], uint16(len(consumer)))
	copy(buf[19:], consumer)
	binary.BigEndian.PutUint16(buf[19+len(consumer):], uint16(e.DeliveryCount))
	return buf, nil
}

func unmarshalEntry(buf []byte) (storage.IndexEntry, error) {
	if len(buf) < 19 {
		// Fallback: try JSON (forward-compat with any future format change)
		var e storage.IndexEntry
		if jerr := json.Unmarshal(buf, &e); jerr == nil {
			return e, nil
		}
		return storage.IndexEntry{}, fmt.Errorf("index: entry too short (%d bytes)", len(buf))
	}
	consumerLen := binary.BigEndian.Uint16(buf[17:])
	if int(consumerLen) > len(buf)-19 {
		return storage.IndexEntry{}, fmt.Errorf("index: consumer length %d exceeds buffer", consumerLen)
	}
	e := storage.IndexEntry{
		Offset:        int64(binary.BigEndian.Uint64(buf[0:])),
		Status:        types.Status(buf[8]),
		DeliveredAtMs: int64(binary.BigEndian.Uint64(buf[9:])),
		Consumer:      string(buf[19 : 19+consumerLen]),
	}
	trailingStart := 19 + int(consumerLen)
	if len(buf) >= trailingStart+2 {
		e.DeliveryCount = int(binary.BigEndian.Uint16(buf[trailingStart:]))
	}
	return e, nil
}
