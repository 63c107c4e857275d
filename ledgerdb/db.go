// Package ledgerdb persists ledger state in a bbolt database: versioned
// buckets for asset definitions, UTXO records, owner memos, bitmap chunks,
// the replay window and the commitment history. Every committed block is
// written as one atomic update, and a ledger can resume from the database at
// the committed height without replaying history.
package ledgerdb

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veilledger/veil/ledger"
	"github.com/veilledger/veil/utxo"
)

// SchemaVersionV1 is the only schema version this package reads and writes.
const SchemaVersionV1 = uint16(1)

var (
	bucketMeta        = []byte("meta")
	bucketAssets      = []byte("assets_by_code")
	bucketUtxos       = []byte("utxos_by_sid")
	bucketMemos       = []byte("memos_by_sid")
	bucketBitmap      = []byte("bitmap_chunks")
	bucketReplay      = []byte("replay_by_height")
	bucketCommitments = []byte("commitments_by_height")

	keySchemaVersion = []byte("schema_version")
	keyHeight        = []byte("height")
	keyNumAllocated  = []byte("num_allocated")
)

// Store is a bbolt-backed ledger.BlockStore.
type Store struct {
	path string
	db   *bolt.DB
}

var _ ledger.BlockStore = (*Store)(nil)

// Open opens (or creates) the ledger database at the given path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("ledgerdb: path required")
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	s := &Store{path: path, db: bdb}

	err = s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMeta, bucketAssets, bucketUtxos, bucketMemos,
			bucketBitmap, bucketReplay, bucketCommitments,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w",
					string(b), err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		stored := meta.Get(keySchemaVersion)
		if stored == nil {
			var v [2]byte
			binary.BigEndian.PutUint16(v[:], SchemaVersionV1)
			return meta.Put(keySchemaVersion, v[:])
		}
		if got := binary.BigEndian.Uint16(stored); got != SchemaVersionV1 {
			return fmt.Errorf("schema version %d > supported %d",
				got, SchemaVersionV1)
		}
		return nil
	})
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Height returns the last persisted block height, 0 if no block has been
// persisted yet.
func (s *Store) Height() (uint64, error) {
	var height uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyHeight); v != nil {
			height = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return height, err
}

// SaveBlock persists one committed block's delta atomically.
func (s *Store) SaveBlock(delta *ledger.BlockDelta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)

		// Height must advance by exactly one.
		var prev uint64
		if v := meta.Get(keyHeight); v != nil {
			prev = binary.BigEndian.Uint64(v)
		}
		if delta.Height != prev+1 {
			return fmt.Errorf("delta height %d does not follow "+
				"persisted height %d", delta.Height, prev)
		}

		assets := tx.Bucket(bucketAssets)
		for _, def := range delta.Definitions {
			if err := assets.Put(def.Code[:], encodeDefinition(def)); err != nil {
				return err
			}
		}

		utxos := tx.Bucket(bucketUtxos)
		for _, rec := range delta.NewRecords {
			if err := utxos.Put(sidKey(rec.SID), encodeRecord(rec)); err != nil {
				return err
			}
		}

		memos := tx.Bucket(bucketMemos)
		for sid, m := range delta.Memos {
			if err := memos.Put(sidKey(sid), encodeMemo(m)); err != nil {
				return err
			}
		}

		bitmap := tx.Bucket(bucketBitmap)
		for idx, chunk := range delta.DirtyChunks {
			if err := bitmap.Put(chunkKey(idx), chunk[:]); err != nil {
				return err
			}
		}

		replayBkt := tx.Bucket(bucketReplay)
		for _, key := range delta.ReplayEntries {
			entry := replayKey(delta.Height, key.Signer[:], key.Seq)
			if err := replayBkt.Put(entry, nil); err != nil {
				return err
			}
		}
		if err := evictReplay(replayBkt, delta.EvictedBelow); err != nil {
			return err
		}

		commits := tx.Bucket(bucketCommitments)
		err := commits.Put(
			heightKey(delta.Height),
			encodeCommitment(&delta.Commitment),
		)
		if err != nil {
			return err
		}

		var allocated [8]byte
		binary.BigEndian.PutUint64(allocated[:], delta.NumAllocated)
		if err := meta.Put(keyNumAllocated, allocated[:]); err != nil {
			return err
		}

		var height [8]byte
		binary.BigEndian.PutUint64(height[:], delta.Height)
		return meta.Put(keyHeight, height[:])
	})
}

// evictReplay deletes all replay entries recorded below the given height.
// Entries are keyed by height first, so eviction is a prefix scan from the
// start of the bucket.
func evictReplay(bkt *bolt.Bucket, below uint64) error {
	if below == 0 {
		return nil
	}

	cursor := bkt.Cursor()
	for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
		if len(k) < 8 || binary.BigEndian.Uint64(k[:8]) >= below {
			break
		}
		if err := cursor.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func sidKey(sid utxo.SID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(sid))
	return k[:]
}

func heightKey(height uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], height)
	return k[:]
}

func chunkKey(idx int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(idx))
	return k[:]
}

// replayKey lays out a replay entry as height ‖ signer ‖ seq so eviction by
// height is an ordered scan.
func replayKey(height uint64, signer []byte, seq uint64) []byte {
	k := make([]byte, 0, 8+len(signer)+8)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], height)
	k = append(k, scratch[:]...)
	k = append(k, signer...)
	binary.BigEndian.PutUint64(scratch[:], seq)
	return append(k, scratch[:]...)
}
