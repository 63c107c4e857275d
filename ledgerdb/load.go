package ledgerdb

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/veilledger/veil/ledger"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/replay"
	"github.com/veilledger/veil/utxo"
)

// Load reads the full persisted state back out of the database.
func (s *Store) Load() (*ledger.State, error) {
	st := &ledger.State{
		Memos:  make(map[utxo.SID]*memo.OwnerMemo),
		Chunks: make(map[int]utxo.Chunk),
		Replay: make(map[replay.Key]uint64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyHeight); v != nil {
			st.Height = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyNumAllocated); v != nil {
			st.NumAllocated = binary.BigEndian.Uint64(v)
		}

		err := tx.Bucket(bucketAssets).ForEach(func(_, v []byte) error {
			def, err := decodeDefinition(v)
			if err != nil {
				return err
			}
			st.Definitions = append(st.Definitions, def)
			return nil
		})
		if err != nil {
			return err
		}

		// Cursor order is ascending SID order, which NewFromState
		// relies on to rebuild the accumulator deterministically.
		err = tx.Bucket(bucketUtxos).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			st.Records = append(st.Records, rec)
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketMemos).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("memo key of %d bytes",
					len(k))
			}
			m, err := decodeMemo(v)
			if err != nil {
				return err
			}
			st.Memos[utxo.SID(binary.BigEndian.Uint64(k))] = m
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketBitmap).ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != utxo.ChunkBytes {
				return fmt.Errorf("bitmap chunk of %d/%d "+
					"bytes", len(k), len(v))
			}
			var chunk utxo.Chunk
			copy(chunk[:], v)
			st.Chunks[int(binary.BigEndian.Uint64(k))] = chunk
			return nil
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketReplay).ForEach(func(k, _ []byte) error {
			if len(k) != 8+33+8 {
				return fmt.Errorf("replay key of %d bytes",
					len(k))
			}
			height := binary.BigEndian.Uint64(k[:8])
			var key replay.Key
			copy(key.Signer[:], k[8:41])
			key.Seq = binary.BigEndian.Uint64(k[41:49])
			st.Replay[key] = height
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketCommitments).ForEach(
			func(_, v []byte) error {
				c, err := decodeCommitment(v)
				if err != nil {
					return err
				}
				st.Commitments = append(st.Commitments, *c)
				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	if uint64(len(st.Commitments)) != st.Height {
		return nil, fmt.Errorf("%d commitments for height %d",
			len(st.Commitments), st.Height)
	}

	return st, nil
}

// OpenLedger opens the database at path and assembles a ready-to-use ledger
// from it: empty at height 0 for a fresh database, resumed at the committed
// height otherwise. The returned ledger persists every future block through
// the returned store.
func OpenLedger(path string, cfg ledger.Config) (*ledger.Ledger, *Store,
	error) {

	store, err := Open(path)
	if err != nil {
		return nil, nil, err
	}

	height, err := store.Height()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	if height == 0 {
		return ledger.New(cfg, store), store, nil
	}

	st, err := store.Load()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	l, err := ledger.NewFromState(cfg, store, st)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return l, store, nil
}
