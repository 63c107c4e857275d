// Package ledger implements the confidential-asset ledger state engine: it
// validates ordered blocks of transactions against the current state and
// atomically applies accepted transactions, producing a new cryptographically
// committed state.
//
// The engine is single-writer: ApplyBlock is the only mutating entry point
// and blocks are fed to it in strictly increasing height order by an external
// ordering layer. Within ApplyBlock, transaction validation fans out across a
// CPU-bounded worker pool against an immutable pre-block snapshot, while
// application itself is sequential.
package ledger

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/replay"
	"github.com/veilledger/veil/utxo"
)

const (
	// DefaultWindowSize is the default replay window span in blocks.
	DefaultWindowSize = 64

	// DefaultValidationTimeout is the default per-block validation
	// budget.
	DefaultValidationTimeout = 30 * time.Second
)

// Config holds the engine's tunables.
type Config struct {
	// WindowSize is W, the number of blocks the replay guard spans.
	WindowSize uint64

	// ValidationTimeout bounds the parallel validation phase of one
	// block. Transactions not validated within the budget are rejected
	// with ErrTimeout.
	ValidationTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:        DefaultWindowSize,
		ValidationTimeout: DefaultValidationTimeout,
	}
}

// normalize fills in zero values with defaults.
func (c Config) normalize() Config {
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = DefaultValidationTimeout
	}
	return c
}

// BlockDelta is everything one committed block changed, handed to the
// persistence layer as a single atomic unit.
type BlockDelta struct {
	// Height is the committed block height.
	Height uint64

	// Commitment is the state commitment after the block.
	Commitment StateCommitment

	// Definitions are the asset definitions created or updated by the
	// block, in ascending code order.
	Definitions []*asset.Definition

	// NewRecords are the outputs created by the block, in ascending SID
	// order.
	NewRecords []*utxo.Record

	// SpentSIDs are the outputs consumed by the block.
	SpentSIDs []utxo.SID

	// Memos are the owner memos attached to new outputs.
	Memos map[utxo.SID]*memo.OwnerMemo

	// NumAllocated is the bitmap's allocation count after the block.
	NumAllocated uint64

	// DirtyChunks are the bitmap chunks the block modified.
	DirtyChunks map[int]utxo.Chunk

	// ReplayEntries are the (signer, seq) pairs recorded by the block,
	// all at height Height.
	ReplayEntries []replay.Key

	// EvictedBelow is the replay horizon after the block: entries
	// recorded strictly below it are no longer retained.
	EvictedBelow uint64
}

// BlockStore persists committed blocks. SaveBlock must be atomic: either the
// whole delta becomes durable or none of it does.
type BlockStore interface {
	SaveBlock(delta *BlockDelta) error
}

// Ledger is the engine's canonical state: the asset registry, the UTXO set
// with its spent/unspent bitmap, the owner memo side table, the replay guard
// and the state accumulator, together with the commitment history.
type Ledger struct {
	cfg   Config
	store BlockStore

	// mu guards all state below. ApplyBlock takes the write lock for the
	// whole block; queries take the read lock.
	mu sync.RWMutex

	height   uint64
	registry *asset.Registry
	bitmap   *utxo.Bitmap

	// records holds every output ever created, spent or not, keyed by
	// SID. Records are immutable once stored.
	records map[utxo.SID]*utxo.Record

	// memos is the owner memo side table.
	memos map[utxo.SID]*memo.OwnerMemo

	window *replay.Window
	acc    *Accumulator

	// commitments is the commitment history indexed by height-1 (the
	// first block is height 1).
	commitments []StateCommitment
}

// New constructs an empty ledger at height 0. A nil store disables
// persistence, which is how tests and in-memory replicas run.
func New(cfg Config, store BlockStore) *Ledger {
	cfg = cfg.normalize()
	return &Ledger{
		cfg:      cfg,
		store:    store,
		registry: asset.NewRegistry(),
		bitmap:   utxo.NewBitmap(),
		records:  make(map[utxo.SID]*utxo.Record),
		memos:    make(map[utxo.SID]*memo.OwnerMemo),
		window:   replay.NewWindow(cfg.WindowSize),
		acc:      NewAccumulator(),
	}
}

// State is a loaded snapshot of persisted ledger state, used to resume at a
// committed height without replaying history.
type State struct {
	// Height is the committed height.
	Height uint64

	// Definitions are all registered asset definitions.
	Definitions []*asset.Definition

	// Records are all outputs ever created, in ascending SID order.
	Records []*utxo.Record

	// Memos is the owner memo side table.
	Memos map[utxo.SID]*memo.OwnerMemo

	// NumAllocated is the bitmap allocation count.
	NumAllocated uint64

	// Chunks are the bitmap chunks.
	Chunks map[int]utxo.Chunk

	// Replay are the retained replay entries with their recording
	// heights.
	Replay map[replay.Key]uint64

	// Commitments is the commitment history for heights 1..Height.
	Commitments []StateCommitment
}

// NewFromState assembles a ledger from persisted state. The accumulator is
// rebuilt by re-inserting every record digest; its root must reproduce the
// root inside the last persisted commitment.
func NewFromState(cfg Config, store BlockStore, st *State) (*Ledger, error) {
	l := New(cfg, store)
	l.height = st.Height

	for _, def := range st.Definitions {
		l.registry.RestoreDefinition(def)
	}

	l.bitmap.RestoreAllocated(st.NumAllocated)
	for idx, chunk := range st.Chunks {
		l.bitmap.RestoreChunk(idx, chunk)
	}
	l.bitmap.ClearDirty()

	for _, rec := range st.Records {
		l.records[rec.SID] = rec.Copy()
		if err := l.acc.Add(rec); err != nil {
			return nil, err
		}
	}
	for sid, m := range st.Memos {
		l.memos[sid] = m.Copy()
	}
	for key, height := range st.Replay {
		l.window.Restore(key, height)
	}

	l.commitments = append(l.commitments, st.Commitments...)
	for _, commit := range l.commitments {
		l.acc.roots[commit.Height] = commit.AccRoot
	}

	if len(l.commitments) > 0 {
		last := l.commitments[len(l.commitments)-1]
		if got := l.acc.Root(); got != last.AccRoot {
			return nil, &StorageError{
				Height: st.Height,
				Inner: errRootMismatch(
					got, last.AccRoot,
				),
			}
		}
	}

	return l, nil
}

// Height returns the last committed height.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// prevDigest returns the digest of the last commitment, or all zeroes at
// height 0.
func (l *Ledger) prevDigest() [sha256.Size]byte {
	if len(l.commitments) == 0 {
		return [sha256.Size]byte{}
	}
	return l.commitments[len(l.commitments)-1].Digest
}
