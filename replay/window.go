// Package replay implements the ledger's replay guard: a sliding window over
// the last W blocks' worth of (signer, sequence) pairs. A pair seen anywhere
// inside the window is rejected, which prevents exact transaction replay
// without forcing strictly increasing per-signer sequence numbers.
package replay

import (
	"errors"
	"fmt"

	"github.com/veilledger/veil/asset"
)

var (
	// ErrReplayed is returned when a (signer, sequence) pair is already
	// present inside the retained window.
	ErrReplayed = errors.New("replay: duplicate (signer, seq) pair")
)

// Key identifies a transaction for replay purposes.
type Key struct {
	// Signer is the transaction's replay signer key.
	Signer asset.SerializedKey

	// Seq is the signer-chosen sequence number.
	Seq uint64
}

// String renders the key for log output.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Signer, k.Seq)
}

// Window is the bounded replay guard. Entries recorded at height h are
// retained while the current height is below h+W and evicted afterwards in
// O(evicted) time, since entries are bucketed by their recording height.
//
// The window is owned exclusively by the engine: mutation happens only from
// the sequential apply phase, reads from validation happen strictly before
// it within a block.
type Window struct {
	// size is W, the number of blocks the window spans.
	size uint64

	// seen maps every retained key to the height it was recorded at.
	seen map[Key]uint64

	// byHeight buckets retained keys by recording height so eviction
	// touches only the buckets that fall out of the window.
	byHeight map[uint64][]Key

	// horizon is the lowest height whose bucket might still be retained.
	horizon uint64
}

// NewWindow constructs a replay guard spanning the given number of blocks.
func NewWindow(size uint64) *Window {
	if size == 0 {
		size = 1
	}
	return &Window{
		size:     size,
		seen:     make(map[Key]uint64),
		byHeight: make(map[uint64][]Key),
	}
}

// Size returns W.
func (w *Window) Size() uint64 {
	return w.size
}

// Contains reports whether the pair is present inside the retained window.
func (w *Window) Contains(key Key) bool {
	_, ok := w.seen[key]
	return ok
}

// Record adds the pair at the given height, failing with ErrReplayed if it
// is already retained.
func (w *Window) Record(key Key, height uint64) error {
	if _, ok := w.seen[key]; ok {
		return fmt.Errorf("%w: %v", ErrReplayed, key)
	}

	w.seen[key] = height
	w.byHeight[height] = append(w.byHeight[height], key)
	return nil
}

// CheckAndRecord is the combined form of Contains and Record used by
// callers that do not split validation from application.
func (w *Window) CheckAndRecord(key Key, height uint64) error {
	return w.Record(key, height)
}

// AdvanceTo moves the window forward to the given current height, evicting
// every entry recorded at a height at or below height-W. The cost is
// proportional to the number of evicted entries.
func (w *Window) AdvanceTo(height uint64) {
	if height < w.size {
		return
	}

	cutoff := height - w.size
	for h := w.horizon; h <= cutoff; h++ {
		for _, key := range w.byHeight[h] {
			delete(w.seen, key)
		}
		delete(w.byHeight, h)
	}
	if cutoff+1 > w.horizon {
		w.horizon = cutoff + 1
	}
}

// NumEntries returns the number of retained pairs.
func (w *Window) NumEntries() int {
	return len(w.seen)
}

// Entries returns all retained pairs with their recording heights, used by
// the persistence layer. Order is unspecified.
func (w *Window) Entries() map[Key]uint64 {
	out := make(map[Key]uint64, len(w.seen))
	for key, height := range w.seen {
		out[key] = height
	}
	return out
}

// Restore installs an entry loaded from persistent storage, bypassing the
// duplicate check.
func (w *Window) Restore(key Key, height uint64) {
	if _, ok := w.seen[key]; ok {
		return
	}
	w.seen[key] = height
	w.byHeight[height] = append(w.byHeight[height], key)
	if height < w.horizon || w.horizon == 0 {
		w.horizon = height
	}
}
