package utxo

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// ChunkBits is the number of output slots covered by one bitmap
	// chunk.
	ChunkBits = 1024

	// ChunkBytes is the byte size of one bitmap chunk.
	ChunkBytes = ChunkBits / 8
)

// Chunk is a fixed-size slice of the spent/unspent bit vector.
type Chunk [ChunkBytes]byte

// Bitmap is the persistent bit-indexed structure recording spent/unspent
// status per output slot. Bits start out unspent when their SID is allocated
// and flip to spent exactly once.
//
// The bitmap's checksum is the XOR of per-chunk digests, so flipping a bit
// only re-hashes the chunk it lives in: block-commit cost is bounded by the
// size of the block, not the size of history.
//
// Clone returns a copy-on-write snapshot: clean chunks are shared between
// parent and clone, and either side copies a chunk before its first write
// after the split. Snapshots handed to concurrent validators are therefore
// never racing with the apply phase's mutation.
type Bitmap struct {
	// next is the lowest SID that has not been allocated yet.
	next uint64

	// chunks holds the bit vector. A chunk pointer may be shared with
	// other Bitmap instances; owned tracks which chunks this instance may
	// mutate in place.
	chunks []*Chunk
	owned  []bool

	// chunkSums caches the digest of each chunk so a chunk update can
	// XOR its old term out of the checksum without re-reading siblings.
	chunkSums [][sha256.Size]byte

	// checksum is the XOR of all chunk digests.
	checksum [sha256.Size]byte

	// dirty records the chunks touched since the last ClearDirty, used
	// by the persistence layer to write only what a block changed.
	dirty map[int]struct{}
}

// NewBitmap constructs an empty bitmap with no allocated slots.
func NewBitmap() *Bitmap {
	return &Bitmap{
		dirty: make(map[int]struct{}),
	}
}

// chunkSum digests a single chunk together with its index.
func chunkSum(idx int, chunk *Chunk) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte("veil/bitmap/chunk"))
	_ = binary.Write(h, binary.BigEndian, uint64(idx))
	h.Write(chunk[:])
	return [sha256.Size]byte(h.Sum(nil))
}

func xorSum(a *[sha256.Size]byte, b [sha256.Size]byte) {
	for i := range a {
		a[i] ^= b[i]
	}
}

// NumAllocated returns the number of SIDs allocated so far, which is also
// the next SID to be assigned.
func (b *Bitmap) NumAllocated() uint64 {
	return b.next
}

// Allocate reserves n fresh sequence numbers, each initialized unspent, and
// returns the first SID of the contiguous range.
func (b *Bitmap) Allocate(n uint64) (SID, error) {
	if n > math.MaxUint64-b.next {
		return 0, ErrAllocationOverflow
	}

	first := SID(b.next)
	b.next += n

	// Grow the chunk vector to cover the new range. Fresh chunks are
	// all-unspent and folded into the checksum immediately.
	needed := int((b.next + ChunkBits - 1) / ChunkBits)
	for idx := len(b.chunks); idx < needed; idx++ {
		chunk := new(Chunk)
		sum := chunkSum(idx, chunk)

		b.chunks = append(b.chunks, chunk)
		b.owned = append(b.owned, true)
		b.chunkSums = append(b.chunkSums, sum)
		xorSum(&b.checksum, sum)
		b.dirty[idx] = struct{}{}
	}

	return first, nil
}

// IsSpent returns whether the given SID's output has been consumed. An
// unallocated SID is an error.
func (b *Bitmap) IsSpent(sid SID) (bool, error) {
	if uint64(sid) >= b.next {
		return false, fmt.Errorf("%w: %d", ErrUnknownSID, sid)
	}

	chunk := b.chunks[int(uint64(sid)/ChunkBits)]
	bit := uint64(sid) % ChunkBits
	return chunk[bit/8]&(1<<(bit%8)) != 0, nil
}

// MarkSpent flips the given SID's bit from unspent to spent. Flipping twice
// is an error: the single-spend invariant lives here.
func (b *Bitmap) MarkSpent(sid SID) error {
	if uint64(sid) >= b.next {
		return fmt.Errorf("%w: %d", ErrUnknownSID, sid)
	}

	idx := int(uint64(sid) / ChunkBits)
	bit := uint64(sid) % ChunkBits
	mask := byte(1 << (bit % 8))

	if b.chunks[idx][bit/8]&mask != 0 {
		return fmt.Errorf("%w: %d", ErrAlreadySpent, sid)
	}

	chunk := b.writableChunk(idx)
	chunk[bit/8] |= mask

	// Swap the chunk's term inside the checksum.
	xorSum(&b.checksum, b.chunkSums[idx])
	sum := chunkSum(idx, chunk)
	b.chunkSums[idx] = sum
	xorSum(&b.checksum, sum)
	b.dirty[idx] = struct{}{}

	return nil
}

// writableChunk returns the chunk at idx, copying it first if it is shared
// with a snapshot.
func (b *Bitmap) writableChunk(idx int) *Chunk {
	if !b.owned[idx] {
		chunkCopy := *b.chunks[idx]
		b.chunks[idx] = &chunkCopy
		b.owned[idx] = true
	}
	return b.chunks[idx]
}

// Checksum returns the digest over the full bit vector.
func (b *Bitmap) Checksum() [sha256.Size]byte {
	return b.checksum
}

// Clone returns a copy-on-write snapshot of the bitmap. Both the parent and
// the clone give up in-place ownership of all current chunks; whichever side
// writes a chunk first copies it.
func (b *Bitmap) Clone() *Bitmap {
	for i := range b.owned {
		b.owned[i] = false
	}

	clone := &Bitmap{
		next:      b.next,
		chunks:    append([]*Chunk(nil), b.chunks...),
		owned:     make([]bool, len(b.chunks)),
		chunkSums: append([][sha256.Size]byte(nil), b.chunkSums...),
		checksum:  b.checksum,
		dirty:     make(map[int]struct{}),
	}
	return clone
}

// NumChunks returns the number of chunks backing the bit vector.
func (b *Bitmap) NumChunks() int {
	return len(b.chunks)
}

// ChunkAt returns a copy of the chunk at the given index, used by the
// persistence layer.
func (b *Bitmap) ChunkAt(idx int) (Chunk, error) {
	if idx < 0 || idx >= len(b.chunks) {
		return Chunk{}, fmt.Errorf("%w: chunk %d", ErrUnknownSID, idx)
	}
	return *b.chunks[idx], nil
}

// DirtyChunks returns the indices of chunks modified since the last call to
// ClearDirty, in unspecified order.
func (b *Bitmap) DirtyChunks() []int {
	out := make([]int, 0, len(b.dirty))
	for idx := range b.dirty {
		out = append(out, idx)
	}
	return out
}

// ClearDirty forgets the dirty chunk set, typically after the chunks have
// been persisted.
func (b *Bitmap) ClearDirty() {
	b.dirty = make(map[int]struct{})
}

// RestoreChunk installs a chunk loaded from persistent storage. Only valid
// while rebuilding a bitmap; the allocation count is restored separately via
// RestoreAllocated.
func (b *Bitmap) RestoreChunk(idx int, chunk Chunk) {
	for len(b.chunks) <= idx {
		fresh := new(Chunk)
		sum := chunkSum(len(b.chunks), fresh)

		b.chunks = append(b.chunks, fresh)
		b.owned = append(b.owned, true)
		b.chunkSums = append(b.chunkSums, sum)
		xorSum(&b.checksum, sum)
	}

	// Recompute the checksum terms for the replaced chunk.
	xorSum(&b.checksum, b.chunkSums[idx])
	chunkCopy := chunk
	b.chunks[idx] = &chunkCopy
	b.owned[idx] = true
	sum := chunkSum(idx, &chunkCopy)
	b.chunkSums[idx] = sum
	xorSum(&b.checksum, sum)
}

// RestoreAllocated installs the allocation count loaded from persistent
// storage.
func (b *Bitmap) RestoreAllocated(next uint64) {
	b.next = next
}
