package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// commitTag domain-separates the state commitment digest.
const commitTag = "veil/ledger/commitment"

// StateCommitment is the digest chain summarizing the full ledger state
// after a block. Commitment h is a pure function of the state immediately
// after block h, so any two replicas applying the same block sequence reach
// identical commitments.
type StateCommitment struct {
	// Height is the block height this commitment covers.
	Height uint64

	// PrevDigest is the digest of the commitment at Height-1, or all
	// zeroes for the first block.
	PrevDigest [sha256.Size]byte

	// AccRoot is the accumulator root after the block.
	AccRoot AccRoot

	// BitmapChecksum is the UTXO bitmap checksum after the block.
	BitmapChecksum [sha256.Size]byte

	// RegistryChecksum is the asset registry checksum after the block.
	RegistryChecksum [sha256.Size]byte

	// Digest is the tagged hash over all of the above.
	Digest [sha256.Size]byte
}

// computeDigest fills in the commitment's digest from its components.
func (c *StateCommitment) computeDigest() {
	h := sha256.New()
	h.Write([]byte(commitTag))
	_ = binary.Write(h, binary.BigEndian, c.Height)
	h.Write(c.PrevDigest[:])
	h.Write(c.AccRoot.Hash[:])
	_ = binary.Write(h, binary.BigEndian, c.AccRoot.Sum)
	h.Write(c.BitmapChecksum[:])
	h.Write(c.RegistryChecksum[:])
	copy(c.Digest[:], h.Sum(nil))
}

// String returns the hex encoding of the commitment digest.
func (c *StateCommitment) String() string {
	return hex.EncodeToString(c.Digest[:])
}
