package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/veilledger/veil/mssmt"
	"github.com/veilledger/veil/utxo"
)

// AccRoot is one retained accumulator root: the tree root hash and sum after
// a given block height.
type AccRoot struct {
	// Hash is the root node hash.
	Hash mssmt.NodeHash

	// Sum is the root sum, which equals the total number of outputs ever
	// created.
	Sum uint64
}

// Accumulator is the ledger's append-only state accumulator: a merkle-sum
// sparse merkle tree keyed by TxoSID whose leaves are UTXO record digests
// with sum 1. The root sum therefore always equals the number of outputs
// ever created, and the root after every committed height is retained for
// historical verification.
type Accumulator struct {
	tree  *mssmt.Tree
	store *mssmt.DefaultStore

	// roots retains the root after each sealed height.
	roots map[uint64]AccRoot
}

// NewAccumulator constructs an empty accumulator.
func NewAccumulator() *Accumulator {
	store := mssmt.NewDefaultStore()
	return &Accumulator{
		tree:  mssmt.NewTree(store),
		store: store,
		roots: make(map[uint64]AccRoot),
	}
}

// LeafKey maps a TxoSID into the tree's 32-byte key space.
func LeafKey(sid utxo.SID) [32]byte {
	var key [32]byte
	binary.BigEndian.PutUint64(key[24:], uint64(sid))
	return key
}

// Add appends the digest of a freshly created output. Appends happen in
// ascending SID order at block commit.
func (a *Accumulator) Add(rec *utxo.Record) error {
	digest := rec.Digest()
	leaf := mssmt.NewLeafNode(digest[:], 1)
	if err := a.tree.Insert(LeafKey(rec.SID), leaf); err != nil {
		return fmt.Errorf("accumulator insert of sid %d: %w", rec.SID,
			err)
	}
	return nil
}

// Remove deletes a previously added leaf again. Only used to roll an
// uncommitted block back out of the tree when persistence fails.
func (a *Accumulator) Remove(sid utxo.SID) error {
	if err := a.tree.Delete(LeafKey(sid)); err != nil {
		return fmt.Errorf("accumulator delete of sid %d: %w", sid, err)
	}
	return nil
}

// Root returns the current root.
func (a *Accumulator) Root() AccRoot {
	root := a.tree.Root()
	return AccRoot{
		Hash: root.NodeHash(),
		Sum:  root.NodeSum(),
	}
}

// SealHeight retains the current root as the root after the given height.
func (a *Accumulator) SealHeight(height uint64) {
	a.roots[height] = a.Root()
}

// UnsealHeight drops a retained root again, undoing SealHeight during block
// rollback.
func (a *Accumulator) UnsealHeight(height uint64) {
	delete(a.roots, height)
}

// RootAt returns the root after the given height, if retained.
func (a *Accumulator) RootAt(height uint64) (AccRoot, bool) {
	root, ok := a.roots[height]
	return root, ok
}

// InclusionProof generates a merkle inclusion proof for the output with the
// given SID against the current root.
func (a *Accumulator) InclusionProof(sid utxo.SID) (*mssmt.Proof,
	*mssmt.LeafNode, error) {

	key := LeafKey(sid)
	leaf, err := a.tree.Get(key)
	if err != nil {
		return nil, nil, err
	}
	if leaf.IsEmpty() {
		return nil, nil, fmt.Errorf("no accumulator leaf for sid %d",
			sid)
	}

	proof, err := a.tree.MerkleProof(key)
	if err != nil {
		return nil, nil, err
	}
	return proof, leaf, nil
}

// VerifyInclusion checks an inclusion proof for the given SID and record
// digest against a root, current or historical.
func VerifyInclusion(sid utxo.SID, digest [32]byte, proof *mssmt.Proof,
	root AccRoot) bool {

	leaf := mssmt.NewLeafNode(digest[:], 1)
	rootNode := mssmt.NewComputedNode(root.Hash, root.Sum)
	return mssmt.VerifyMerkleProof(LeafKey(sid), leaf, proof, rootNode)
}

// Leaves exposes the backing store's leaves for persistence.
func (a *Accumulator) Leaves() map[[32]byte]*mssmt.LeafNode {
	return a.store.Leaves()
}

// NumLeaves returns the number of appended outputs.
func (a *Accumulator) NumLeaves() int {
	return a.store.NumLeaves()
}
