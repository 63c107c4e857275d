package mssmt

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// MaxTreeLevels represents the depth of the MS-SMT.
	MaxTreeLevels = hashSize * 8

	// lastBitIndex represents the index of the last bit for MS-SMT keys.
	lastBitIndex = MaxTreeLevels - 1
)

var (
	// EmptyTree stores a copy of all nodes up to the root in a MS-SMT in
	// which all the leaves are empty.
	EmptyTree []Node

	// EmptyTreeRootHash caches the value of a completely empty tree's
	// root hash.
	EmptyTreeRootHash NodeHash

	// ErrIntegerOverflow is an error returned when the result of an
	// arithmetic operation on two integer values exceeds the maximum
	// value that can be stored in the data type.
	ErrIntegerOverflow = errors.New("integer overflow")
)

func init() {
	// Force the calculation of the node key for the empty node, so the
	// cached value is fully populated before the loop below reads it.
	EmptyLeafNode.NodeHash()

	// Initialize the empty MS-SMT by starting from an empty leaf and
	// hashing all the way up to the root.
	EmptyTree = make([]Node, MaxTreeLevels+1)
	EmptyTree[MaxTreeLevels] = EmptyLeafNode
	for i := lastBitIndex; i >= 0; i-- {
		branch := NewBranch(EmptyTree[i+1], EmptyTree[i+1])
		branch.NodeHash()
		branch.NodeSum()

		EmptyTree[i] = branch
	}

	EmptyTreeRootHash = EmptyTree[0].NodeHash()
}

// Tree represents a MS-SMT keyed by 32-byte keys.
type Tree struct {
	store Store
	root  *BranchNode
}

// NewTree initializes an empty MS-SMT backed by store. The store will only
// maintain non-empty relevant nodes: stale parents are deleted and empty
// nodes are never stored.
func NewTree(store Store) *Tree {
	return &Tree{
		store: store,
		root:  EmptyTree[0].(*BranchNode),
	}
}

// Root returns the root node of the MS-SMT.
func (t *Tree) Root() *BranchNode {
	return t.root
}

// bitIndex returns the bit found at idx for a key.
func bitIndex(idx uint8, key *[hashSize]byte) byte {
	byteVal := key[idx/8]
	return (byteVal >> (idx % 8)) & 1
}

// iterFunc is a type alias for closures to be invoked at every iteration of
// walking through a tree.
type iterFunc = func(height int, current, sibling, parent Node) error

// walkDown walks down the tree from the root node to the leaf indexed by
// key. The leaf node found is returned.
func (t *Tree) walkDown(key *[hashSize]byte, iter iterFunc) (*LeafNode,
	error) {

	var current Node = t.root
	for i := 0; i <= lastBitIndex; i++ {
		left, right := t.store.GetChildren(i, current.NodeHash())

		var next, sibling Node
		if bitIndex(uint8(i), key) == 0 {
			next, sibling = left, right
		} else {
			next, sibling = right, left
		}
		if iter != nil {
			if err := iter(i, next, sibling, current); err != nil {
				return nil, err
			}
		}
		current = next
	}

	leaf, ok := current.(*LeafNode)
	if !ok {
		return nil, fmt.Errorf("expected leaf at key %x, got %T",
			key[:], current)
	}
	return leaf, nil
}

// walkUp walks up from the start leaf node up to the root with the help of
// siblings. The root branch node computed is returned.
func walkUp(key *[hashSize]byte, start *LeafNode, siblings []Node,
	iter iterFunc) (*BranchNode, error) {

	var current Node = start
	for i := lastBitIndex; i >= 0; i-- {
		sibling := siblings[lastBitIndex-i]
		var parent Node
		if bitIndex(uint8(i), key) == 0 {
			parent = NewBranch(current, sibling)
		} else {
			parent = NewBranch(sibling, current)
		}
		if iter != nil {
			err := iter(i, current, sibling, parent)
			if err != nil {
				return nil, err
			}
		}
		current = parent
	}

	return current.(*BranchNode), nil
}

// Insert inserts a leaf node at the given key within the MS-SMT.
func (t *Tree) Insert(key [hashSize]byte, leaf *LeafNode) error {
	// Check if the new leaf would overflow the root sum.
	err := CheckSumOverflowUint64(t.root.NodeSum(), leaf.NodeSum())
	if err != nil {
		return fmt.Errorf("leaf insert sum overflow, root: %d, "+
			"leaf: %d; %w", t.root.NodeSum(), leaf.NodeSum(), err)
	}

	// As we walk down to the leaf node, we'll keep track of the sibling
	// and parent for each node we visit.
	prevParents := make([]NodeHash, MaxTreeLevels)
	siblings := make([]Node, MaxTreeLevels)
	_, err = t.walkDown(&key, func(i int, _, sibling, parent Node) error {
		prevParents[MaxTreeLevels-1-i] = parent.NodeHash()
		siblings[MaxTreeLevels-1-i] = sibling
		return nil
	})
	if err != nil {
		return err
	}

	// Now that we've arrived at the leaf node, we'll work our way back up
	// to the root, deleting any stale intermediate branches and inserting
	// the new ones.
	root, err := walkUp(&key, leaf, siblings,
		func(i int, _, _, parent Node) error {
			prevParent := prevParents[MaxTreeLevels-1-i]
			if prevParent != EmptyTree[i].NodeHash() {
				t.store.DeleteBranch(prevParent)
			}
			if parent.NodeHash() != EmptyTree[i].NodeHash() {
				t.store.InsertBranch(parent.(*BranchNode))
			}
			return nil
		},
	)
	if err != nil {
		return err
	}

	// With the branches updated, the leaf itself is inserted, or deleted
	// if the caller is replacing it with the empty leaf.
	if leaf.IsEmpty() {
		t.store.DeleteLeaf(key)
	} else {
		t.store.InsertLeaf(key, leaf)
	}

	t.root = root
	return nil
}

// Delete deletes the leaf node found at the given key within the MS-SMT.
func (t *Tree) Delete(key [hashSize]byte) error {
	return t.Insert(key, EmptyLeafNode)
}

// Get returns the leaf node found at the given key within the MS-SMT.
func (t *Tree) Get(key [hashSize]byte) (*LeafNode, error) {
	return t.walkDown(&key, nil)
}

// MerkleProof generates a merkle proof for the leaf node found at the given
// key within the MS-SMT. If a leaf node does not exist at the given key,
// then the proof should be considered a non-inclusion proof. This is noted
// by the returned Proof containing an empty leaf.
func (t *Tree) MerkleProof(key [hashSize]byte) (*Proof, error) {
	proof := make([]Node, MaxTreeLevels)
	_, err := t.walkDown(&key, func(i int, _, sibling, _ Node) error {
		proof[MaxTreeLevels-1-i] = sibling.Copy()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return NewProof(proof), nil
}

// VerifyMerkleProof determines whether a merkle proof for the leaf found at
// the given key is valid.
func VerifyMerkleProof(key [hashSize]byte, leaf *LeafNode, proof *Proof,
	root Node) bool {

	return IsEqualNode(proof.Root(key, leaf), root)
}

// CheckSumOverflowUint64 checks if the sum of two uint64 values will
// overflow.
func CheckSumOverflowUint64(a, b uint64) error {
	_, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ErrIntegerOverflow
	}
	return nil
}
