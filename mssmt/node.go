// Package mssmt implements a merkle-sum sparse merkle tree (MS-SMT): a
// sparse merkle tree whose branches additionally commit to the sum of their
// children's sum values. The ledger uses it as its state accumulator, with
// output digests as leaf values keyed by TxoSID.
package mssmt

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const (
	// hashSize is the size of hashes used in the MS-SMT.
	hashSize = sha256.Size
)

var (
	// EmptyLeafNode represents an empty leaf in a MS-SMT, one with a nil
	// value and 0 sum.
	EmptyLeafNode = NewLeafNode(nil, 0)

	// ZeroNodeHash represents the empty node hash that is all zeroes.
	ZeroNodeHash = NodeHash{}
)

// NodeHash represents the key of a MS-SMT node.
type NodeHash [hashSize]byte

// String returns a NodeHash as a hex-encoded string.
func (k NodeHash) String() string {
	return hex.EncodeToString(k[:])
}

// Node represents a MS-SMT node. A node can either be a leaf or a branch.
type Node interface {
	// NodeHash returns the unique identifier for a MS-SMT node. It
	// represents the hash of the node committing to its internal data.
	NodeHash() NodeHash

	// NodeSum returns the sum commitment of the node.
	NodeSum() uint64

	// Copy returns a deep copy of the node.
	Copy() Node
}

// IsEqualNode determines whether a and b are equal based on their NodeHash
// and NodeSum.
func IsEqualNode(a, b Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.NodeHash() == b.NodeHash() && a.NodeSum() == b.NodeSum()
}

// LeafNode represents a leaf node within a MS-SMT. Leaf nodes commit to a
// value and some integer value (the sum) associated with the value.
type LeafNode struct {
	// Cached nodeHash instance to prevent redundant computations.
	nodeHash *NodeHash

	Value []byte
	sum   uint64
}

// NewLeafNode constructs a new leaf node.
func NewLeafNode(value []byte, sum uint64) *LeafNode {
	return &LeafNode{
		Value: value,
		sum:   sum,
	}
}

// NodeHash returns the unique identifier for a MS-SMT node. It represents
// the hash of the leaf committing to its internal data.
func (n *LeafNode) NodeHash() NodeHash {
	if n.nodeHash != nil {
		return *n.nodeHash
	}

	h := sha256.New()
	h.Write(n.Value)
	_ = binary.Write(h, binary.BigEndian, n.sum)
	n.nodeHash = (*NodeHash)(h.Sum(nil))
	return *n.nodeHash
}

// NodeSum returns the sum commitment of the leaf node.
func (n *LeafNode) NodeSum() uint64 {
	return n.sum
}

// IsEmpty returns whether this is an empty leaf.
func (n *LeafNode) IsEmpty() bool {
	return len(n.Value) == 0 && n.sum == 0
}

// Copy returns a deep copy of the leaf node.
func (n *LeafNode) Copy() Node {
	var nodeHashCopy *NodeHash
	if n.nodeHash != nil {
		nodeHashCopy = &NodeHash{}
		copy(nodeHashCopy[:], n.nodeHash[:])
	}

	valueCopy := make([]byte, len(n.Value))
	copy(valueCopy, n.Value)

	return &LeafNode{
		nodeHash: nodeHashCopy,
		Value:    valueCopy,
		sum:      n.sum,
	}
}

// BranchNode represents an intermediate or root node within a MS-SMT. It
// commits to its left and right children, along with their respective sum
// values.
type BranchNode struct {
	// Cached instances to prevent redundant computations.
	nodeHash *NodeHash
	sum      *uint64

	Left  Node
	Right Node
}

// NewBranch constructs a new branch backed by its left and right children.
func NewBranch(left, right Node) *BranchNode {
	return &BranchNode{
		Left:  left,
		Right: right,
	}
}

// NodeHash returns the unique identifier for a MS-SMT node. It represents
// the hash of the branch committing to its internal data.
func (n *BranchNode) NodeHash() NodeHash {
	if n.nodeHash != nil {
		return *n.nodeHash
	}

	left := n.Left.NodeHash()
	right := n.Right.NodeHash()

	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	_ = binary.Write(h, binary.BigEndian, n.NodeSum())
	n.nodeHash = (*NodeHash)(h.Sum(nil))
	return *n.nodeHash
}

// NodeSum returns the sum commitment of the branch's left and right
// children.
func (n *BranchNode) NodeSum() uint64 {
	if n.sum != nil {
		return *n.sum
	}

	sum := n.Left.NodeSum() + n.Right.NodeSum()
	n.sum = &sum
	return sum
}

// Copy returns a deep copy of the branch node, with its children returned
// as ComputedNode.
func (n *BranchNode) Copy() Node {
	var nodeHashCopy *NodeHash
	if n.nodeHash != nil {
		nodeHashCopy = &NodeHash{}
		copy(nodeHashCopy[:], n.nodeHash[:])
	}

	var sumCopy *uint64
	if n.sum != nil {
		sumCopy = new(uint64)
		*sumCopy = *n.sum
	}

	return &BranchNode{
		nodeHash: nodeHashCopy,
		Left:     NewComputedNode(n.Left.NodeHash(), n.Left.NodeSum()),
		Right:    NewComputedNode(n.Right.NodeHash(), n.Right.NodeSum()),
		sum:      sumCopy,
	}
}

// ComputedNode is a node within a MS-SMT that has already had its NodeHash
// and NodeSum computed, i.e., its preimage is not available.
type ComputedNode struct {
	hash NodeHash
	sum  uint64
}

// NewComputedNode instantiates a new computed node.
func NewComputedNode(hash NodeHash, sum uint64) ComputedNode {
	return ComputedNode{hash: hash, sum: sum}
}

// NodeHash returns the unique identifier for a MS-SMT node. It represents
// the hash of the node committing to its internal data.
func (n ComputedNode) NodeHash() NodeHash {
	return n.hash
}

// NodeSum returns the sum commitment of the node.
func (n ComputedNode) NodeSum() uint64 {
	return n.sum
}

// Copy returns a deep copy of the node.
func (n ComputedNode) Copy() Node {
	return ComputedNode{
		hash: n.hash,
		sum:  n.sum,
	}
}
