package mssmt

import "fmt"

// Store represents a generic key-value store backing the storage of
// non-empty leaf and branch nodes in a MS-SMT.
type Store interface {
	// InsertBranch stores a new branch keyed by its NodeHash.
	InsertBranch(*BranchNode)

	// InsertLeaf stores a new leaf keyed by its insertion key.
	InsertLeaf([hashSize]byte, *LeafNode)

	// DeleteBranch deletes the branch node keyed by the given NodeHash.
	DeleteBranch(NodeHash)

	// DeleteLeaf deletes the leaf node keyed by the given insertion key.
	DeleteLeaf([hashSize]byte)

	// GetChildren returns the left and right child of the node keyed by
	// the given NodeHash at the given height.
	GetChildren(int, NodeHash) (Node, Node)
}

// DefaultStore is an in-memory implementation of the Store interface.
type DefaultStore struct {
	branches map[NodeHash]*BranchNode
	leaves   map[[hashSize]byte]*LeafNode

	// leavesByHash indexes leaves by their node hash, which is how
	// GetChildren resolves them while walking down.
	leavesByHash map[NodeHash]*LeafNode
}

var _ Store = (*DefaultStore)(nil)

// NewDefaultStore initializes a new DefaultStore.
func NewDefaultStore() *DefaultStore {
	return &DefaultStore{
		branches:     make(map[NodeHash]*BranchNode),
		leaves:       make(map[[hashSize]byte]*LeafNode),
		leavesByHash: make(map[NodeHash]*LeafNode),
	}
}

// NumBranches returns the number of stored branches.
func (c *DefaultStore) NumBranches() int {
	return len(c.branches)
}

// NumLeaves returns the number of stored leaves.
func (c *DefaultStore) NumLeaves() int {
	return len(c.leaves)
}

// InsertBranch stores a new branch keyed by its NodeHash.
func (c *DefaultStore) InsertBranch(branch *BranchNode) {
	c.branches[branch.NodeHash()] = branch
}

// InsertLeaf stores a new leaf keyed by its insertion key.
func (c *DefaultStore) InsertLeaf(key [hashSize]byte, leaf *LeafNode) {
	if prev, ok := c.leaves[key]; ok {
		delete(c.leavesByHash, prev.NodeHash())
	}
	c.leaves[key] = leaf
	c.leavesByHash[leaf.NodeHash()] = leaf
}

// DeleteBranch deletes the branch node keyed by the given NodeHash.
func (c *DefaultStore) DeleteBranch(key NodeHash) {
	delete(c.branches, key)
}

// DeleteLeaf deletes the leaf node keyed by the given insertion key.
func (c *DefaultStore) DeleteLeaf(key [hashSize]byte) {
	if prev, ok := c.leaves[key]; ok {
		delete(c.leavesByHash, prev.NodeHash())
	}
	delete(c.leaves, key)
}

// Leaves returns all stored leaves keyed by their insertion key. Used by the
// persistence layer to serialize the tree.
func (c *DefaultStore) Leaves() map[[hashSize]byte]*LeafNode {
	out := make(map[[hashSize]byte]*LeafNode, len(c.leaves))
	for key, leaf := range c.leaves {
		out[key] = leaf
	}
	return out
}

// GetChildren returns the left and right child of the node keyed by the
// given NodeHash at the given height.
func (c *DefaultStore) GetChildren(height int, key NodeHash) (Node, Node) {
	getNode := func(height int, key NodeHash) Node {
		if key == EmptyTree[height].NodeHash() {
			return EmptyTree[height]
		}
		if branch, ok := c.branches[key]; ok {
			return branch
		}
		if leaf, ok := c.leavesByHash[key]; ok {
			return leaf
		}
		return EmptyTree[height]
	}

	node := getNode(height, key)
	switch node := node.(type) {
	case *BranchNode:
		return getNode(height+1, node.Left.NodeHash()),
			getNode(height+1, node.Right.NodeHash())
	default:
		panic(fmt.Sprintf("unexpected node type %T with key %v", node,
			key))
	}
}
