package mssmt

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) [32]byte {
	t.Helper()

	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

func randLeaf(t *testing.T, sum uint64) *LeafNode {
	t.Helper()

	value := make([]byte, 32)
	_, err := rand.Read(value)
	require.NoError(t, err)
	return NewLeafNode(value, sum)
}

// TestTreeInsertGet tests insertion, retrieval and the root sum invariant.
func TestTreeInsertGet(t *testing.T) {
	t.Parallel()

	tree := NewTree(NewDefaultStore())
	require.Equal(t, EmptyTreeRootHash, tree.Root().NodeHash())

	leaves := make(map[[32]byte]*LeafNode)
	var wantSum uint64
	for i := 0; i < 50; i++ {
		key := randKey(t)
		leaf := randLeaf(t, 1)
		require.NoError(t, tree.Insert(key, leaf))
		leaves[key] = leaf
		wantSum++
	}

	require.Equal(t, wantSum, tree.Root().NodeSum())
	require.NotEqual(t, EmptyTreeRootHash, tree.Root().NodeHash())

	for key, leaf := range leaves {
		got, err := tree.Get(key)
		require.NoError(t, err)
		require.Equal(t, leaf.NodeHash(), got.NodeHash())
	}

	// A missing key yields the empty leaf.
	missing, err := tree.Get(randKey(t))
	require.NoError(t, err)
	require.True(t, missing.IsEmpty())
}

// TestTreeDelete tests that deletion restores the prior root.
func TestTreeDelete(t *testing.T) {
	t.Parallel()

	tree := NewTree(NewDefaultStore())
	keyA, keyB := randKey(t), randKey(t)

	require.NoError(t, tree.Insert(keyA, randLeaf(t, 1)))
	rootAfterA := tree.Root().NodeHash()

	require.NoError(t, tree.Insert(keyB, randLeaf(t, 1)))
	require.NoError(t, tree.Delete(keyB))

	require.Equal(t, rootAfterA, tree.Root().NodeHash())
	require.EqualValues(t, 1, tree.Root().NodeSum())

	require.NoError(t, tree.Delete(keyA))
	require.Equal(t, EmptyTreeRootHash, tree.Root().NodeHash())
}

// TestMerkleProof tests proof generation, verification and tampering.
func TestMerkleProof(t *testing.T) {
	t.Parallel()

	tree := NewTree(NewDefaultStore())

	keys := make([][32]byte, 10)
	leaves := make([]*LeafNode, 10)
	for i := range keys {
		keys[i] = randKey(t)
		leaves[i] = randLeaf(t, 1)
		require.NoError(t, tree.Insert(keys[i], leaves[i]))
	}
	root := tree.Root()

	for i := range keys {
		proof, err := tree.MerkleProof(keys[i])
		require.NoError(t, err)
		require.True(t,
			VerifyMerkleProof(keys[i], leaves[i], proof, root))

		// The wrong leaf fails.
		require.False(t,
			VerifyMerkleProof(keys[i], randLeaf(t, 1), proof, root))

		// A tampered sibling fails.
		tampered := proof.Copy()
		tampered.Nodes[0] = randLeaf(t, 1)
		require.False(t,
			VerifyMerkleProof(keys[i], leaves[i], tampered, root))
	}

	// Non-inclusion: proving an absent key against the empty leaf.
	absent := randKey(t)
	proof, err := tree.MerkleProof(absent)
	require.NoError(t, err)
	require.True(t,
		VerifyMerkleProof(absent, EmptyLeafNode, proof, root))
}

// TestProofCompression tests that compressed proofs decompress to an
// equivalent proof, and that inconsistent compressed proofs are rejected.
func TestProofCompression(t *testing.T) {
	t.Parallel()

	tree := NewTree(NewDefaultStore())
	key := randKey(t)
	leaf := randLeaf(t, 1)
	require.NoError(t, tree.Insert(key, leaf))
	require.NoError(t, tree.Insert(randKey(t), randLeaf(t, 1)))

	proof, err := tree.MerkleProof(key)
	require.NoError(t, err)

	compressed := proof.Compress()
	// With two leaves, nearly every sibling is an empty subtree.
	require.Less(t, len(compressed.Nodes), len(proof.Nodes))

	decompressed, err := compressed.Decompress()
	require.NoError(t, err)
	require.True(t,
		VerifyMerkleProof(key, leaf, decompressed, tree.Root()))

	// Claiming fewer explicit nodes than the bit vector demands fails.
	compressed.Nodes = compressed.Nodes[:len(compressed.Nodes)-1]
	_, err = compressed.Decompress()
	require.ErrorIs(t, err, ErrInvalidCompressedProof)
}

// TestInsertSumOverflow tests the root sum overflow guard.
func TestInsertSumOverflow(t *testing.T) {
	t.Parallel()

	tree := NewTree(NewDefaultStore())
	require.NoError(t, tree.Insert(randKey(t), randLeaf(t, ^uint64(0))))

	err := tree.Insert(randKey(t), randLeaf(t, 1))
	require.ErrorIs(t, err, ErrIntegerOverflow)
}
