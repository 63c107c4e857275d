package confidential

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

var testCtx = []byte("test-context")

func randomBlind(t *testing.T) *Scalar {
	t.Helper()

	blind, err := RandomScalar()
	require.NoError(t, err)
	return blind
}

// TestCommitmentForms tests the canonical commitment forms: zero blinds for
// plain values, hiding commitments otherwise.
func TestCommitmentForms(t *testing.T) {
	t.Parallel()

	// The zero-blinded form is deterministic.
	require.Equal(t, AmountCommit(42, nil), AmountCommit(42, nil))
	require.NotEqual(t, AmountCommit(42, nil), AmountCommit(43, nil))

	// A blinded commitment to the same value differs from the plain
	// form, and two blindings of the same value differ from each other.
	blind1, blind2 := randomBlind(t), randomBlind(t)
	require.NotEqual(t, AmountCommit(42, nil), AmountCommit(42, blind1))
	require.NotEqual(t, AmountCommit(42, blind1), AmountCommit(42, blind2))

	code := sha256.Sum256([]byte("asset"))
	require.Equal(t, TypeCommit(code, nil), TypeCommit(code, nil))
	require.NotEqual(t, TypeCommit(code, nil), TypeCommit(code, blind1))
}

// TestBalanceProof tests the balance proof: a balanced group verifies, and
// mismatched amounts cannot produce a verifying proof even with the correct
// blind delta.
func TestBalanceProof(t *testing.T) {
	t.Parallel()

	inBlind := randomBlind(t)
	outBlind1, outBlind2 := randomBlind(t), randomBlind(t)

	// 10_000 in, 6_000 + 3_900 out, 100 fee.
	inputs := []Commitment{AmountCommit(10_000, inBlind)}
	outputs := []Commitment{
		AmountCommit(6_000, outBlind1),
		AmountCommit(3_900, outBlind2),
	}

	negOut1, negOut2 := *outBlind1, *outBlind2
	delta := new(Scalar).Add2(inBlind, negOut1.Negate())
	delta.Add(negOut2.Negate())

	proof, err := ProveBalance(delta, inputs, outputs, 100, testCtx)
	require.NoError(t, err)
	require.NoError(t, VerifyBalance(proof, inputs, outputs, 100, testCtx))

	// Wrong fee: the statement changes, the proof dies.
	err = VerifyBalance(proof, inputs, outputs, 99, testCtx)
	require.ErrorIs(t, err, ErrInvalidProof)

	// Wrong context: bound transcripts do not transfer.
	err = VerifyBalance(proof, inputs, outputs, 100, []byte("other"))
	require.ErrorIs(t, err, ErrInvalidProof)

	// Falsified amounts: an output of 4_000 instead of 3_900 leaves a
	// non-zero value component that no blind delta can absorb.
	forged := []Commitment{
		AmountCommit(6_000, outBlind1),
		AmountCommit(4_000, outBlind2),
	}
	forgedProof, err := ProveBalance(delta, inputs, forged, 100, testCtx)
	require.NoError(t, err)
	err = VerifyBalance(forgedProof, inputs, forged, 100, testCtx)
	require.ErrorIs(t, err, ErrInvalidProof)

	// A missing proof never passes.
	err = VerifyBalance(nil, inputs, outputs, 100, testCtx)
	require.ErrorIs(t, err, ErrInvalidProof)
}

// TestRangeProof tests the 64-bit range proof round-trip and tampering.
func TestRangeProof(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		amount uint64
	}{
		{name: "zero", amount: 0},
		{name: "one", amount: 1},
		{name: "typical", amount: 4_000},
		{name: "max", amount: ^uint64(0)},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			blind := randomBlind(t)
			commit := AmountCommit(tc.amount, blind)

			proof, err := ProveRange(tc.amount, blind, testCtx)
			require.NoError(t, err)
			require.NoError(t, VerifyRange(proof, commit, testCtx))

			// A proof is bound to its commitment.
			other := AmountCommit(tc.amount+1, blind)
			err = VerifyRange(proof, other, testCtx)
			require.ErrorIs(t, err, ErrInvalidProof)

			// Tampering with any bit proof's response kills it.
			proof.Bits[13].S0[31] ^= 0x01
			err = VerifyRange(proof, commit, testCtx)
			require.ErrorIs(t, err, ErrInvalidProof)
		})
	}
}

// TestTypeMatchProof tests binding two type commitments to one hidden code.
func TestTypeMatchProof(t *testing.T) {
	t.Parallel()

	code := sha256.Sum256([]byte("alicecoin"))
	otherCode := sha256.Sum256([]byte("bobcoin"))

	blindA, blindB := randomBlind(t), randomBlind(t)
	commitA := TypeCommit(code, blindA)
	commitB := TypeCommit(code, blindB)

	negB := *blindB
	delta := new(Scalar).Add2(blindA, negB.Negate())

	proof, err := ProveTypeMatch(delta, commitA, commitB, testCtx)
	require.NoError(t, err)
	require.NoError(t, VerifyTypeMatch(proof, commitA, commitB, testCtx))

	// The plain (zero-blinded) form can be matched against a hidden
	// one, which is how fee types are proven.
	plain := TypeCommit(code, nil)
	proof, err = ProveTypeMatch(blindA, commitA, plain, testCtx)
	require.NoError(t, err)
	require.NoError(t, VerifyTypeMatch(proof, commitA, plain, testCtx))

	// Different codes under the same blinds do not match.
	mismatch := TypeCommit(otherCode, blindB)
	forged, err := ProveTypeMatch(delta, commitA, mismatch, testCtx)
	require.NoError(t, err)
	err = VerifyTypeMatch(forged, commitA, mismatch, testCtx)
	require.ErrorIs(t, err, ErrInvalidProof)
}

// TestOpening tests that an opening re-derives exactly its commitments.
func TestOpening(t *testing.T) {
	t.Parallel()

	code := sha256.Sum256([]byte("alicecoin"))
	amountBlind, typeBlind := randomBlind(t), randomBlind(t)

	opening := &Opening{
		Amount: 4_000,
		Code:   code,
	}
	amountBlind.PutBytes(&opening.AmountBlind)
	typeBlind.PutBytes(&opening.TypeBlind)

	amount := AmountCommit(4_000, amountBlind)
	typ := TypeCommit(code, typeBlind)
	require.True(t, opening.Matches(amount, typ))

	// Any field mismatch fails the check.
	opening.Amount = 4_001
	require.False(t, opening.Matches(amount, typ))
}
