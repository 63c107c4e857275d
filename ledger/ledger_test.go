package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/txn"
	"github.com/veilledger/veil/utxo"
)

// testWindowSize keeps the replay window small enough to cross its boundary
// within a few blocks.
const testWindowSize = 4

type testActor struct {
	priv *btcec.PrivateKey
	key  asset.SerializedKey
}

func newActor(t *testing.T) testActor {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return testActor{priv: priv, key: asset.ToSerialized(priv.PubKey())}
}

// harness drives a persistence-free ledger through blocks, assigning each
// transaction a fresh sequence number.
type harness struct {
	t       *testing.T
	ledger  *Ledger
	nextSeq uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := Config{
		WindowSize:        testWindowSize,
		ValidationTimeout: time.Minute,
	}
	return &harness{t: t, ledger: New(cfg, nil)}
}

// tx wraps ops into a transaction signed by the given actors, the first of
// which is the replay identity.
func (h *harness) tx(signers []testActor, ops ...txn.Operation) *txn.Transaction {
	h.t.Helper()

	h.nextSeq++
	tx := &txn.Transaction{
		Ops:    ops,
		Signer: signers[0].key,
		Seq:    h.nextSeq,
	}
	for _, signer := range signers {
		require.NoError(h.t, tx.Sign(signer.priv))
	}
	return tx
}

// apply commits the next block and requires that the block itself succeeded.
// Per-transaction outcomes are the caller's to check.
func (h *harness) apply(txs ...*txn.Transaction) *BlockResult {
	h.t.Helper()

	res, err := h.ledger.ApplyBlock(
		context.Background(), h.ledger.Height()+1, txs,
	)
	require.NoError(h.t, err)
	return res
}

// requireAccepted asserts that every transaction in the block was accepted.
func requireAccepted(t *testing.T, res *BlockResult) {
	t.Helper()

	for i, txRes := range res.Results {
		require.NoError(t, txRes.Err, "tx %d rejected", i)
	}
}

// requireKind asserts that err is a validation error of the given kind.
func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()

	var lerr Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, kind, lerr.Kind, "got %v, want %v", lerr.Kind, kind)
}

func defineOp(code asset.Code, issuer testActor, transferable bool,
	maxUnits uint64) *txn.DefineAsset {

	return &txn.DefineAsset{
		Code:         code,
		Issuer:       issuer.key,
		Memo:         "test asset",
		Transferable: transferable,
		HasCap:       maxUnits != 0,
		MaxUnits:     maxUnits,
	}
}

func issueOp(code asset.Code, issuer testActor, amount uint64,
	to testActor) *txn.IssueAsset {

	return &txn.IssueAsset{
		Code:   code,
		Issuer: issuer.key,
		Amount: amount,
		Outputs: []txn.Output{{
			Owner:  to.key,
			Amount: utxo.PlainAmount(amount),
			Type:   utxo.PlainType(code),
		}},
	}
}

// inputSpec resolves a plain ledger output into a builder input.
func (h *harness) inputSpec(sid utxo.SID) txn.InputSpec {
	h.t.Helper()

	info, err := h.ledger.LookupUtxo(sid)
	require.NoError(h.t, err)
	return txn.InputSpec{Record: info.Record}
}

// plainTransfer builds a fully plain, fee-free transfer of one input.
func (h *harness) plainTransfer(owner testActor, sid utxo.SID, to testActor,
	amount uint64, code asset.Code) *txn.Transaction {

	h.t.Helper()

	op, _, err := txn.BuildTransfer(
		[]txn.InputSpec{h.inputSpec(sid)},
		[]txn.OutputSpec{{Owner: to.key, Amount: amount, Code: code}},
		txn.Fee{},
	)
	require.NoError(h.t, err)
	return h.tx([]testActor{owner}, op)
}

// TestAliceCoinEndToEnd walks the full lifecycle: AliceCoin is defined and
// issued plainly to Alice, who then pays Bob 4,000 units confidentially with
// an explicit fee and change. Bob recovers his amount from the owner memo and
// matches it against the on-ledger commitments.
func TestAliceCoinEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("AliceCoin", issuer.key)

	// Block 1: define. Block 2: issue 10,000 plain units to Alice.
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 10_000, alice)),
	))

	def := h.ledger.LookupAsset(code)
	require.NotNil(t, def)
	require.EqualValues(t, 10_000, def.Issued)
	require.EqualValues(t, 1, h.ledger.NumUtxos())

	// Block 3: Alice pays Bob 4,000 hidden with a memo, keeps 5,900 plain
	// change, and pays a 100 unit fee.
	op, outOpenings, err := txn.BuildTransfer(
		[]txn.InputSpec{h.inputSpec(0)},
		[]txn.OutputSpec{{
			Owner:  bob.key,
			Amount: 4_000,
			Code:   code,
			Hidden: true,
			MemoTo: bob.priv.PubKey(),
		}, {
			Owner:  alice.key,
			Amount: 5_900,
			Code:   code,
		}},
		txn.Fee{Amount: 100, Code: code},
	)
	require.NoError(t, err)
	requireAccepted(t, h.apply(h.tx([]testActor{alice}, op)))

	// Alice's original output is now spent; two outputs were created.
	spent, err := h.ledger.LookupUtxo(0)
	require.NoError(t, err)
	require.True(t, spent.Spent)
	require.EqualValues(t, 3, h.ledger.NumUtxos())

	// Bob's output hides both fields.
	bobInfo, err := h.ledger.LookupUtxo(1)
	require.NoError(t, err)
	require.Equal(t, bob.key, bobInfo.Record.Owner)
	require.Nil(t, bobInfo.Record.Amount.Plain)
	require.Nil(t, bobInfo.Record.Type.Plain)

	// Bob decrypts his memo and recovers exactly 4,000 units of AliceCoin,
	// consistent with the on-ledger commitments.
	sealed := h.ledger.FetchMemo(1)
	require.NotNil(t, sealed)
	opening, err := memo.Decrypt(bob.priv, sealed)
	require.NoError(t, err)
	require.EqualValues(t, 4_000, opening.Amount)
	require.EqualValues(t, code, opening.Code)
	require.True(t, opening.Matches(
		bobInfo.Record.Amount.Commitment, bobInfo.Record.Type.Commitment,
	))
	require.Equal(t, outOpenings[0], opening)

	// The plain change output carries no memo.
	require.Nil(t, h.ledger.FetchMemo(2))

	// The commitment chain links through the previous digests.
	c2, err := h.ledger.CommitmentAt(2)
	require.NoError(t, err)
	c3, err := h.ledger.CommitmentAt(3)
	require.NoError(t, err)
	require.Equal(t, c2.Digest, c3.PrevDigest)
	require.EqualValues(t, 3, c3.AccRoot.Sum)

	current, err := h.ledger.CurrentCommitment()
	require.NoError(t, err)
	require.Equal(t, c3, current)
}

// TestDoubleSpend tests the single-spend invariant in all three shapes: a
// spent output reused in a later block, two transactions contending for the
// same output inside one block, and a same-block output spent before it is
// visible.
func TestDoubleSpend(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("coin", issuer.key)

	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 1_000, alice)),
	))

	// Spend SID 0, then try to spend it again in the next block.
	requireAccepted(t, h.apply(
		h.plainTransfer(alice, 0, bob, 1_000, code),
	))
	res := h.apply(h.plainTransfer(alice, 0, bob, 1_000, code))
	requireKind(t, res.Results[0].Err, ErrDoubleSpend)
	require.Zero(t, res.NumAccepted)

	// Two transfers of SID 1 in one block, plus a spend of the output the
	// first of them will create. Both contenders validate against the
	// pre-block snapshot, but only the first survives the re-check; the
	// chained spend fails outright because same-block outputs are not
	// visible to validation.
	first := h.plainTransfer(bob, 1, alice, 1_000, code)
	second := h.plainTransfer(bob, 1, alice, 1_000, code)

	chainedOp, _, err := txn.BuildTransfer(
		[]txn.InputSpec{{Record: &utxo.Record{
			SID:    2,
			Owner:  alice.key,
			Amount: utxo.PlainAmount(1_000),
			Type:   utxo.PlainType(code),
		}}},
		[]txn.OutputSpec{{Owner: bob.key, Amount: 1_000, Code: code}},
		txn.Fee{},
	)
	require.NoError(t, err)
	chained := h.tx([]testActor{alice}, chainedOp)

	res = h.apply(first, second, chained)
	require.NoError(t, res.Results[0].Err)
	requireKind(t, res.Results[1].Err, ErrDoubleSpend)
	requireKind(t, res.Results[2].Err, ErrUnknownTxo)
	require.Equal(t, 1, res.NumAccepted)

	// One block later the chained spend is valid.
	requireAccepted(t, h.apply(h.plainTransfer(alice, 2, bob, 1_000, code)))
}

// TestReplayWindow tests replay rejection at the ledger level, including the
// exact eviction boundary at h+W-1.
func TestReplayWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer := newActor(t)

	// Height 1: a define with a fixed (signer, seq) pair.
	codeA := asset.DeriveCode("a", issuer.key)
	tx1 := h.tx([]testActor{issuer}, defineOp(codeA, issuer, true, 0))
	requireAccepted(t, h.apply(tx1))
	recordedAt := h.ledger.Height()

	// A different, otherwise valid transaction reusing the same pair.
	replayed := func(tag string) *txn.Transaction {
		code := asset.DeriveCode(tag, issuer.key)
		tx := &txn.Transaction{
			Ops:    []txn.Operation{defineOp(code, issuer, true, 0)},
			Signer: issuer.key,
			Seq:    tx1.Seq,
		}
		require.NoError(t, tx.Sign(issuer.priv))
		return tx
	}

	// Two identical pairs inside one block: the second is caught by the
	// in-block re-check.
	res := h.apply(replayed("b"), replayed("c"))
	requireKind(t, res.Results[0].Err, ErrReplay)
	requireKind(t, res.Results[1].Err, ErrReplay)

	// Advance with empty blocks until height recordedAt+W-1: the pair is
	// still inside the window and still rejected.
	for h.ledger.Height() < recordedAt+testWindowSize-2 {
		h.apply()
	}
	res = h.apply(replayed("d"))
	require.Equal(t, recordedAt+testWindowSize-1, res.Height)
	requireKind(t, res.Results[0].Err, ErrReplay)

	// One block later the entry has been evicted and the pair is free for
	// reuse.
	res = h.apply(replayed("e"))
	require.Equal(t, recordedAt+testWindowSize, res.Height)
	requireAccepted(t, res)
}

// TestIssuanceCap tests the cap boundary: issuance up to the cap exactly is
// accepted, one unit past it is rejected, including across transactions
// inside one block.
func TestIssuanceCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice := newActor(t), newActor(t)
	code := asset.DeriveCode("capped", issuer.key)

	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 1_000)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 600, alice)),
	))

	// Two issuances in one block: 400 lands exactly on the cap, the next
	// single unit crosses it. The early check passes both against the
	// pre-block counter; the re-check catches the crossing.
	res := h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 400, alice)),
		h.tx([]testActor{issuer}, issueOp(code, issuer, 1, alice)),
	)
	require.NoError(t, res.Results[0].Err)
	requireKind(t, res.Results[1].Err, ErrExceedsCap)

	def := h.ledger.LookupAsset(code)
	require.EqualValues(t, 1_000, def.Issued)

	// Fully issued: any further issuance is rejected outright.
	res = h.apply(h.tx([]testActor{issuer}, issueOp(code, issuer, 1, alice)))
	requireKind(t, res.Results[0].Err, ErrExceedsCap)
}

// TestUndefinedAssetIssuance tests that issuing an unregistered asset is
// rejected and leaves no trace in the state, and that a definition is not
// usable before its block commits.
func TestUndefinedAssetIssuance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice := newActor(t), newActor(t)
	code := asset.DeriveCode("ghost", issuer.key)

	res := h.apply(h.tx([]testActor{issuer}, issueOp(code, issuer, 100, alice)))
	requireKind(t, res.Results[0].Err, ErrUnknownAsset)
	require.Zero(t, h.ledger.NumAssets())
	require.Zero(t, h.ledger.NumUtxos())

	// Define and issue in the same block: the issuance validates against
	// the pre-block snapshot, where the definition does not exist yet.
	res = h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0)),
		h.tx([]testActor{issuer}, issueOp(code, issuer, 100, alice)),
	)
	require.NoError(t, res.Results[0].Err)
	requireKind(t, res.Results[1].Err, ErrUnknownAsset)

	// One block later it works.
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 100, alice)),
	))
}

// TestAtomicDefineIssue tests that a single transaction may define an asset
// and issue it in a later operation of the same transaction, and that the
// cap and duplicate checks cover the whole chain.
func TestAtomicDefineIssue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice := newActor(t), newActor(t)

	// Define and issue in one atomic transaction: the issuance observes
	// the definition made by the earlier operation.
	code := asset.DeriveCode("atomic", issuer.key)
	requireAccepted(t, h.apply(h.tx(
		[]testActor{issuer},
		defineOp(code, issuer, true, 1_000),
		issueOp(code, issuer, 600, alice),
	)))

	def := h.ledger.LookupAsset(code)
	require.NotNil(t, def)
	require.EqualValues(t, 600, def.Issued)
	require.EqualValues(t, 1, h.ledger.NumUtxos())

	// Two issuances chained behind a capped definition reject the whole
	// transaction once their sum crosses the cap, leaving no trace.
	code2 := asset.DeriveCode("atomic2", issuer.key)
	res := h.apply(h.tx(
		[]testActor{issuer},
		defineOp(code2, issuer, true, 1_000),
		issueOp(code2, issuer, 600, alice),
		issueOp(code2, issuer, 500, alice),
	))
	requireKind(t, res.Results[0].Err, ErrExceedsCap)
	require.Nil(t, h.ledger.LookupAsset(code2))

	// Defining the same code twice in one transaction is a duplicate.
	code3 := asset.DeriveCode("atomic3", issuer.key)
	res = h.apply(h.tx(
		[]testActor{issuer},
		defineOp(code3, issuer, true, 0),
		defineOp(code3, issuer, true, 0),
	))
	requireKind(t, res.Results[0].Err, ErrDuplicateAsset)
	require.Nil(t, h.ledger.LookupAsset(code3))
}

// TestNonTransferable tests that a non-transferable asset moves freely out of
// the issuer's hands only through issuance, never through transfer by a
// holder.
func TestNonTransferable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("soulbound", issuer.key)

	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, false, 0)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 500, issuer)),
	))

	// The issuer may still move their own holdings.
	requireAccepted(t, h.apply(
		h.plainTransfer(issuer, 0, alice, 500, code),
	))

	// Alice holding the units cannot pass them on.
	res := h.apply(h.plainTransfer(alice, 1, bob, 500, code))
	requireKind(t, res.Results[0].Err, ErrNotTransferable)
}

// TestTransferAuthorization tests that every input owner must have signed.
func TestTransferAuthorization(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice, mallory := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("coin", issuer.key)

	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 100, alice)),
	))

	// Mallory signs as the replay identity but not as the input owner.
	op, _, err := txn.BuildTransfer(
		[]txn.InputSpec{h.inputSpec(0)},
		[]txn.OutputSpec{{Owner: mallory.key, Amount: 100, Code: code}},
		txn.Fee{},
	)
	require.NoError(t, err)
	res := h.apply(h.tx([]testActor{mallory}, op))
	requireKind(t, res.Results[0].Err, ErrBadSignature)

	// Alice's own output remains unspent.
	info, err := h.ledger.LookupUtxo(0)
	require.NoError(t, err)
	require.False(t, info.Spent)
}

// TestCommitmentDeterminism tests that two replicas applying the same blocks
// arrive at identical state commitments at every height.
func TestCommitmentDeterminism(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	replica := New(h.ledger.cfg, nil)
	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("coin", issuer.key)

	op, _, err := txn.BuildTransfer(
		[]txn.InputSpec{{Record: &utxo.Record{
			SID:    0,
			Owner:  alice.key,
			Amount: utxo.PlainAmount(1_000),
			Type:   utxo.PlainType(code),
		}}},
		[]txn.OutputSpec{{
			Owner:  bob.key,
			Amount: 900,
			Code:   code,
			Hidden: true,
			MemoTo: bob.priv.PubKey(),
		}},
		txn.Fee{Amount: 100, Code: code},
	)
	require.NoError(t, err)

	blocks := [][]*txn.Transaction{
		{h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0))},
		{h.tx([]testActor{issuer}, issueOp(code, issuer, 1_000, alice))},
		{h.tx([]testActor{alice}, op)},
	}

	for i, block := range blocks {
		height := uint64(i + 1)
		resA, err := h.ledger.ApplyBlock(
			context.Background(), height, block,
		)
		require.NoError(t, err)
		resB, err := replica.ApplyBlock(
			context.Background(), height, block,
		)
		require.NoError(t, err)

		requireAccepted(t, resA)
		requireAccepted(t, resB)
		require.Equal(t, resA.Commitment, resB.Commitment)
	}
}

// TestInclusionProof tests the state accumulator: a committed output proves
// against the current commitment's root, tampered digests fail, and spent
// outputs remain provable as having existed.
func TestInclusionProof(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("coin", issuer.key)

	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 1_000, alice)),
	))

	current, err := h.ledger.CurrentCommitment()
	require.NoError(t, err)

	info, err := h.ledger.LookupUtxo(0)
	require.NoError(t, err)
	proof, leaf, err := h.ledger.InclusionProof(0)
	require.NoError(t, err)
	require.False(t, leaf.IsEmpty())

	digest := info.Record.Digest()
	require.True(t, VerifyInclusion(0, digest, proof, current.AccRoot))

	// A tampered record digest fails against the same root.
	tampered := digest
	tampered[0] ^= 0x01
	require.False(t, VerifyInclusion(0, tampered, proof, current.AccRoot))

	// The proof does not transfer to a different SID.
	require.False(t, VerifyInclusion(1, digest, proof, current.AccRoot))

	// Spending the output does not remove it from the accumulator: a
	// fresh proof against the new root still verifies.
	requireAccepted(t, h.apply(h.plainTransfer(alice, 0, bob, 1_000, code)))
	current, err = h.ledger.CurrentCommitment()
	require.NoError(t, err)
	require.EqualValues(t, 2, current.AccRoot.Sum)

	proof, _, err = h.ledger.InclusionProof(0)
	require.NoError(t, err)
	require.True(t, VerifyInclusion(0, digest, proof, current.AccRoot))

	// An unknown SID has no proof.
	_, _, err = h.ledger.InclusionProof(99)
	require.Error(t, err)
}

// TestBlockHeightOrdering tests that blocks must arrive in strict height
// order.
func TestBlockHeightOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.ApplyBlock(ctx, 2, nil)
	require.Error(t, err)

	res, err := h.ledger.ApplyBlock(ctx, 1, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Height)

	_, err = h.ledger.ApplyBlock(ctx, 1, nil)
	require.Error(t, err)
	require.EqualValues(t, 1, h.ledger.Height())
}

// TestForgedBalance tests balance falsifiability end to end: a transfer whose
// hidden outputs exceed its inputs cannot be made to verify, even by the
// party holding all the blinds.
func TestForgedBalance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("coin", issuer.key)

	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, defineOp(code, issuer, true, 0)),
	))
	requireAccepted(t, h.apply(
		h.tx([]testActor{issuer}, issueOp(code, issuer, 1_000, alice)),
	))

	// The builder itself refuses the unbalanced books.
	_, _, err := txn.BuildTransfer(
		[]txn.InputSpec{h.inputSpec(0)},
		[]txn.OutputSpec{{
			Owner:  bob.key,
			Amount: 1_001,
			Code:   code,
			Hidden: true,
		}},
		txn.Fee{},
	)
	require.ErrorIs(t, err, txn.ErrUnbalancedTransfer)

	// Build a balanced transfer, then swap in an inflated output with its
	// own valid-looking range proof. The balance proof no longer holds.
	op, _, err := txn.BuildTransfer(
		[]txn.InputSpec{h.inputSpec(0)},
		[]txn.OutputSpec{{
			Owner:  bob.key,
			Amount: 1_000,
			Code:   code,
			Hidden: true,
		}},
		txn.Fee{},
	)
	require.NoError(t, err)

	// Tamper directly: replace the output commitment with one for double
	// the amount. Every proof bound to the original commitment dies.
	blind, err := confidential.RandomScalar()
	require.NoError(t, err)
	op.Outputs[0].Amount = utxo.HiddenAmount(
		confidential.AmountCommit(2_000, blind),
	)
	res := h.apply(h.tx([]testActor{alice}, op))
	requireKind(t, res.Results[0].Err, ErrBadProof)
}
