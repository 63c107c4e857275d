package ledgerdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/ledger"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/txn"
	"github.com/veilledger/veil/utxo"
)

var testCfg = ledger.Config{
	WindowSize:        4,
	ValidationTimeout: time.Minute,
}

type actor struct {
	priv *btcec.PrivateKey
	key  asset.SerializedKey
}

func newActor(t *testing.T) actor {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return actor{priv: priv, key: asset.ToSerialized(priv.PubKey())}
}

func signedTx(t *testing.T, signer actor, seq uint64,
	ops ...txn.Operation) *txn.Transaction {

	t.Helper()

	tx := &txn.Transaction{Ops: ops, Signer: signer.key, Seq: seq}
	require.NoError(t, tx.Sign(signer.priv))
	return tx
}

// applyAccepted commits the next block and requires every transaction in it
// to have been accepted.
func applyAccepted(t *testing.T, l *ledger.Ledger,
	txs ...*txn.Transaction) *ledger.BlockResult {

	t.Helper()

	res, err := l.ApplyBlock(context.Background(), l.Height()+1, txs)
	require.NoError(t, err)
	for i, txRes := range res.Results {
		require.NoError(t, txRes.Err, "tx %d rejected", i)
	}
	return res
}

func requireKind(t *testing.T, err error, kind ledger.ErrorKind) {
	t.Helper()

	var lerr ledger.Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, kind, lerr.Kind)
}

// TestLedgerResume tests that a ledger reopened from its database is
// indistinguishable from one that never went down: same commitments, same
// records and memos, same replay and spent state, and identical commitments
// for the blocks that follow.
func TestLedgerResume(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "veil.db")
	original, store, err := OpenLedger(path, testCfg)
	require.NoError(t, err)

	// A persistence-free replica applies the exact same blocks for
	// comparison across the restart.
	replica := ledger.New(testCfg, nil)

	issuer, alice, bob := newActor(t), newActor(t), newActor(t)
	code := asset.DeriveCode("AliceCoin", issuer.key)

	applyBoth := func(txs ...*txn.Transaction) {
		resA := applyAccepted(t, original, txs...)
		resB := applyAccepted(t, replica, txs...)
		require.Equal(t, resA.Commitment, resB.Commitment)
	}

	// Blocks 1-2: define and issue.
	applyBoth(signedTx(t, issuer, 1, &txn.DefineAsset{
		Code:         code,
		Issuer:       issuer.key,
		Memo:         "AliceCoin",
		Transferable: true,
	}))
	applyBoth(signedTx(t, issuer, 2, &txn.IssueAsset{
		Code:   code,
		Issuer: issuer.key,
		Amount: 10_000,
		Outputs: []txn.Output{{
			Owner:  alice.key,
			Amount: utxo.PlainAmount(10_000),
			Type:   utxo.PlainType(code),
		}},
	}))

	// Block 3: Alice pays Bob 4,000 confidentially with a memo.
	info, err := original.LookupUtxo(0)
	require.NoError(t, err)
	op, _, err := txn.BuildTransfer(
		[]txn.InputSpec{{Record: info.Record}},
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
	applyBoth(signedTx(t, alice, 3, op))

	before, err := original.CurrentCommitment()
	require.NoError(t, err)

	height, err := store.Height()
	require.NoError(t, err)
	require.EqualValues(t, 3, height)
	require.NoError(t, store.Close())

	// Reopen: the resumed ledger picks up at the committed height with the
	// exact same commitment.
	resumed, store2, err := OpenLedger(path, testCfg)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store2.Close())
	}()

	require.EqualValues(t, 3, resumed.Height())
	after, err := resumed.CurrentCommitment()
	require.NoError(t, err)
	require.Equal(t, before, after)

	mid, err := resumed.CommitmentAt(2)
	require.NoError(t, err)
	require.Equal(t, mid.Digest, after.PrevDigest)

	// Spent bits survived.
	spent, err := resumed.LookupUtxo(0)
	require.NoError(t, err)
	require.True(t, spent.Spent)

	// Bob's record and memo survived; his opening still matches the
	// on-ledger commitments.
	bobInfo, err := resumed.LookupUtxo(1)
	require.NoError(t, err)
	require.Equal(t, bob.key, bobInfo.Record.Owner)

	sealed := resumed.FetchMemo(1)
	require.NotNil(t, sealed)
	opening, err := memo.Decrypt(bob.priv, sealed)
	require.NoError(t, err)
	require.EqualValues(t, 4_000, opening.Amount)
	require.True(t, opening.Matches(
		bobInfo.Record.Amount.Commitment, bobInfo.Record.Type.Commitment,
	))

	// Block 4 after the restart: Bob spends his hidden output. The resumed
	// ledger and the never-restarted replica still agree.
	bobOp, _, err := txn.BuildTransfer(
		[]txn.InputSpec{{Record: bobInfo.Record, Opening: opening}},
		[]txn.OutputSpec{{Owner: alice.key, Amount: 3_900, Code: code}},
		txn.Fee{Amount: 100, Code: code},
	)
	require.NoError(t, err)
	bobTx := signedTx(t, bob, 4, bobOp)

	resA := applyAccepted(t, resumed, bobTx)
	resB := applyAccepted(t, replica, bobTx)
	require.Equal(t, resA.Commitment, resB.Commitment)

	// Replay entries survived the restart: Alice's block-3 pair is still
	// inside the window and rejected.
	res, err := resumed.ApplyBlock(
		context.Background(), resumed.Height()+1,
		[]*txn.Transaction{signedTx(t, alice, 3, &txn.DefineAsset{
			Code:         asset.DeriveCode("other", alice.key),
			Issuer:       alice.key,
			Transferable: true,
		})},
	)
	require.NoError(t, err)
	requireKind(t, res.Results[0].Err, ledger.ErrReplay)

	// And the spent bit too: re-spending Alice's original output fails.
	respend, _, err := txn.BuildTransfer(
		[]txn.InputSpec{{Record: spent.Record}},
		[]txn.OutputSpec{{Owner: alice.key, Amount: 10_000, Code: code}},
		txn.Fee{},
	)
	require.NoError(t, err)
	res, err = resumed.ApplyBlock(
		context.Background(), resumed.Height()+1,
		[]*txn.Transaction{signedTx(t, alice, 99, respend)},
	)
	require.NoError(t, err)
	requireKind(t, res.Results[0].Err, ledger.ErrDoubleSpend)
}

// TestStoreHeightGuard tests that the store only accepts deltas advancing the
// persisted height by exactly one.
func TestStoreHeightGuard(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "veil.db"))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	height, err := store.Height()
	require.NoError(t, err)
	require.Zero(t, height)

	err = store.SaveBlock(&ledger.BlockDelta{Height: 2})
	require.Error(t, err)

	// The failed update left nothing behind.
	height, err = store.Height()
	require.NoError(t, err)
	require.Zero(t, height)
}

// TestOpenValidation tests path validation and schema round-trips.
func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.Error(t, err)

	// A database written once reopens cleanly under the same schema.
	path := filepath.Join(t.TempDir(), "veil.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, path, store.Path())
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
