package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/fn"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/replay"
	"github.com/veilledger/veil/txn"
	"github.com/veilledger/veil/utxo"
)

// TxResult is the per-transaction outcome of a block.
type TxResult struct {
	// TxID is the transaction's identifier.
	TxID chainhash.Hash

	// Err is nil if the transaction was accepted, or the validation
	// error that rejected it.
	Err error
}

// BlockResult is the outcome of a committed block.
type BlockResult struct {
	// Height is the committed height.
	Height uint64

	// Commitment is the state commitment after the block.
	Commitment StateCommitment

	// Results are the per-transaction outcomes, in block order.
	Results []TxResult

	// NumAccepted is the number of accepted transactions.
	NumAccepted int
}

// blockScratch stages everything a block changes. Nothing in here touches
// the canonical state until the block has persisted.
type blockScratch struct {
	height   uint64
	registry *asset.Registry
	bitmap   *utxo.Bitmap

	newRecords []*utxo.Record
	newMemos   map[utxo.SID]*memo.OwnerMemo
	spentSIDs  []utxo.SID

	replayKeys []replay.Key
	seenKeys   map[replay.Key]struct{}

	// touched are the asset codes defined or issued in this block, so
	// the delta only carries the definitions that changed.
	touched map[asset.Code]struct{}

	// insertedSIDs tracks accumulator inserts for rollback on a
	// persistence failure.
	insertedSIDs []utxo.SID
}

// ApplyBlock validates and applies one ordered block of transactions. Blocks
// must arrive in strictly increasing height order. Transactions that fail
// validation or a stateful re-check are rejected individually; the block
// itself commits with the survivors. The whole block aborts only on a
// consistency fault (ApplyError) or a persistence failure (StorageError), in
// which case the canonical state is left at the previous height.
func (l *Ledger) ApplyBlock(ctx context.Context, height uint64,
	txs []*txn.Transaction) (*BlockResult, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if height != l.height+1 {
		return nil, fmt.Errorf("block height %d does not follow "+
			"committed height %d", height, l.height)
	}

	log.Debugf("Applying block height=%d num_txs=%d", height, len(txs))

	// Evict the replay entries that fall out of the window at this height
	// before any transaction is checked, so a pair recorded at height h is
	// accepted again exactly at h+W.
	l.window.AdvanceTo(height)

	// Phase 1: validate all transactions in parallel against the
	// immutable pre-block snapshot. This is where the proof and
	// signature CPU time is spent.
	snap := l.snapshot()
	results := make([]TxResult, len(txs))

	vCtx, cancel := context.WithTimeout(ctx, l.cfg.ValidationTimeout)
	defer cancel()

	indices := make([]int, len(txs))
	for i := range indices {
		indices[i] = i
	}
	err := fn.ParSlice(vCtx, indices, func(ctx context.Context,
		i int) error {

		results[i] = TxResult{
			TxID: txs[i].TxID(),
			Err:  validateTx(ctx, snap, txs[i]),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("validation pool: %w", err)
	}

	// Phase 2: sequential application against the block scratch. Cheap
	// stateful preconditions are re-checked here so a later transaction
	// observes the effects of earlier ones in the same block.
	scratch := &blockScratch{
		height:   height,
		registry: l.registry.Clone(),
		bitmap:   l.bitmap.Clone(),
		newMemos: make(map[utxo.SID]*memo.OwnerMemo),
		seenKeys: make(map[replay.Key]struct{}),
		touched:  make(map[asset.Code]struct{}),
	}
	scratch.bitmap.ClearDirty()

	numAccepted := 0
	for i, tx := range txs {
		if results[i].Err != nil {
			log.Debugf("Block %d tx %d (%v) rejected: %v", height,
				i, results[i].TxID, results[i].Err)
			continue
		}

		if err := l.recheckTx(scratch, tx); err != nil {
			results[i].Err = err
			log.Debugf("Block %d tx %d (%v) rejected on "+
				"re-check: %v", height, i, results[i].TxID,
				err)
			continue
		}

		if err := l.applyTx(scratch, tx); err != nil {
			// A mutation failed after its re-check passed: the
			// unreachable consistency fault.
			return nil, &ApplyError{
				Height:  height,
				TxIndex: i,
				Inner:   err,
			}
		}
		numAccepted++
	}

	// Phase 3: commit. The new commitment covers the post-block
	// accumulator root, bitmap checksum and registry checksum.
	commit := StateCommitment{
		Height:           height,
		PrevDigest:       l.prevDigest(),
		AccRoot:          l.acc.Root(),
		BitmapChecksum:   scratch.bitmap.Checksum(),
		RegistryChecksum: scratch.registry.Checksum(),
	}
	commit.computeDigest()
	l.acc.SealHeight(height)

	if l.store != nil {
		delta := buildDelta(scratch, commit, l.window)
		if err := l.store.SaveBlock(delta); err != nil {
			l.rollbackBlock(scratch, height)
			return nil, &StorageError{Height: height, Inner: err}
		}
	}

	// Phase 4: merge the scratch into the canonical state. From here on
	// nothing can fail.
	l.registry = scratch.registry
	l.bitmap = scratch.bitmap
	l.bitmap.ClearDirty()
	for _, rec := range scratch.newRecords {
		l.records[rec.SID] = rec
	}
	for sid, m := range scratch.newMemos {
		l.memos[sid] = m
	}
	for _, key := range scratch.replayKeys {
		// Cannot collide: re-checks rejected duplicates.
		if err := l.window.Record(key, height); err != nil {
			return nil, &ApplyError{
				Height: height,
				Inner:  err,
			}
		}
	}
	l.height = height
	l.commitments = append(l.commitments, commit)

	log.Infof("Committed block height=%d accepted=%d/%d commitment=%v "+
		"outputs=%d", height, numAccepted, len(txs), &commit,
		commit.AccRoot.Sum)
	log.Tracef("Block %d scratch: %v", height,
		limitSpewer.Sdump(scratch.newRecords))

	return &BlockResult{
		Height:      height,
		Commitment:  commit,
		Results:     results,
		NumAccepted: numAccepted,
	}, nil
}

// rollbackBlock removes the block's accumulator inserts again after a
// persistence failure, restoring the tree to the previous root. The scratch
// registry and bitmap are simply dropped.
func (l *Ledger) rollbackBlock(scratch *blockScratch, height uint64) {
	l.acc.UnsealHeight(height)
	for _, sid := range scratch.insertedSIDs {
		if err := l.acc.Remove(sid); err != nil {
			log.Criticalf("Rollback of block %d could not remove "+
				"accumulator leaf %d: %v", height, sid, err)
		}
	}
}

// recheckTx re-verifies the cheap stateful preconditions of an already
// validated transaction against the in-block scratch: replay, registry state
// and spent bits, all of which an earlier transaction in the block may have
// changed. No state is mutated.
func (l *Ledger) recheckTx(scratch *blockScratch, tx *txn.Transaction) error {
	key := replay.Key{Signer: tx.Signer, Seq: tx.Seq}
	if l.window.Contains(key) {
		return newErrInner(ErrReplay, fmt.Errorf("pair %v", key))
	}
	if _, ok := scratch.seenKeys[key]; ok {
		return newErrInner(ErrReplay, fmt.Errorf(
			"pair %v seen earlier in block", key))
	}

	// In-transaction overlays: a later operation in the same transaction
	// observes the effects of earlier ones.
	pendingDefs := make(map[asset.Code]*asset.Definition)
	pendingIssued := make(map[asset.Code]uint64)
	txSpent := make(map[utxo.SID]struct{})

	for _, op := range tx.Ops {
		switch op := op.(type) {
		case *txn.DefineAsset:
			if scratch.registry.Lookup(op.Code) != nil {
				return newErrInner(ErrDuplicateAsset,
					fmt.Errorf("code %v", op.Code))
			}
			if _, ok := pendingDefs[op.Code]; ok {
				return newErrInner(ErrDuplicateAsset,
					fmt.Errorf("code %v defined twice "+
						"in tx", op.Code))
			}
			pendingDefs[op.Code] = &asset.Definition{
				Code:         op.Code,
				Issuer:       op.Issuer,
				Memo:         op.Memo,
				Transferable: op.Transferable,
				HasCap:       op.HasCap,
				MaxUnits:     op.MaxUnits,
			}

		case *txn.IssueAsset:
			def := pendingDefs[op.Code]
			if def == nil {
				def = scratch.registry.Lookup(op.Code)
			}
			if def == nil {
				return newErrInner(ErrUnknownAsset,
					fmt.Errorf("code %v", op.Code))
			}
			if def.Issuer != op.Issuer {
				return newErrInner(ErrNotIssuer,
					fmt.Errorf("asset %v", op.Code))
			}

			issued := def.Issued + pendingIssued[op.Code]
			if op.Amount > math.MaxUint64-issued {
				return newErrInner(ErrExceedsCap,
					fmt.Errorf("issuance counter "+
						"overflow for %v", op.Code))
			}
			if def.HasCap && issued+op.Amount > def.MaxUnits {
				return newErrInner(ErrExceedsCap,
					fmt.Errorf("%d + %d > %d for asset "+
						"%v", issued, op.Amount,
						def.MaxUnits, op.Code))
			}
			pendingIssued[op.Code] += op.Amount

		case *txn.TransferAsset:
			for _, sid := range op.Inputs {
				if _, ok := txSpent[sid]; ok {
					return newErrInner(ErrDoubleSpend,
						fmt.Errorf("sid %d spent "+
							"twice in tx", sid))
				}
				spent, err := scratch.bitmap.IsSpent(sid)
				if err != nil {
					return newErrInner(ErrUnknownTxo, err)
				}
				if spent {
					return newErrInner(ErrDoubleSpend,
						fmt.Errorf("sid %d", sid))
				}
				txSpent[sid] = struct{}{}
			}
		}
	}

	return nil
}

// applyTx applies one transaction to the block scratch. The re-check has
// already passed, so every mutation here must succeed; a failure is a
// consistency fault surfaced to ApplyBlock.
func (l *Ledger) applyTx(scratch *blockScratch, tx *txn.Transaction) error {
	for _, op := range tx.Ops {
		switch op := op.(type) {
		case *txn.DefineAsset:
			err := scratch.registry.Define(&asset.Definition{
				Code:         op.Code,
				Issuer:       op.Issuer,
				Memo:         op.Memo,
				Transferable: op.Transferable,
				HasCap:       op.HasCap,
				MaxUnits:     op.MaxUnits,
			})
			if err != nil {
				return err
			}
			scratch.touched[op.Code] = struct{}{}

		case *txn.IssueAsset:
			err := scratch.registry.RecordIssuance(
				op.Code, op.Issuer, op.Amount,
			)
			if err != nil {
				return err
			}
			scratch.touched[op.Code] = struct{}{}

			if err := l.createOutputs(scratch, op.Outputs); err != nil {
				return err
			}

		case *txn.TransferAsset:
			for _, sid := range op.Inputs {
				if err := scratch.bitmap.MarkSpent(sid); err != nil {
					return err
				}
				scratch.spentSIDs = append(
					scratch.spentSIDs, sid,
				)
			}
			if err := l.createOutputs(scratch, op.Outputs); err != nil {
				return err
			}
		}
	}

	key := replay.Key{Signer: tx.Signer, Seq: tx.Seq}
	scratch.replayKeys = append(scratch.replayKeys, key)
	scratch.seenKeys[key] = struct{}{}

	return nil
}

// createOutputs allocates SIDs for an operation's outputs, stores their
// records and memos in the scratch and appends their digests to the
// accumulator in ascending SID order.
func (l *Ledger) createOutputs(scratch *blockScratch,
	outputs []txn.Output) error {

	first, err := scratch.bitmap.Allocate(uint64(len(outputs)))
	if err != nil {
		return err
	}

	for i := range outputs {
		out := &outputs[i]
		rec := &utxo.Record{
			SID:    first + utxo.SID(i),
			Owner:  out.Owner,
			Amount: out.Amount,
			Type:   out.Type,
		}
		rec = rec.Copy()

		if err := l.acc.Add(rec); err != nil {
			return err
		}
		scratch.insertedSIDs = append(scratch.insertedSIDs, rec.SID)
		scratch.newRecords = append(scratch.newRecords, rec)
		if out.Memo != nil {
			scratch.newMemos[rec.SID] = out.Memo.Copy()
		}
	}

	return nil
}

// buildDelta assembles the persistence unit for a committed block.
func buildDelta(scratch *blockScratch, commit StateCommitment,
	window *replay.Window) *BlockDelta {

	codes := maps.Keys(scratch.touched)
	slices.SortFunc(codes, func(a, b asset.Code) int {
		return bytes.Compare(a[:], b[:])
	})
	defs := make([]*asset.Definition, 0, len(codes))
	for _, code := range codes {
		defs = append(defs, scratch.registry.Lookup(code))
	}

	dirty := make(map[int]utxo.Chunk)
	for _, idx := range scratch.bitmap.DirtyChunks() {
		chunk, err := scratch.bitmap.ChunkAt(idx)
		if err != nil {
			continue
		}
		dirty[idx] = chunk
	}

	var evictedBelow uint64
	if scratch.height >= window.Size() {
		evictedBelow = scratch.height - window.Size() + 1
	}

	return &BlockDelta{
		Height:        scratch.height,
		Commitment:    commit,
		Definitions:   defs,
		NewRecords:    scratch.newRecords,
		SpentSIDs:     scratch.spentSIDs,
		Memos:         scratch.newMemos,
		NumAllocated:  scratch.bitmap.NumAllocated(),
		DirtyChunks:   dirty,
		ReplayEntries: scratch.replayKeys,
		EvictedBelow:  evictedBelow,
	}
}
