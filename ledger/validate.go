package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
	"github.com/veilledger/veil/fn"
	"github.com/veilledger/veil/replay"
	"github.com/veilledger/veil/txn"
	"github.com/veilledger/veil/utxo"
)

// snapshot is the immutable pre-block view validators run against. The
// registry and bitmap are cloned; the record map and replay window are shared
// read-only, which is safe because the apply phase only runs once all
// validators have returned.
type snapshot struct {
	registry *asset.Registry
	bitmap   *utxo.Bitmap
	records  map[utxo.SID]*utxo.Record
	window   *replay.Window
}

// snapshot captures the pre-block view. Must be called with the state lock
// held.
func (l *Ledger) snapshot() *snapshot {
	return &snapshot{
		registry: l.registry.Clone(),
		bitmap:   l.bitmap.Clone(),
		records:  l.records,
		window:   l.window,
	}
}

// txPending overlays the effects of a transaction's earlier operations over
// the pre-block snapshot, so a later operation in the same atomic transaction
// observes them. This is what lets a define-then-issue chain validate inside
// a single transaction. The apply phase re-checks the same overlay against
// the in-block scratch.
type txPending struct {
	defs   map[asset.Code]*asset.Definition
	issued map[asset.Code]uint64
}

// lookup resolves an asset code against the in-transaction overlay first,
// falling back to the snapshot registry.
func (p *txPending) lookup(snap *snapshot, code asset.Code) *asset.Definition {
	if def, ok := p.defs[code]; ok {
		return def
	}
	return snap.registry.Lookup(code)
}

// validateTx runs the full validation of a single transaction against the
// pre-block snapshot: signatures first, then per-operation semantics, then
// the replay check. The returned error, if any, is a ledger.Error.
func validateTx(ctx context.Context, snap *snapshot,
	tx *txn.Transaction) error {

	if err := ctx.Err(); err != nil {
		return newErrInner(ErrTimeout, err)
	}

	if len(tx.Ops) == 0 {
		return newErrInner(ErrMalformedTx, fmt.Errorf("no operations"))
	}
	if _, err := tx.Signer.ToPubKey(); err != nil {
		return newErrInner(ErrMalformedTx, err)
	}
	if err := tx.VerifySignature(tx.Signer); err != nil {
		return newErrInner(ErrBadSignature, err)
	}

	pending := &txPending{
		defs:   make(map[asset.Code]*asset.Definition),
		issued: make(map[asset.Code]uint64),
	}

	for _, op := range tx.Ops {
		if err := ctx.Err(); err != nil {
			return newErrInner(ErrTimeout, err)
		}

		var err error
		switch op := op.(type) {
		case *txn.DefineAsset:
			err = validateDefine(snap, pending, tx, op)
		case *txn.IssueAsset:
			err = validateIssue(snap, pending, tx, op)
		case *txn.TransferAsset:
			err = validateTransfer(snap, tx, op)
		default:
			err = newErrInner(ErrMalformedTx, fmt.Errorf(
				"unknown operation %T", op))
		}
		if err != nil {
			return err
		}
	}

	key := replay.Key{Signer: tx.Signer, Seq: tx.Seq}
	if snap.window.Contains(key) {
		return newErrInner(ErrReplay, fmt.Errorf("pair %v", key))
	}

	return nil
}

func validateDefine(snap *snapshot, pending *txPending, tx *txn.Transaction,
	op *txn.DefineAsset) error {

	if len(op.Memo) > asset.MaxMemoLength {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"asset memo of %d bytes", len(op.Memo)))
	}
	if !op.HasCap && op.MaxUnits != 0 {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"max units set without cap"))
	}
	if _, err := op.Issuer.ToPubKey(); err != nil {
		return newErrInner(ErrMalformedTx, err)
	}
	if err := tx.VerifySignature(op.Issuer); err != nil {
		return newErrInner(ErrBadSignature, err)
	}

	if pending.lookup(snap, op.Code) != nil {
		return newErrInner(ErrDuplicateAsset, fmt.Errorf(
			"code %v", op.Code))
	}

	pending.defs[op.Code] = &asset.Definition{
		Code:         op.Code,
		Issuer:       op.Issuer,
		Memo:         op.Memo,
		Transferable: op.Transferable,
		HasCap:       op.HasCap,
		MaxUnits:     op.MaxUnits,
	}
	return nil
}

func validateIssue(snap *snapshot, pending *txPending, tx *txn.Transaction,
	op *txn.IssueAsset) error {

	def := pending.lookup(snap, op.Code)
	if def == nil {
		return newErrInner(ErrUnknownAsset, fmt.Errorf(
			"code %v", op.Code))
	}
	if def.Issuer != op.Issuer {
		return newErrInner(ErrNotIssuer, fmt.Errorf("asset %v",
			op.Code))
	}
	if err := tx.VerifySignature(op.Issuer); err != nil {
		return newErrInner(ErrBadSignature, err)
	}

	if op.Amount == 0 || len(op.Outputs) == 0 {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"empty issuance"))
	}

	// Issuance outputs are always plain so the registry can account for
	// the issued units.
	var total uint64
	for i := range op.Outputs {
		out := &op.Outputs[i]
		if err := checkPlainOutput(out, op.Code); err != nil {
			return err
		}

		v := *out.Amount.Plain
		if v > math.MaxUint64-total {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"issuance output sum overflow"))
		}
		total += v
	}
	if total != op.Amount {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"outputs sum to %d, issuance declares %d", total,
			op.Amount))
	}

	// Early cap check against the pre-block counter plus this
	// transaction's earlier issuances; the apply phase re-checks against
	// the in-block scratch.
	issued := def.Issued + pending.issued[op.Code]
	if op.Amount > math.MaxUint64-issued {
		return newErrInner(ErrExceedsCap, fmt.Errorf(
			"issuance counter overflow for %v", op.Code))
	}
	if def.HasCap && issued+op.Amount > def.MaxUnits {
		return newErrInner(ErrExceedsCap, fmt.Errorf(
			"%d + %d > %d for asset %v", issued, op.Amount,
			def.MaxUnits, op.Code))
	}
	pending.issued[op.Code] += op.Amount

	return nil
}

// checkPlainOutput validates an issuance output: plain amount and type, type
// equal to the issued code, canonical commitment forms, no range proof.
func checkPlainOutput(out *txn.Output, code asset.Code) error {
	if _, err := out.Owner.ToPubKey(); err != nil {
		return newErrInner(ErrMalformedTx, err)
	}
	if out.Amount.Plain == nil || out.Type.Plain == nil {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"issuance output must be plain"))
	}
	if *out.Type.Plain != code {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"issuance output type %v != %v", *out.Type.Plain, code))
	}
	if *out.Amount.Plain == 0 {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"zero-amount output"))
	}
	if out.RangeProof != nil {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"range proof on plain output"))
	}
	return checkCanonicalForms(out)
}

// checkCanonicalForms verifies that an output's plain fields carry their
// canonical zero-blinded commitment forms, so validation downstream can work
// uniformly on commitments.
func checkCanonicalForms(out *txn.Output) error {
	if out.Amount.Plain != nil {
		want := confidential.AmountCommit(*out.Amount.Plain, nil)
		if out.Amount.Commitment != want {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"non-canonical plain amount commitment"))
		}
	}
	if out.Type.Plain != nil {
		want := confidential.TypeCommit(*out.Type.Plain, nil)
		if out.Type.Commitment != want {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"non-canonical plain type commitment"))
		}
	}
	return nil
}

// checkTransferOutput validates a transfer output: canonical plain forms, a
// range proof exactly on hidden amounts, registered plain types, parseable
// memo keys.
func checkTransferOutput(snap *snapshot, out *txn.Output,
	proofCtx []byte) error {

	if _, err := out.Owner.ToPubKey(); err != nil {
		return newErrInner(ErrMalformedTx, err)
	}
	if err := checkCanonicalForms(out); err != nil {
		return err
	}

	switch {
	case out.Amount.Plain != nil:
		if out.RangeProof != nil {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"range proof on plain output"))
		}

	default:
		if out.RangeProof == nil {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"hidden amount without range proof"))
		}
		err := confidential.VerifyRange(
			out.RangeProof, out.Amount.Commitment, proofCtx,
		)
		if err != nil {
			return newErrInner(ErrBadProof, err)
		}
	}

	if out.Type.Plain != nil {
		if snap.registry.Lookup(*out.Type.Plain) == nil {
			return newErrInner(ErrUnknownAsset, fmt.Errorf(
				"output type %v", *out.Type.Plain))
		}
	}

	if out.Memo != nil {
		if _, err := out.Memo.EphemeralKey.ToPubKey(); err != nil {
			return newErrInner(ErrMalformedTx, err)
		}
	}

	return nil
}

func validateTransfer(snap *snapshot, tx *txn.Transaction,
	op *txn.TransferAsset) error {

	if len(op.Inputs) == 0 {
		return newErrInner(ErrMalformedTx, fmt.Errorf("no inputs"))
	}

	// Resolve every input against the snapshot. An output created
	// earlier inside the same block is not spendable yet: validation
	// sees the pre-block state only.
	inputs := make([]*utxo.Record, len(op.Inputs))
	seen := make(map[utxo.SID]struct{}, len(op.Inputs))
	for i, sid := range op.Inputs {
		if _, ok := seen[sid]; ok {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"duplicate input sid %d", sid))
		}
		seen[sid] = struct{}{}

		rec, ok := snap.records[sid]
		if !ok {
			return newErrInner(ErrUnknownTxo, fmt.Errorf(
				"sid %d", sid))
		}
		spent, err := snap.bitmap.IsSpent(sid)
		if err != nil {
			return newErrInner(ErrUnknownTxo, err)
		}
		if spent {
			return newErrInner(ErrDoubleSpend, fmt.Errorf(
				"sid %d", sid))
		}
		inputs[i] = rec
	}

	// Every input owner authorizes the transfer.
	owners := make(map[asset.SerializedKey]struct{}, len(inputs))
	for _, rec := range inputs {
		owners[rec.Owner] = struct{}{}
	}
	for owner := range owners {
		if err := tx.VerifySignature(owner); err != nil {
			return newErrInner(ErrBadSignature, err)
		}
	}

	// Non-transferable assets only ever move out of the issuer's hands
	// through issuance. This is only enforceable for plain-typed inputs;
	// a hidden type deliberately reveals nothing to enforce against.
	for _, rec := range inputs {
		if rec.Type.Plain == nil {
			continue
		}
		def := snap.registry.Lookup(*rec.Type.Plain)
		if def != nil && !def.Transferable && rec.Owner != def.Issuer {
			return newErrInner(ErrNotTransferable, fmt.Errorf(
				"asset %v held by %v", def.Code, rec.Owner))
		}
	}

	// The fee is explicit and public. Exactly one group covers it when
	// it is non-zero.
	if op.Fee.Amount > 0 {
		if snap.registry.Lookup(op.Fee.Code) == nil {
			return newErrInner(ErrUnknownAsset, fmt.Errorf(
				"fee asset %v", op.Fee.Code))
		}
		paying := fn.Filter(op.Groups, func(g txn.AssetGroup) bool {
			return g.PaysFee
		})
		if len(paying) != 1 {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"%d fee-paying groups", len(paying)))
		}
	} else if !fn.All(op.Groups, func(g txn.AssetGroup) bool {
		return !g.PaysFee
	}) {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"fee-paying group with zero fee"))
	}

	// Groups must partition inputs and outputs exactly.
	if err := checkGroupPartition(op); err != nil {
		return err
	}

	proofCtx := txn.ProofContext(op)

	for i := range op.Outputs {
		err := checkTransferOutput(snap, &op.Outputs[i], proofCtx)
		if err != nil {
			return err
		}
	}

	for gi := range op.Groups {
		group := &op.Groups[gi]
		gCtx := txn.GroupContext(proofCtx, gi)

		anchor := inputs[group.InputIndices[0]]
		anchorType := anchor.Type.Commitment

		// Every non-anchor member's type commitment is bound to the
		// anchor's: the remaining inputs first, then all outputs.
		numMembers := len(group.InputIndices) - 1 +
			len(group.OutputIndices)
		if len(group.TypeProofs) != numMembers {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"group %d carries %d type proofs, want %d",
				gi, len(group.TypeProofs), numMembers))
		}

		proofIdx := 0
		for _, idx := range group.InputIndices[1:] {
			err := confidential.VerifyTypeMatch(
				group.TypeProofs[proofIdx],
				inputs[idx].Type.Commitment, anchorType, gCtx,
			)
			if err != nil {
				return newErrInner(ErrBadProof, err)
			}
			proofIdx++
		}
		for _, idx := range group.OutputIndices {
			err := confidential.VerifyTypeMatch(
				group.TypeProofs[proofIdx],
				op.Outputs[idx].Type.Commitment, anchorType,
				gCtx,
			)
			if err != nil {
				return newErrInner(ErrBadProof, err)
			}
			proofIdx++
		}

		// The fee-paying group additionally proves its hidden type is
		// the declared fee asset.
		var feeShare uint64
		if group.PaysFee {
			if group.FeeTypeProof == nil {
				return newErrInner(ErrMalformedTx, fmt.Errorf(
					"group %d pays fee without fee type "+
						"proof", gi))
			}
			feeType := confidential.TypeCommit(op.Fee.Code, nil)
			err := confidential.VerifyTypeMatch(
				group.FeeTypeProof, anchorType, feeType, gCtx,
			)
			if err != nil {
				return newErrInner(ErrBadProof, err)
			}
			feeShare = op.Fee.Amount
		} else if group.FeeTypeProof != nil {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"group %d carries stray fee type proof", gi))
		}

		// Amounts balance: sum(inputs) == sum(outputs) + fee share.
		inCommits := fn.Map(
			group.InputIndices,
			func(idx uint32) confidential.Commitment {
				return inputs[idx].Amount.Commitment
			},
		)
		outCommits := fn.Map(
			group.OutputIndices,
			func(idx uint32) confidential.Commitment {
				return op.Outputs[idx].Amount.Commitment
			},
		)

		err := confidential.VerifyBalance(
			group.Balance, inCommits, outCommits, feeShare, gCtx,
		)
		if err != nil {
			return newErrInner(ErrBadProof, err)
		}
	}

	return nil
}

// checkGroupPartition verifies that the transfer's groups cover every input
// and output index exactly once, with in-range indices and a non-empty input
// set per group (the anchor).
func checkGroupPartition(op *txn.TransferAsset) error {
	coveredIn := make(map[uint32]struct{}, len(op.Inputs))
	coveredOut := make(map[uint32]struct{}, len(op.Outputs))

	for gi := range op.Groups {
		group := &op.Groups[gi]
		if len(group.InputIndices) == 0 {
			return newErrInner(ErrMalformedTx, fmt.Errorf(
				"group %d has no inputs", gi))
		}

		for _, idx := range group.InputIndices {
			if int(idx) >= len(op.Inputs) {
				return newErrInner(ErrMalformedTx, fmt.Errorf(
					"input index %d out of range", idx))
			}
			if _, ok := coveredIn[idx]; ok {
				return newErrInner(ErrMalformedTx, fmt.Errorf(
					"input index %d grouped twice", idx))
			}
			coveredIn[idx] = struct{}{}
		}
		for _, idx := range group.OutputIndices {
			if int(idx) >= len(op.Outputs) {
				return newErrInner(ErrMalformedTx, fmt.Errorf(
					"output index %d out of range", idx))
			}
			if _, ok := coveredOut[idx]; ok {
				return newErrInner(ErrMalformedTx, fmt.Errorf(
					"output index %d grouped twice", idx))
			}
			coveredOut[idx] = struct{}{}
		}
	}

	if len(coveredIn) != len(op.Inputs) {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"%d of %d inputs grouped", len(coveredIn),
			len(op.Inputs)))
	}
	if len(coveredOut) != len(op.Outputs) {
		return newErrInner(ErrMalformedTx, fmt.Errorf(
			"%d of %d outputs grouped", len(coveredOut),
			len(op.Outputs)))
	}
	return nil
}
