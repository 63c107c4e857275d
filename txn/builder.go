package txn

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
	"github.com/veilledger/veil/fn"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/utxo"
)

var (
	// ErrMissingOpening is returned when a hidden input is supplied
	// without its opening.
	ErrMissingOpening = errors.New("txn: hidden input without opening")

	// ErrUnbalancedTransfer is returned when a transfer's inputs,
	// outputs and fee do not balance per asset type.
	ErrUnbalancedTransfer = errors.New("txn: transfer does not balance")
)

// ProofContext builds the Fiat-Shamir context bytes shared by all of a
// transfer's proofs: a tag plus the ordered input SID list. It pins proofs
// to this particular spend set, so a proof cannot be replayed in a transfer
// spending different outputs. Prover and validator must derive it
// identically.
func ProofContext(op *TransferAsset) []byte {
	buf := make([]byte, 0, 28+8*len(op.Inputs))
	buf = append(buf, []byte("veil/ledger/transfer")...)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(len(op.Inputs)))
	buf = append(buf, scratch[:]...)
	for _, sid := range op.Inputs {
		binary.BigEndian.PutUint64(scratch[:], uint64(sid))
		buf = append(buf, scratch[:]...)
	}
	return buf
}

// GroupContext extends the transfer context with an asset group's index.
func GroupContext(base []byte, groupIdx int) []byte {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(groupIdx))
	return append(append([]byte{}, base...), scratch[:]...)
}

// InputSpec is one input being spent, resolved to its record and opening.
// For a fully plain record the opening may be nil; it is implied by the
// plain fields with zero blinding factors.
type InputSpec struct {
	// Record is the output being consumed.
	Record *utxo.Record

	// Opening is the secret opening of the record's commitments.
	Opening *confidential.Opening
}

// opening resolves the input's opening, deriving the implicit one for plain
// records.
func (in *InputSpec) opening() (*confidential.Opening, error) {
	if in.Opening != nil {
		return in.Opening, nil
	}
	if in.Record.Amount.Plain == nil || in.Record.Type.Plain == nil {
		return nil, fmt.Errorf("%w: sid %d", ErrMissingOpening,
			in.Record.SID)
	}
	return &confidential.Opening{
		Amount: *in.Record.Amount.Plain,
		Code:   *in.Record.Type.Plain,
	}, nil
}

// OutputSpec is one output to create.
type OutputSpec struct {
	// Owner is the key that will control the output.
	Owner asset.SerializedKey

	// Amount is the output's amount.
	Amount uint64

	// Code is the output's asset type.
	Code asset.Code

	// Hidden hides both the amount and the type behind commitments, with
	// a range proof on the amount.
	Hidden bool

	// MemoTo, if set, attaches an owner memo disclosing the opening to
	// this recipient key. Only meaningful for hidden outputs.
	MemoTo *btcec.PublicKey
}

// builderGroup accumulates one asset type's members while the builder
// assembles the transfer.
type builderGroup struct {
	code       asset.Code
	inIndices  []uint32
	outIndices []uint32
}

// BuildTransfer assembles a complete TransferAsset operation: commitments
// and range proofs for hidden outputs, per-type asset groups with their
// type-match and balance proofs, and owner memos for recipients. The
// returned openings are keyed by output index, for callers that hand them
// out separately.
//
// Per asset type, input amounts must equal output amounts plus the fee for
// the fee's asset type; otherwise the built proofs would not verify and
// ErrUnbalancedTransfer is returned up front.
func BuildTransfer(inputs []InputSpec, outputs []OutputSpec,
	fee Fee) (*TransferAsset, map[int]*confidential.Opening, error) {

	if len(inputs) == 0 {
		return nil, nil, fmt.Errorf("transfer needs inputs")
	}

	op := &TransferAsset{
		Inputs: fn.Map(inputs, func(in InputSpec) utxo.SID {
			return in.Record.SID
		}),
		Outputs: make([]Output, len(outputs)),
		Fee:     fee,
	}

	inOpenings, err := fn.MapErr(
		inputs, func(in InputSpec) (*confidential.Opening, error) {
			return in.opening()
		},
	)
	if err != nil {
		return nil, nil, err
	}

	// Group members per asset type, in order of first appearance among
	// the inputs. Every output's type must be covered by some input.
	var groups []*builderGroup
	groupByCode := make(map[asset.Code]*builderGroup)
	for i, opening := range inOpenings {
		group, ok := groupByCode[opening.Code]
		if !ok {
			group = &builderGroup{code: opening.Code}
			groupByCode[opening.Code] = group
			groups = append(groups, group)
		}
		group.inIndices = append(group.inIndices, uint32(i))
	}
	for i := range outputs {
		group, ok := groupByCode[outputs[i].Code]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no input of type %v",
				ErrUnbalancedTransfer, outputs[i].Code)
		}
		group.outIndices = append(group.outIndices, uint32(i))
	}

	// Check the books before doing any curve work.
	if err := checkBalances(inOpenings, outputs, groups, fee); err != nil {
		return nil, nil, err
	}

	// Build the outputs: commitments, blinds, range proofs, memos.
	baseCtx := ProofContext(op)
	outOpenings := make(map[int]*confidential.Opening, len(outputs))
	for i := range outputs {
		opening, err := buildOutput(
			&op.Outputs[i], &outputs[i], baseCtx,
		)
		if err != nil {
			return nil, nil, err
		}
		outOpenings[i] = opening
	}

	// Build the groups with their proofs.
	op.Groups = make([]AssetGroup, len(groups))
	for gi, group := range groups {
		err := buildGroup(
			op, gi, group, inOpenings, outOpenings, fee, baseCtx,
		)
		if err != nil {
			return nil, nil, err
		}
	}

	return op, outOpenings, nil
}

// checkBalances verifies per-group conservation of amounts before any proof
// is generated.
func checkBalances(inOpenings []*confidential.Opening, outputs []OutputSpec,
	groups []*builderGroup, fee Fee) error {

	for _, group := range groups {
		var inSum, outSum uint64
		for _, idx := range group.inIndices {
			inSum += inOpenings[idx].Amount
		}
		for _, idx := range group.outIndices {
			outSum += outputs[idx].Amount
		}
		if group.code == fee.Code {
			outSum += fee.Amount
		}
		if inSum != outSum {
			return fmt.Errorf("%w: type %v has %d in, %d out",
				ErrUnbalancedTransfer, group.code, inSum,
				outSum)
		}
	}

	if fee.Amount > 0 {
		if _, ok := findFeeGroup(groups, fee); !ok {
			return fmt.Errorf("%w: no input of fee type %v",
				ErrUnbalancedTransfer, fee.Code)
		}
	}
	return nil
}

func findFeeGroup(groups []*builderGroup, fee Fee) (int, bool) {
	for gi, group := range groups {
		if group.code == fee.Code {
			return gi, true
		}
	}
	return 0, false
}

// buildOutput fills in one wire output from its spec and returns its
// opening.
func buildOutput(out *Output, spec *OutputSpec,
	baseCtx []byte) (*confidential.Opening, error) {

	out.Owner = spec.Owner

	opening := &confidential.Opening{
		Amount: spec.Amount,
		Code:   spec.Code,
	}

	if !spec.Hidden {
		out.Amount = utxo.PlainAmount(spec.Amount)
		out.Type = utxo.PlainType(spec.Code)
		return opening, nil
	}

	amountBlind, err := confidential.RandomScalar()
	if err != nil {
		return nil, err
	}
	typeBlind, err := confidential.RandomScalar()
	if err != nil {
		return nil, err
	}
	amountBlind.PutBytes(&opening.AmountBlind)
	typeBlind.PutBytes(&opening.TypeBlind)

	out.Amount = utxo.HiddenAmount(
		confidential.AmountCommit(spec.Amount, amountBlind),
	)
	out.Type = utxo.HiddenType(
		confidential.TypeCommit(spec.Code, typeBlind),
	)

	out.RangeProof, err = confidential.ProveRange(
		spec.Amount, amountBlind, baseCtx,
	)
	if err != nil {
		return nil, err
	}

	if spec.MemoTo != nil {
		out.Memo, err = memo.Encrypt(spec.MemoTo, opening)
		if err != nil {
			return nil, err
		}
	}

	return opening, nil
}

// buildGroup fills in one asset group's proofs.
func buildGroup(op *TransferAsset, gi int, group *builderGroup,
	inOpenings []*confidential.Opening,
	outOpenings map[int]*confidential.Opening, fee Fee,
	baseCtx []byte) error {

	gCtx := GroupContext(baseCtx, gi)
	wire := &op.Groups[gi]
	wire.InputIndices = group.inIndices
	wire.OutputIndices = group.outIndices

	anchorIdx := group.inIndices[0]
	anchorCommit := inputTypeCommit(op, inOpenings, anchorIdx)
	anchorBlind := confidential.ScalarFromBytes(
		inOpenings[anchorIdx].TypeBlind,
	)

	// Bind every non-anchor member's type to the anchor's: the
	// remaining inputs first, then all outputs.
	for _, idx := range group.inIndices[1:] {
		memberBlind := confidential.ScalarFromBytes(
			inOpenings[idx].TypeBlind,
		)
		proof, err := typeMatch(
			memberBlind, anchorBlind,
			inputTypeCommit(op, inOpenings, idx), anchorCommit,
			gCtx,
		)
		if err != nil {
			return err
		}
		wire.TypeProofs = append(wire.TypeProofs, proof)
	}
	for _, idx := range group.outIndices {
		memberBlind := confidential.ScalarFromBytes(
			outOpenings[int(idx)].TypeBlind,
		)
		proof, err := typeMatch(
			memberBlind, anchorBlind,
			op.Outputs[idx].Type.Commitment, anchorCommit, gCtx,
		)
		if err != nil {
			return err
		}
		wire.TypeProofs = append(wire.TypeProofs, proof)
	}

	// The group holding the fee's asset type pays the fee and proves
	// its type equals the declared fee asset.
	var feeShare uint64
	if fee.Amount > 0 && group.code == fee.Code {
		wire.PaysFee = true
		feeShare = fee.Amount

		feeCommit := confidential.TypeCommit(fee.Code, nil)
		proof, err := typeMatch(
			anchorBlind, confidential.ScalarFromUint64(0),
			anchorCommit, feeCommit, gCtx,
		)
		if err != nil {
			return err
		}
		wire.FeeTypeProof = proof
	}

	// Balance proof: knowledge of the blind delta of
	// sum(inputs) - sum(outputs) - fee*G.
	blindDelta := new(confidential.Scalar)
	for _, idx := range group.inIndices {
		blindDelta.Add(confidential.ScalarFromBytes(
			inOpenings[idx].AmountBlind,
		))
	}
	for _, idx := range group.outIndices {
		outBlind := confidential.ScalarFromBytes(
			outOpenings[int(idx)].AmountBlind,
		)
		blindDelta.Add(outBlind.Negate())
	}

	inCommits := make([]confidential.Commitment, len(group.inIndices))
	for i, idx := range group.inIndices {
		inCommits[i] = inputAmountCommit(op, inOpenings, idx)
	}
	outCommits := make([]confidential.Commitment, len(group.outIndices))
	for i, idx := range group.outIndices {
		outCommits[i] = op.Outputs[idx].Amount.Commitment
	}

	var err error
	wire.Balance, err = confidential.ProveBalance(
		blindDelta, inCommits, outCommits, feeShare, gCtx,
	)
	return err
}

// typeMatch proves member and anchor hide the same type, with blind delta
// member-anchor.
func typeMatch(memberBlind, anchorBlind *confidential.Scalar, member,
	anchor confidential.Commitment,
	ctx []byte) (*confidential.TypeMatchProof, error) {

	negAnchor := *anchorBlind
	delta := new(confidential.Scalar).Add2(
		memberBlind, negAnchor.Negate(),
	)
	return confidential.ProveTypeMatch(delta, member, anchor, ctx)
}

// inputTypeCommit returns the canonical type commitment of an input.
func inputTypeCommit(op *TransferAsset, openings []*confidential.Opening,
	idx uint32) confidential.Commitment {

	opening := openings[idx]
	return confidential.TypeCommit(
		opening.Code, confidential.ScalarFromBytes(opening.TypeBlind),
	)
}

// inputAmountCommit returns the canonical amount commitment of an input.
func inputAmountCommit(op *TransferAsset, openings []*confidential.Opening,
	idx uint32) confidential.Commitment {

	opening := openings[idx]
	return confidential.AmountCommit(
		opening.Amount,
		confidential.ScalarFromBytes(opening.AmountBlind),
	)
}
