// Package txn defines transactions and their operations: the closed set of
// ledger state transitions (DefineAsset, IssueAsset, TransferAsset), their
// canonical byte encoding, and the Schnorr signatures covering them.
package txn

import (
	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/utxo"
)

// OpType denotes the kind of an operation. The set is closed: the validator
// dispatches over it exhaustively, so adding a kind is a compile-time
// checked change.
type OpType uint8

const (
	// OpTypeDefineAsset registers a new asset type.
	OpTypeDefineAsset OpType = 0

	// OpTypeIssueAsset issues fresh units of a registered asset type.
	OpTypeIssueAsset OpType = 1

	// OpTypeTransferAsset consumes unspent outputs and creates new ones.
	OpTypeTransferAsset OpType = 2
)

// String returns the name of the operation type.
func (t OpType) String() string {
	switch t {
	case OpTypeDefineAsset:
		return "DefineAsset"
	case OpTypeIssueAsset:
		return "IssueAsset"
	case OpTypeTransferAsset:
		return "TransferAsset"
	default:
		return "Unknown"
	}
}

// Operation is one ledger state transition inside a transaction. The
// concrete types behind this interface form a closed variant set.
type Operation interface {
	// Type returns the operation's kind tag.
	Type() OpType
}

// DefineAsset registers a new asset type under a globally unique code. The
// issuer must sign the transaction.
type DefineAsset struct {
	// Code is the new asset's unique type code.
	Code asset.Code

	// Issuer is the only key allowed to issue units of this asset.
	Issuer asset.SerializedKey

	// Memo is a short human readable description.
	Memo string

	// Transferable indicates whether the asset may change owners after
	// issuance.
	Transferable bool

	// HasCap indicates whether MaxUnits bounds total issuance.
	HasCap bool

	// MaxUnits caps cumulative issuance when HasCap is set.
	MaxUnits uint64
}

// Type returns the operation's kind tag.
func (o *DefineAsset) Type() OpType { return OpTypeDefineAsset }

// Output describes a new transaction output to be created. Hidden outputs
// carry a range proof and usually an owner memo disclosing the opening to
// the recipient.
type Output struct {
	// Owner is the key that will control the new output.
	Owner asset.SerializedKey

	// Amount is the output's amount field, plain or hidden.
	Amount utxo.Amount

	// Type is the output's asset type field, plain or hidden.
	Type utxo.Type

	// RangeProof proves a hidden amount lies within the commitment's bit
	// width. Required exactly when the amount is hidden.
	RangeProof *confidential.RangeProof

	// Memo optionally discloses the output's opening to its recipient.
	Memo *memo.OwnerMemo
}

// IssueAsset creates fresh units of a registered asset type. Issuance
// outputs are plain so the registry can account for the issued units
// against the asset's cap.
type IssueAsset struct {
	// Code is the asset type being issued.
	Code asset.Code

	// Issuer must match the registered issuer and sign the transaction.
	Issuer asset.SerializedKey

	// Amount is the total number of units issued by this operation.
	Amount uint64

	// Outputs receive the issued units. Their plain amounts must sum to
	// Amount and their plain types must all equal Code.
	Outputs []Output
}

// Type returns the operation's kind tag.
func (o *IssueAsset) Type() OpType { return OpTypeIssueAsset }

// Fee is the explicit, publicly visible fee of a transfer.
type Fee struct {
	// Amount is the fee in units of the fee asset.
	Amount uint64

	// Code is the asset type the fee is denominated in.
	Code asset.Code
}

// AssetGroup partitions a transfer's inputs and outputs into members that
// share one (possibly hidden) asset type. The grouping structure is public;
// the type itself need not be.
type AssetGroup struct {
	// InputIndices are positions into the transfer's input list.
	InputIndices []uint32

	// OutputIndices are positions into the transfer's output list.
	OutputIndices []uint32

	// PaysFee marks the single group whose balance covers the declared
	// fee. The group's type is then proven equal to the fee asset.
	PaysFee bool

	// TypeProofs bind every member beyond the anchor (the group's first
	// input) to the anchor's type commitment: first the remaining
	// inputs in order, then all outputs in order.
	TypeProofs []*confidential.TypeMatchProof

	// FeeTypeProof proves the anchor's type commitment hides the fee
	// asset code. Required exactly when PaysFee is set.
	FeeTypeProof *confidential.TypeMatchProof

	// Balance proves the group's input amounts equal its output amounts
	// plus the fee share, without revealing any hidden amount.
	Balance *confidential.BalanceProof
}

// TransferAsset consumes unspent outputs and creates new ones. Every input
// owner must sign the transaction.
type TransferAsset struct {
	// Inputs are the SIDs of the outputs being consumed.
	Inputs []utxo.SID

	// Outputs are the outputs being created.
	Outputs []Output

	// Groups partition all inputs and outputs by asset type.
	Groups []AssetGroup

	// Fee is the transfer's explicit fee.
	Fee Fee
}

// Type returns the operation's kind tag.
func (o *TransferAsset) Type() OpType { return OpTypeTransferAsset }
