package ledger

import (
	"fmt"
)

// ErrorKind uniquely identifies the kind of validation Error returned by the
// ledger engine.
type ErrorKind uint8

const (
	// ErrMalformedTx represents an error case where a transaction is
	// structurally invalid before any state is consulted: no operations,
	// inconsistent field combinations, or a broken group partition.
	ErrMalformedTx ErrorKind = iota

	// ErrBadSignature represents an error case where a required signature
	// is missing or does not verify against the transaction digest.
	ErrBadSignature

	// ErrDuplicateAsset represents an error case where a DefineAsset
	// operation reuses an already registered asset type code.
	ErrDuplicateAsset

	// ErrUnknownAsset represents an error case where an operation
	// references an asset type code that is not registered.
	ErrUnknownAsset

	// ErrNotIssuer represents an error case where an IssueAsset operation
	// is attempted by a key other than the registered issuer.
	ErrNotIssuer

	// ErrExceedsCap represents an error case where an issuance would push
	// the cumulative issued units of an asset past its cap.
	ErrExceedsCap

	// ErrUnknownTxo represents an error case where a transfer input
	// references a TxoSID that has never been allocated.
	ErrUnknownTxo

	// ErrDoubleSpend represents an error case where a transfer input
	// references an output that is already spent.
	ErrDoubleSpend

	// ErrNotTransferable represents an error case where a transfer moves
	// units of a non-transferable asset out of the issuer's hands.
	ErrNotTransferable

	// ErrBadProof represents an error case where a balance, range or
	// type-match proof fails to verify.
	ErrBadProof

	// ErrReplay represents an error case where a transaction's
	// (signer, seq) pair is already present inside the replay window.
	ErrReplay

	// ErrTimeout represents an error case where a transaction's
	// validation exceeded the configured budget.
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformedTx:
		return "malformed transaction"
	case ErrBadSignature:
		return "missing or invalid signature"
	case ErrDuplicateAsset:
		return "duplicate asset type code"
	case ErrUnknownAsset:
		return "unknown asset type code"
	case ErrNotIssuer:
		return "issuer key mismatch"
	case ErrExceedsCap:
		return "issuance exceeds cap"
	case ErrUnknownTxo:
		return "unknown transaction output"
	case ErrDoubleSpend:
		return "output already spent"
	case ErrNotTransferable:
		return "asset is not transferable"
	case ErrBadProof:
		return "invalid proof"
	case ErrReplay:
		return "replayed (signer, seq) pair"
	case ErrTimeout:
		return "validation budget exceeded"
	default:
		return "unknown"
	}
}

// Error represents a per-transaction validation error returned by the ledger
// engine. Validation errors reject the transaction they belong to; they never
// abort the surrounding block.
type Error struct {
	Kind  ErrorKind
	Inner error
}

func newErrKind(kind ErrorKind) Error {
	return Error{Kind: kind}
}

func newErrInner(kind ErrorKind, inner error) Error {
	return Error{Kind: kind, Inner: inner}
}

func (e Error) Error() string {
	if e.Inner == nil {
		return e.Kind.String()
	}
	return fmt.Errorf("%v: %w", e.Kind, e.Inner).Error()
}

func (e Error) String() string {
	return e.Error()
}

// ApplyError represents a consistency fault during the sequential apply
// phase: a mutation failed after its precondition re-check passed. The block
// is aborted and the engine must be considered corrupted.
type ApplyError struct {
	// Height is the height of the block being applied.
	Height uint64

	// TxIndex is the index of the transaction whose application faulted.
	TxIndex int

	// Inner is the underlying fault.
	Inner error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply fault at height %d, tx %d: %v", e.Height,
		e.TxIndex, e.Inner)
}

func (e *ApplyError) Unwrap() error {
	return e.Inner
}

// errRootMismatch reports a rebuilt accumulator root diverging from the
// persisted commitment's root.
func errRootMismatch(got, want AccRoot) error {
	return fmt.Errorf("accumulator root mismatch after restore: "+
		"got %x/%d, want %x/%d", got.Hash[:], got.Sum, want.Hash[:],
		want.Sum)
}

// StorageError represents an I/O failure while persisting a block. The block
// is aborted; the previously committed height remains the durable state.
type StorageError struct {
	// Height is the height of the block that failed to persist.
	Height uint64

	// Inner is the underlying storage failure.
	Inner error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure at height %d: %v", e.Height,
		e.Inner)
}

func (e *StorageError) Unwrap() error {
	return e.Inner
}
