// Package utxo models the ledger's unspent transaction outputs: the
// monotonically assigned TxoSIDs, the output records themselves, and the
// spent/unspent bitmap with its incrementally maintained checksum.
package utxo

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
)

// SID is the sequence identifier of an output slot. SIDs are assigned by the
// applier in strictly increasing order and are never reused, even after the
// output is spent.
type SID uint64

// Amount is the amount field of an output: either a plain integer or a
// hiding Pedersen commitment. Commitment always carries the canonical
// commitment form used by proofs; for a plain amount that is the
// zero-blinded commitment to the value.
type Amount struct {
	// Plain is the publicly visible amount, nil if the amount is hidden.
	Plain *uint64

	// Commitment is the canonical amount commitment.
	Commitment confidential.Commitment
}

// PlainAmount builds the amount field of a non-confidential output.
func PlainAmount(v uint64) Amount {
	return Amount{
		Plain:      &v,
		Commitment: confidential.AmountCommit(v, nil),
	}
}

// HiddenAmount builds the amount field of a confidential output.
func HiddenAmount(c confidential.Commitment) Amount {
	return Amount{Commitment: c}
}

// Type is the asset type field of an output: either a plain code or a hiding
// commitment. As with Amount, Commitment always carries the canonical form.
type Type struct {
	// Plain is the publicly visible asset type code, nil if hidden.
	Plain *asset.Code

	// Commitment is the canonical type commitment.
	Commitment confidential.Commitment
}

// PlainType builds the type field of a non-confidential output.
func PlainType(code asset.Code) Type {
	return Type{
		Plain:      &code,
		Commitment: confidential.TypeCommit(code, nil),
	}
}

// HiddenType builds the type field of a confidential output.
func HiddenType(c confidential.Commitment) Type {
	return Type{Commitment: c}
}

// Record is a single transaction output owned by the ledger state until it
// is consumed as a transfer input. The record itself is immutable; only the
// bitmap bit for its SID ever changes.
type Record struct {
	// SID is the output's sequence identifier.
	SID SID

	// Owner is the public key that must sign to spend this output.
	Owner asset.SerializedKey

	// Amount is the output's amount field.
	Amount Amount

	// Type is the output's asset type field.
	Type Type
}

// Digest returns the leaf digest of the record as committed to by the state
// accumulator.
func (r *Record) Digest() [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte("veil/utxo/leaf"))
	_ = binary.Write(h, binary.BigEndian, uint64(r.SID))
	h.Write(r.Owner[:])

	if r.Amount.Plain != nil {
		h.Write([]byte{1})
		_ = binary.Write(h, binary.BigEndian, *r.Amount.Plain)
	} else {
		h.Write([]byte{0})
	}
	h.Write(r.Amount.Commitment[:])

	if r.Type.Plain != nil {
		h.Write([]byte{1})
		h.Write(r.Type.Plain[:])
	} else {
		h.Write([]byte{0})
	}
	h.Write(r.Type.Commitment[:])

	return [sha256.Size]byte(h.Sum(nil))
}

// Copy returns a deep copy of the record.
func (r *Record) Copy() *Record {
	recCopy := *r
	if r.Amount.Plain != nil {
		v := *r.Amount.Plain
		recCopy.Amount.Plain = &v
	}
	if r.Type.Plain != nil {
		c := *r.Type.Plain
		recCopy.Type.Plain = &c
	}
	return &recCopy
}
