package utxo

import "errors"

var (
	// ErrAlreadySpent is returned when marking an output spent whose bit
	// has already flipped. The bitmap is deliberately not idempotent
	// here: a second flip is always a double-spend.
	ErrAlreadySpent = errors.New("utxo: output already spent")

	// ErrUnknownSID is returned when an operation references a SID that
	// was never allocated.
	ErrUnknownSID = errors.New("utxo: unknown txo sid")

	// ErrAllocationOverflow is returned when an allocation would exhaust
	// the SID sequence space.
	ErrAllocationOverflow = errors.New("utxo: sid allocation overflow")
)
