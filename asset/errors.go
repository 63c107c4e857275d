package asset

import "errors"

var (
	// ErrDuplicateAssetType is returned when attempting to define an asset
	// type whose code is already registered. Codes are never reused.
	ErrDuplicateAssetType = errors.New("asset: duplicate asset type")

	// ErrUnknownAssetType is returned when an operation references an
	// asset type code that was never defined.
	ErrUnknownAssetType = errors.New("asset: unknown asset type")

	// ErrNotIssuer is returned when an issuance is attempted by a key
	// other than the registered issuer of the asset.
	ErrNotIssuer = errors.New("asset: issuance key is not the issuer")

	// ErrExceedsCap is returned when an issuance would push the
	// cumulative issued units of a capped asset above its maximum.
	ErrExceedsCap = errors.New("asset: issuance exceeds cap")

	// ErrInvalidMemo is returned when a definition carries a malformed or
	// oversized memo.
	ErrInvalidMemo = errors.New("asset: invalid memo")
)
