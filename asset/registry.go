package asset

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Registry is the authoritative mapping of asset type codes to their
// definitions. The registry is owned exclusively by the ledger engine;
// validators only ever observe cloned snapshots of it.
//
// The registry is not internally synchronized. The engine's single-writer
// discipline guarantees that mutation only happens from the apply phase,
// against a registry instance no snapshot reader can observe.
type Registry struct {
	assets map[Code]*Definition
}

// NewRegistry constructs an empty asset registry.
func NewRegistry() *Registry {
	return &Registry{
		assets: make(map[Code]*Definition),
	}
}

// Define admits a new asset type into the registry. It fails with
// ErrDuplicateAssetType if the code is already registered. The passed
// definition must carry a zero issuance counter.
func (r *Registry) Define(def *Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	if def.Issued != 0 {
		return fmt.Errorf("new definition %v carries non-zero "+
			"issuance", def.Code)
	}
	if _, ok := r.assets[def.Code]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateAssetType, def.Code)
	}

	r.assets[def.Code] = def.Copy()
	return nil
}

// RecordIssuance accounts for amount freshly issued units of the given asset
// type. The issuance fails if the asset is unknown, if issuerKey does not
// match the registered issuer, or if the cumulative issued units would exceed
// the asset's cap. The issuance counter is only mutated on success.
func (r *Registry) RecordIssuance(code Code, issuerKey SerializedKey,
	amount uint64) error {

	def, ok := r.assets[code]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownAssetType, code)
	}
	if def.Issuer != issuerKey {
		return fmt.Errorf("%w: asset %v", ErrNotIssuer, code)
	}

	// Guard the counter itself against overflow, capped or not.
	if amount > math.MaxUint64-def.Issued {
		return fmt.Errorf("%w: issuance counter overflow for %v",
			ErrExceedsCap, code)
	}
	if def.HasCap && def.Issued+amount > def.MaxUnits {
		return fmt.Errorf("%w: %d + %d > %d for asset %v",
			ErrExceedsCap, def.Issued, amount, def.MaxUnits, code)
	}

	def.Issued += amount
	return nil
}

// Lookup returns a copy of the definition registered under the given code, or
// nil if the code is unknown.
func (r *Registry) Lookup(code Code) *Definition {
	def, ok := r.assets[code]
	if !ok {
		return nil
	}
	return def.Copy()
}

// NumAssets returns the number of registered asset types.
func (r *Registry) NumAssets() int {
	return len(r.assets)
}

// Clone returns a deep copy of the registry. Clones back both the per-block
// scratch registry the apply phase mutates and the immutable snapshots
// handed to concurrent validators.
func (r *Registry) Clone() *Registry {
	assets := make(map[Code]*Definition, len(r.assets))
	for code, def := range r.assets {
		assets[code] = def.Copy()
	}
	return &Registry{assets: assets}
}

// RestoreDefinition installs a definition loaded from persistent storage,
// bypassing the zero-issuance check Define enforces on fresh definitions.
func (r *Registry) RestoreDefinition(def *Definition) {
	r.assets[def.Code] = def.Copy()
}

// Checksum returns a deterministic digest over all definitions. The digest
// iterates codes in ascending order so any two registries holding the same
// definitions produce the same checksum.
func (r *Registry) Checksum() [sha256.Size]byte {
	codes := maps.Keys(r.assets)
	slices.SortFunc(codes, func(a, b Code) int {
		return bytes.Compare(a[:], b[:])
	})

	var buf bytes.Buffer
	for _, code := range codes {
		r.assets[code].digest(&buf)
	}
	return sha256.Sum256(buf.Bytes())
}

// Definitions returns copies of all registered definitions in ascending code
// order. Used by the persistence layer to serialize registry snapshots.
func (r *Registry) Definitions() []*Definition {
	codes := maps.Keys(r.assets)
	slices.SortFunc(codes, func(a, b Code) int {
		return bytes.Compare(a[:], b[:])
	})

	defs := make([]*Definition, 0, len(codes))
	for _, code := range codes {
		defs = append(defs, r.assets[code].Copy())
	}
	return defs
}
