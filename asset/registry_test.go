package asset

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// testKey generates a fresh serialized public key.
func testKey(t *testing.T) SerializedKey {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return ToSerialized(priv.PubKey())
}

// TestRegistryDefine tests admitting definitions into the registry,
// including the duplicate-code and malformed-definition failure modes.
func TestRegistryDefine(t *testing.T) {
	t.Parallel()

	issuer := testKey(t)
	registry := NewRegistry()

	def := &Definition{
		Code:         DeriveCode("gold", issuer),
		Issuer:       issuer,
		Memo:         "gold-backed token",
		Transferable: true,
	}
	require.NoError(t, registry.Define(def))
	require.Equal(t, 1, registry.NumAssets())

	// The same code can never be registered twice, not even by the same
	// issuer.
	err := registry.Define(def)
	require.ErrorIs(t, err, ErrDuplicateAssetType)

	// A definition carrying a pre-set issuance counter is rejected.
	tainted := &Definition{
		Code:   DeriveCode("tainted", issuer),
		Issuer: issuer,
		Issued: 10,
	}
	require.Error(t, registry.Define(tainted))

	// Over-long memos are rejected.
	longMemo := &Definition{
		Code:   DeriveCode("verbose", issuer),
		Issuer: issuer,
		Memo:   string(make([]byte, MaxMemoLength+1)),
	}
	require.ErrorIs(t, registry.Define(longMemo), ErrInvalidMemo)

	// The stored definition is a copy: mutating the caller's struct
	// after Define must not reach the registry.
	def.Memo = "changed"
	require.Equal(t, "gold-backed token", registry.Lookup(def.Code).Memo)
}

// TestRegistryIssuance tests issuance accounting, including the exact cap
// boundary and the issuer check.
func TestRegistryIssuance(t *testing.T) {
	t.Parallel()

	issuer := testKey(t)
	stranger := testKey(t)
	registry := NewRegistry()

	code := DeriveCode("capped", issuer)
	require.NoError(t, registry.Define(&Definition{
		Code:     code,
		Issuer:   issuer,
		HasCap:   true,
		MaxUnits: 1000,
	}))

	// Unknown asset.
	err := registry.RecordIssuance(
		DeriveCode("ghost", issuer), issuer, 1,
	)
	require.ErrorIs(t, err, ErrUnknownAssetType)

	// Wrong issuer.
	err = registry.RecordIssuance(code, stranger, 1)
	require.ErrorIs(t, err, ErrNotIssuer)

	// Issuing up to the cap exactly succeeds.
	require.NoError(t, registry.RecordIssuance(code, issuer, 999))
	require.NoError(t, registry.RecordIssuance(code, issuer, 1))
	require.EqualValues(t, 1000, registry.Lookup(code).Issued)

	// One more unit is one too many, and the counter is untouched by
	// the failed attempt.
	err = registry.RecordIssuance(code, issuer, 1)
	require.ErrorIs(t, err, ErrExceedsCap)
	require.EqualValues(t, 1000, registry.Lookup(code).Issued)

	// Uncapped assets only guard against counter overflow.
	openCode := DeriveCode("open", issuer)
	require.NoError(t, registry.Define(&Definition{
		Code:   openCode,
		Issuer: issuer,
	}))
	require.NoError(t, registry.RecordIssuance(openCode, issuer, 1<<62))
	err = registry.RecordIssuance(openCode, issuer, 1<<63)
	require.NoError(t, err)
	err = registry.RecordIssuance(openCode, issuer, 1<<63)
	require.ErrorIs(t, err, ErrExceedsCap)
}

// TestRegistryChecksum tests that the checksum is deterministic across
// registries built in different orders and sensitive to issuance.
func TestRegistryChecksum(t *testing.T) {
	t.Parallel()

	issuer := testKey(t)
	defA := &Definition{Code: DeriveCode("a", issuer), Issuer: issuer}
	defB := &Definition{Code: DeriveCode("b", issuer), Issuer: issuer}

	r1 := NewRegistry()
	require.NoError(t, r1.Define(defA))
	require.NoError(t, r1.Define(defB))

	r2 := NewRegistry()
	require.NoError(t, r2.Define(defB))
	require.NoError(t, r2.Define(defA))

	require.Equal(t, r1.Checksum(), r2.Checksum())

	// Issuance changes the checksum.
	before := r1.Checksum()
	require.NoError(t, r1.RecordIssuance(defA.Code, issuer, 5))
	require.NotEqual(t, before, r1.Checksum())

	// A clone checksums identically and diverges independently.
	clone := r1.Clone()
	require.Equal(t, r1.Checksum(), clone.Checksum())
	require.NoError(t, clone.RecordIssuance(defA.Code, issuer, 5))
	require.NotEqual(t, r1.Checksum(), clone.Checksum())
}

// TestRegistryChecksumMemoBoundary tests that the checksum input is
// unambiguous under concatenation. The memo is the only variable-length field
// in a definition's encoding, so a memo crafted to absorb the neighboring
// fields of a two-definition registry must still produce a distinct checksum.
func TestRegistryChecksumMemoBoundary(t *testing.T) {
	t.Parallel()

	issuer := testKey(t)

	var codeA, codeB Code
	codeB[0] = 0x01

	defB := &Definition{
		Code:         codeB,
		Issuer:       issuer,
		Memo:         "coin",
		Transferable: true,
		HasCap:       true,
		MaxUnits:     1000,
		Issued:       250,
	}

	r1 := NewRegistry()
	r1.RestoreDefinition(&Definition{Code: codeA, Issuer: issuer})
	r1.RestoreDefinition(defB)

	// A single definition under codeA whose memo swallows the first
	// definition's zero trailing fields plus defB's code, issuer and memo,
	// with the remaining fixed-width fields equal to defB's. Without the
	// length prefix on the memo its checksum input would be byte-identical
	// to r1's.
	var memo bytes.Buffer
	memo.Write(make([]byte, 18))
	memo.Write(codeB[:])
	memo.Write(issuer[:])
	memo.WriteString(defB.Memo)

	r2 := NewRegistry()
	r2.RestoreDefinition(&Definition{
		Code:         codeA,
		Issuer:       issuer,
		Memo:         memo.String(),
		Transferable: defB.Transferable,
		HasCap:       defB.HasCap,
		MaxUnits:     defB.MaxUnits,
		Issued:       defB.Issued,
	})

	require.NotEqual(t, r1.Checksum(), r2.Checksum())
}
