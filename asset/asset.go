package asset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// CodeLen is the byte length of an asset type code.
	CodeLen = 32

	// MaxMemoLength is the maximum byte length of an asset's memo. This
	// byte length is equivalent to character count for single-byte UTF-8
	// characters.
	MaxMemoLength = 64
)

// Code is the fixed-width unique identifier of an asset type. A code is
// globally unique once registered and is never reused, even if the issuing
// key is lost.
type Code [CodeLen]byte

// DeriveCode derives an asset type code from a human readable tag and the
// issuer's public key. The derivation is a tagged hash so codes for distinct
// issuers or tags never collide by construction.
func DeriveCode(tag string, issuer SerializedKey) Code {
	h := sha256.New()
	h.Write([]byte("veil/asset/code"))
	h.Write(issuer[:])
	h.Write([]byte(tag))
	return Code(h.Sum(nil))
}

// String returns the hex encoding of the asset type code.
func (c Code) String() string {
	return hex.EncodeToString(c[:])
}

// CodeFromString parses a hex encoded asset type code.
func CodeFromString(s string) (Code, error) {
	var c Code
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid asset code: %w", err)
	}
	if len(b) != CodeLen {
		return c, fmt.Errorf("invalid asset code length %d", len(b))
	}
	copy(c[:], b)
	return c, nil
}

// SerializedKey is a type for representing a public key, serialized in the
// compressed, 33-byte form.
type SerializedKey [33]byte

// ToPubKey returns the public key parsed from the serialized key.
func (s SerializedKey) ToPubKey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(s[:])
}

// SchnorrSerialized returns the Schnorr serialized, x-only 32-byte
// representation of the serialized key.
func (s SerializedKey) SchnorrSerialized() []byte {
	return s[1:]
}

// CopyBytes returns a copy of the underlying array as a byte slice.
func (s SerializedKey) CopyBytes() []byte {
	c := make([]byte, 33)
	copy(c, s[:])

	return c
}

// String returns the hex encoding of the serialized key.
func (s SerializedKey) String() string {
	return hex.EncodeToString(s[:])
}

// ToSerialized serializes a public key in its 33-byte compressed form.
func ToSerialized(pubKey *btcec.PublicKey) SerializedKey {
	var serialized SerializedKey
	copy(serialized[:], pubKey.SerializeCompressed())

	return serialized
}

// Definition is the authoritative description of a registered asset type. A
// definition is created exactly once by a DefineAsset operation and only its
// issuance counter ever changes afterwards.
type Definition struct {
	// Code is the unique type code of the asset.
	Code Code

	// Issuer is the public key whose signature is required on every
	// issuance of this asset.
	Issuer SerializedKey

	// Memo is a short human readable description of the asset.
	Memo string

	// Transferable indicates whether units of this asset may be moved to
	// owners other than the issuer.
	Transferable bool

	// HasCap indicates whether MaxUnits bounds the total issuance.
	HasCap bool

	// MaxUnits is the maximum number of units that may ever be issued.
	// Only meaningful if HasCap is set.
	MaxUnits uint64

	// Issued is the cumulative number of units issued so far.
	Issued uint64
}

// validateDefinition checks the static fields of a definition before it is
// admitted into the registry.
func validateDefinition(def *Definition) error {
	if !utf8.ValidString(def.Memo) {
		return fmt.Errorf("%w: memo not valid UTF-8", ErrInvalidMemo)
	}
	if len(def.Memo) > MaxMemoLength {
		return fmt.Errorf("%w: memo of %d bytes exceeds %d",
			ErrInvalidMemo, len(def.Memo), MaxMemoLength)
	}
	if _, err := def.Issuer.ToPubKey(); err != nil {
		return fmt.Errorf("invalid issuer key: %w", err)
	}
	return nil
}

// Copy returns a deep copy of the definition.
func (d *Definition) Copy() *Definition {
	defCopy := *d
	return &defCopy
}

// digest writes a deterministic encoding of the definition into the given
// buffer, used for the registry checksum.
func (d *Definition) digest(buf *bytes.Buffer) {
	buf.Write(d.Code[:])
	buf.Write(d.Issuer[:])

	// The memo is the only variable-length field, so it is length
	// prefixed to keep the encoding unambiguous under concatenation.
	writeUint64(buf, uint64(len(d.Memo)))
	buf.WriteString(d.Memo)
	buf.WriteByte(boolByte(d.Transferable))
	buf.WriteByte(boolByte(d.HasCap))
	writeUint64(buf, d.MaxUnits)
	writeUint64(buf, d.Issued)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	buf.Write(b[:])
}
