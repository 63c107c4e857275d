// Package memo implements owner memos: per-output encrypted disclosures that
// let the intended recipient of a confidential output learn the hidden
// amount and asset type, and verify them against the on-ledger commitments.
package memo

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
)

var (
	// ErrMalformedMemo is returned when a memo's ciphertext or ephemeral
	// key cannot be parsed.
	ErrMalformedMemo = errors.New("memo: malformed owner memo")

	// ErrDecrypt is returned when decryption fails, which happens
	// whenever the secret key does not match the memo's recipient. A
	// failed decryption never yields wrong data.
	ErrDecrypt = errors.New("memo: decryption failed")
)

// openingLen is the byte length of a serialized opening: amount, code and
// the two blinding factors.
const openingLen = 8 + 32 + 32 + 32

// OwnerMemo is the recipient-encrypted opening of a hidden output. The memo
// is immutable and bound to its output through the ledger's side table, not
// through a back-pointer.
type OwnerMemo struct {
	// EphemeralKey is the sender's one-time Diffie-Hellman key.
	EphemeralKey asset.SerializedKey

	// Ciphertext is the AEAD-sealed opening.
	Ciphertext []byte
}

// memoKey derives the AEAD key for a memo from the ECDH shared secret and
// both public keys.
func memoKey(shared []byte, ephemeral, recipient []byte) ([]byte, error) {
	info := append(append([]byte{}, ephemeral...), recipient...)
	kdf := hkdf.New(sha256.New, shared, []byte("veil/memo/key"), info)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals the opening of a hidden output to the recipient's public
// key. Only the holder of the matching secret key can recover it.
func Encrypt(recipient *btcec.PublicKey,
	opening *confidential.Opening) (*OwnerMemo, error) {

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	ephemeralPub := asset.ToSerialized(ephemeral.PubKey())
	recipientSer := asset.ToSerialized(recipient)

	shared := btcec.GenerateSharedSecret(ephemeral, recipient)
	key, err := memoKey(shared, ephemeralPub[:], recipientSer[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, openingLen)
	binary.BigEndian.PutUint64(plaintext[0:8], opening.Amount)
	copy(plaintext[8:40], opening.Code[:])
	copy(plaintext[40:72], opening.AmountBlind[:])
	copy(plaintext[72:104], opening.TypeBlind[:])

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// The ephemeral key doubles as associated data so the ciphertext
	// cannot be grafted onto a different memo.
	ciphertext := aead.Seal(nonce, nonce, plaintext, ephemeralPub[:])

	return &OwnerMemo{
		EphemeralKey: ephemeralPub,
		Ciphertext:   ciphertext,
	}, nil
}

// Decrypt recovers the opening sealed inside the memo using the recipient's
// secret key. A mismatched key or tampered ciphertext fails with ErrDecrypt;
// a structurally invalid memo fails with ErrMalformedMemo.
func Decrypt(secret *btcec.PrivateKey,
	m *OwnerMemo) (*confidential.Opening, error) {

	if len(m.Ciphertext) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes",
			ErrMalformedMemo, len(m.Ciphertext))
	}

	ephemeralPub, err := m.EphemeralKey.ToPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMemo, err)
	}
	recipientSer := asset.ToSerialized(secret.PubKey())

	shared := btcec.GenerateSharedSecret(secret, ephemeralPub)
	key, err := memoKey(shared, m.EphemeralKey[:], recipientSer[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := m.Ciphertext[:chacha20poly1305.NonceSize]
	sealed := m.Ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, m.EphemeralKey[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(plaintext) != openingLen {
		return nil, fmt.Errorf("%w: opening of %d bytes",
			ErrMalformedMemo, len(plaintext))
	}

	opening := &confidential.Opening{
		Amount: binary.BigEndian.Uint64(plaintext[0:8]),
	}
	copy(opening.Code[:], plaintext[8:40])
	copy(opening.AmountBlind[:], plaintext[40:72])
	copy(opening.TypeBlind[:], plaintext[72:104])

	return opening, nil
}

// Copy returns a deep copy of the memo.
func (m *OwnerMemo) Copy() *OwnerMemo {
	memoCopy := &OwnerMemo{
		EphemeralKey: m.EphemeralKey,
		Ciphertext:   append([]byte(nil), m.Ciphertext...),
	}
	return memoCopy
}
