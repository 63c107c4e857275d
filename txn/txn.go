package txn

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/veilledger/veil/asset"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify
	// against the transaction digest.
	ErrInvalidSignature = errors.New("txn: invalid signature")

	// ErrMissingSignature is returned when a required signer has not
	// signed the transaction.
	ErrMissingSignature = errors.New("txn: missing signature")
)

// sigHashTag tags the digest that signatures commit to, separating it from
// any other use of the canonical encoding.
var sigHashTag = []byte("veil/txn/sighash")

// Signature is one signer's BIP-340 Schnorr signature over the
// transaction's canonical body encoding.
type Signature struct {
	// Key is the compressed public key of the signer.
	Key asset.SerializedKey

	// Sig is the 64-byte Schnorr signature.
	Sig [schnorr.SignatureSize]byte
}

// Transaction is an ordered list of operations plus the signatures covering
// them. A transaction is atomic: all operations apply or none do.
type Transaction struct {
	// Ops are the operations, applied in order.
	Ops []Operation

	// Signer is the transaction's replay identity.
	Signer asset.SerializedKey

	// Seq is the signer-chosen sequence number for replay protection.
	// Sequence numbers need not be consecutive or increasing; they only
	// need to be unique per signer within the replay window.
	Seq uint64

	// Signatures covers the canonical body encoding. Signature order is
	// not significant.
	Signatures []Signature
}

// Digest returns the tagged hash of the canonical body encoding: the
// message that every signature commits to.
func (t *Transaction) Digest() chainhash.Hash {
	return *chainhash.TaggedHash(sigHashTag, t.BodyBytes())
}

// TxID returns the transaction's identifier, which doubles as its digest.
func (t *Transaction) TxID() chainhash.Hash {
	return t.Digest()
}

// Sign appends a signature by the given private key.
func (t *Transaction) Sign(priv *btcec.PrivateKey) error {
	digest := t.Digest()
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return err
	}

	entry := Signature{Key: asset.ToSerialized(priv.PubKey())}
	copy(entry.Sig[:], sig.Serialize())
	t.Signatures = append(t.Signatures, entry)
	return nil
}

// VerifySignature checks that the given key has produced a valid signature
// over the transaction's canonical encoding.
func (t *Transaction) VerifySignature(key asset.SerializedKey) error {
	digest := t.Digest()
	for _, entry := range t.Signatures {
		if entry.Key != key {
			continue
		}

		pubKey, err := key.ToPubKey()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		sig, err := schnorr.ParseSignature(entry.Sig[:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if !sig.Verify(digest[:], pubKey) {
			return fmt.Errorf("%w: key %v", ErrInvalidSignature,
				key)
		}
		return nil
	}

	return fmt.Errorf("%w: key %v", ErrMissingSignature, key)
}
