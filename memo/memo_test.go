package memo

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/veilledger/veil/confidential"
)

func testOpening(t *testing.T) *confidential.Opening {
	t.Helper()

	amountBlind, err := confidential.RandomScalar()
	require.NoError(t, err)
	typeBlind, err := confidential.RandomScalar()
	require.NoError(t, err)

	opening := &confidential.Opening{
		Amount: 4_000,
		Code:   sha256.Sum256([]byte("alicecoin")),
	}
	amountBlind.PutBytes(&opening.AmountBlind)
	typeBlind.PutBytes(&opening.TypeBlind)
	return opening
}

// TestMemoRoundTrip tests that the intended recipient recovers exactly the
// sealed opening and can match it against the commitments.
func TestMemoRoundTrip(t *testing.T) {
	t.Parallel()

	recipient, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	opening := testOpening(t)
	sealed, err := Encrypt(recipient.PubKey(), opening)
	require.NoError(t, err)

	recovered, err := Decrypt(recipient, sealed)
	require.NoError(t, err)
	require.Equal(t, opening, recovered)

	amount, typ := opening.Commitments()
	require.True(t, recovered.Matches(amount, typ))
}

// TestMemoWrongKey tests that any key but the recipient's fails cleanly,
// never yielding wrong data.
func TestMemoWrongKey(t *testing.T) {
	t.Parallel()

	recipient, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	eavesdropper, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sealed, err := Encrypt(recipient.PubKey(), testOpening(t))
	require.NoError(t, err)

	recovered, err := Decrypt(eavesdropper, sealed)
	require.ErrorIs(t, err, ErrDecrypt)
	require.Nil(t, recovered)
}

// TestMemoTamper tests that ciphertext or ephemeral key tampering is
// detected by the AEAD.
func TestMemoTamper(t *testing.T) {
	t.Parallel()

	recipient, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sealed, err := Encrypt(recipient.PubKey(), testOpening(t))
	require.NoError(t, err)

	// Flip one ciphertext byte.
	tampered := sealed.Copy()
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0x01
	_, err = Decrypt(recipient, tampered)
	require.ErrorIs(t, err, ErrDecrypt)

	// Graft the ciphertext onto a different ephemeral key: the key is
	// associated data, so this fails even before the ECDH mismatch
	// could matter.
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	grafted := sealed.Copy()
	copy(grafted.EphemeralKey[:], other.PubKey().SerializeCompressed())
	_, err = Decrypt(recipient, grafted)
	require.ErrorIs(t, err, ErrDecrypt)

	// Truncated ciphertexts are rejected as malformed.
	truncated := sealed.Copy()
	truncated.Ciphertext = truncated.Ciphertext[:10]
	_, err = Decrypt(recipient, truncated)
	require.ErrorIs(t, err, ErrMalformedMemo)
}
