package confidential

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// RangeBits is the bit width proven by a range proof. Amounts are
	// uint64 values, so a valid commitment always opens to a value in
	// [0, 2^64).
	RangeBits = 64

	rangeProofTag = "veil/proof/range"
)

// BitProof is a Chaum-Pedersen OR proof that a single bit commitment opens
// to either 0 or 2^i, for the bit position i it covers. The verifier
// recomputes the joint challenge e and checks that the two branch challenges
// split it, so at most one branch can be simulated.
type BitProof struct {
	// C is the commitment to the bit, b*2^i*G + r*H.
	C Commitment

	// Nonce0 and Nonce1 are the Schnorr nonces of the zero and one
	// branches.
	Nonce0 Commitment
	Nonce1 Commitment

	// E0 is the challenge of the zero branch; the one branch uses
	// e - E0.
	E0 [32]byte

	// S0 and S1 are the response scalars of the two branches.
	S0 [32]byte
	S1 [32]byte
}

// RangeProof proves that a hidden amount commitment opens to a value within
// [0, 2^RangeBits), preventing overflow and negative-amount forgeries. The
// proof decomposes the amount into per-bit commitments that sum back to the
// amount commitment.
type RangeProof struct {
	// Bits holds one OR proof per bit position.
	Bits [RangeBits]BitProof
}

// bitChallenge derives the joint Fiat-Shamir challenge for one bit.
func bitChallenge(c, nonce0, nonce1 Commitment, position uint8,
	context []byte) *Scalar {

	return challengeScalar(
		rangeProofTag, c[:], nonce0[:], nonce1[:],
		[]byte{position}, context,
	)
}

// bitWeight returns the point 2^i*G.
func bitWeight(position uint8) *secp256k1.JacobianPoint {
	weight := ScalarFromUint64(uint64(1) << uint(position))
	return mulBase(weight)
}

// ProveRange builds a range proof for the amount commitment of value v with
// the given blinding factor. The per-bit blinds are chosen so the bit
// commitments sum to AmountCommit(v, blind); VerifyRange checks that
// equality, binding the proof to the commitment.
func ProveRange(v uint64, blind *Scalar, context []byte) (*RangeProof, error) {
	proof := &RangeProof{}

	// Choose random blinds for all but the last bit, then solve for the
	// last one so the blinds sum to the amount blind.
	blindRest := new(Scalar).Set(blind)
	for i := 0; i < RangeBits; i++ {
		var (
			bitBlind *Scalar
			err      error
		)
		if i < RangeBits-1 {
			bitBlind, err = RandomScalar()
			if err != nil {
				return nil, err
			}
			blindRest.Add(new(Scalar).Set(bitBlind).Negate())
		} else {
			bitBlind = blindRest
		}

		bit := (v >> uint(i)) & 1
		bitProof, err := proveBit(bit == 1, uint8(i), bitBlind, context)
		if err != nil {
			return nil, err
		}
		proof.Bits[i] = *bitProof
	}

	return proof, nil
}

// proveBit builds the OR proof for a single bit position.
func proveBit(set bool, position uint8, bitBlind *Scalar,
	context []byte) (*BitProof, error) {

	// C = b*2^i*G + r*H.
	point := mulH(bitBlind)
	if set {
		point = addPoints(point, bitWeight(position))
	}
	c := serializePoint(point)

	// C shifted down by the bit weight; the one branch proves knowledge
	// of its discrete log base H.
	shifted := subPoints(point, bitWeight(position))

	k, err := RandomScalar()
	if err != nil {
		return nil, err
	}

	proof := &BitProof{C: c}

	if !set {
		// Real zero branch, simulated one branch.
		e1, err := RandomScalar()
		if err != nil {
			return nil, err
		}
		s1, err := RandomScalar()
		if err != nil {
			return nil, err
		}

		// Nonce1 = s1*H - e1*(C - 2^i*G).
		proof.Nonce1 = serializePoint(
			subPoints(mulH(s1), mulPoint(e1, shifted)),
		)
		proof.Nonce0 = serializePoint(mulH(k))

		e := bitChallenge(c, proof.Nonce0, proof.Nonce1, position,
			context)
		e0 := new(Scalar).Set(e).Add(new(Scalar).Set(e1).Negate())
		e0.PutBytes(&proof.E0)

		// s0 = k + e0*r.
		s0 := new(Scalar).Mul2(e0, bitBlind).Add(k)
		s0.PutBytes(&proof.S0)
		s1.PutBytes(&proof.S1)

		return proof, nil
	}

	// Real one branch, simulated zero branch.
	e0, err := RandomScalar()
	if err != nil {
		return nil, err
	}
	s0, err := RandomScalar()
	if err != nil {
		return nil, err
	}

	// Nonce0 = s0*H - e0*C.
	proof.Nonce0 = serializePoint(subPoints(mulH(s0), mulPoint(e0, point)))
	proof.Nonce1 = serializePoint(mulH(k))

	e := bitChallenge(c, proof.Nonce0, proof.Nonce1, position, context)
	e1 := new(Scalar).Set(e).Add(new(Scalar).Set(e0).Negate())

	// s1 = k + e1*r.
	s1 := new(Scalar).Mul2(e1, bitBlind).Add(k)
	e0.PutBytes(&proof.E0)
	s0.PutBytes(&proof.S0)
	s1.PutBytes(&proof.S1)

	return proof, nil
}

// VerifyRange checks a range proof against the amount commitment it covers.
func VerifyRange(proof *RangeProof, amount Commitment, context []byte) error {
	if proof == nil {
		return fmt.Errorf("%w: missing range proof", ErrInvalidProof)
	}

	// The bit commitments must sum back to the amount commitment.
	sum := new(secp256k1.JacobianPoint)
	for i := range proof.Bits {
		point, err := parsePoint(proof.Bits[i].C)
		if err != nil {
			return err
		}
		sum = addPoints(sum, point)
	}
	if serializePoint(sum) != amount {
		return fmt.Errorf("%w: bit commitments do not sum to amount",
			ErrInvalidProof)
	}

	for i := range proof.Bits {
		err := verifyBit(&proof.Bits[i], uint8(i), context)
		if err != nil {
			return fmt.Errorf("bit %d: %w", i, err)
		}
	}

	return nil
}

// verifyBit checks the OR proof for a single bit position.
func verifyBit(proof *BitProof, position uint8, context []byte) error {
	point, err := parsePoint(proof.C)
	if err != nil {
		return err
	}
	nonce0, err := parsePoint(proof.Nonce0)
	if err != nil {
		return err
	}
	nonce1, err := parsePoint(proof.Nonce1)
	if err != nil {
		return err
	}

	shifted := subPoints(point, bitWeight(position))

	e := bitChallenge(proof.C, proof.Nonce0, proof.Nonce1, position,
		context)
	e0 := ScalarFromBytes(proof.E0)
	e1 := new(Scalar).Set(e).Add(new(Scalar).Set(e0).Negate())
	s0 := ScalarFromBytes(proof.S0)
	s1 := ScalarFromBytes(proof.S1)

	// Zero branch: s0*H == Nonce0 + e0*C.
	lhs0 := serializePoint(mulH(s0))
	rhs0 := serializePoint(addPoints(nonce0, mulPoint(e0, point)))
	if lhs0 != rhs0 {
		return fmt.Errorf("%w: zero branch mismatch", ErrInvalidProof)
	}

	// One branch: s1*H == Nonce1 + e1*(C - 2^i*G).
	lhs1 := serializePoint(mulH(s1))
	rhs1 := serializePoint(addPoints(nonce1, mulPoint(e1, shifted)))
	if lhs1 != rhs1 {
		return fmt.Errorf("%w: one branch mismatch", ErrInvalidProof)
	}

	return nil
}
