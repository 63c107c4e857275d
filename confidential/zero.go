package confidential

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	balanceProofTag = "veil/proof/balance"
	typeMatchTag    = "veil/proof/typematch"
)

// zeroProof is a Schnorr proof of knowledge of the discrete log of a point
// with respect to the blinding generator H. Proving knowledge of d such that
// D = d*H establishes that D is a Pedersen commitment to the value zero,
// without revealing d.
type zeroProof struct {
	// Nonce is the prover's commitment R = k*H.
	Nonce Commitment

	// Response is the big-endian response scalar s = k + e*d.
	Response [32]byte
}

// proveZero builds a proof of knowledge of d such that target = d*H. The
// Fiat-Shamir challenge binds the given tag, the target point and the
// caller's context bytes.
func proveZero(tag string, d *Scalar, target *secp256k1.JacobianPoint,
	context []byte) (*zeroProof, error) {

	k, err := RandomScalar()
	if err != nil {
		return nil, err
	}
	nonce := serializePoint(mulH(k))
	targetBytes := serializePoint(target)

	e := challengeScalar(tag, targetBytes[:], nonce[:], context)

	// s = k + e*d.
	s := new(Scalar).Mul2(e, d).Add(k)

	proof := &zeroProof{Nonce: nonce}
	s.PutBytes(&proof.Response)
	return proof, nil
}

// verifyZero checks a zero-commitment proof against the target point:
// s*H == R + e*target.
func verifyZero(tag string, proof *zeroProof,
	target *secp256k1.JacobianPoint, context []byte) error {

	nonce, err := parsePoint(proof.Nonce)
	if err != nil {
		return err
	}
	targetBytes := serializePoint(target)

	e := challengeScalar(tag, targetBytes[:], proof.Nonce[:], context)
	s := ScalarFromBytes(proof.Response)

	lhs := mulH(s)
	rhs := addPoints(nonce, mulPoint(e, target))
	if serializePoint(lhs) != serializePoint(rhs) {
		return fmt.Errorf("%w: zero proof mismatch", ErrInvalidProof)
	}
	return nil
}

// BalanceProof proves that, within one asset group of a transfer, the sum of
// the input amount commitments equals the sum of the output amount
// commitments plus the explicit fee, without revealing any amounts.
type BalanceProof struct {
	// Nonce is the prover's Schnorr commitment.
	Nonce Commitment

	// Response is the big-endian Schnorr response scalar.
	Response [32]byte
}

// balanceTarget computes sum(inputs) - sum(outputs) - fee*G. For a balanced
// group this is (sum of input blinds - sum of output blinds)*H, a commitment
// to zero.
func balanceTarget(inputs, outputs []Commitment,
	fee uint64) (*secp256k1.JacobianPoint, error) {

	sum := new(secp256k1.JacobianPoint)
	for _, c := range inputs {
		point, err := parsePoint(c)
		if err != nil {
			return nil, err
		}
		sum = addPoints(sum, point)
	}
	for _, c := range outputs {
		point, err := parsePoint(c)
		if err != nil {
			return nil, err
		}
		sum = subPoints(sum, point)
	}
	if fee > 0 {
		sum = subPoints(sum, mulBase(ScalarFromUint64(fee)))
	}
	return sum, nil
}

// balanceContext extends the caller's context with the full group so the
// challenge binds every commitment and the fee.
func balanceContext(inputs, outputs []Commitment, fee uint64,
	context []byte) []byte {

	bound := make([]byte, 0, len(context)+33*(len(inputs)+len(outputs))+8)
	bound = append(bound, context...)
	for _, c := range inputs {
		bound = append(bound, c[:]...)
	}
	for _, c := range outputs {
		bound = append(bound, c[:]...)
	}
	var feeBytes [8]byte
	feeBytes[0] = byte(fee >> 56)
	feeBytes[1] = byte(fee >> 48)
	feeBytes[2] = byte(fee >> 40)
	feeBytes[3] = byte(fee >> 32)
	feeBytes[4] = byte(fee >> 24)
	feeBytes[5] = byte(fee >> 16)
	feeBytes[6] = byte(fee >> 8)
	feeBytes[7] = byte(fee)
	return append(bound, feeBytes[:]...)
}

// ProveBalance builds the balance proof for one asset group. blindDelta must
// be the sum of the input blinding factors minus the sum of the output
// blinding factors; the commitments and fee must actually balance or
// verification will fail.
func ProveBalance(blindDelta *Scalar, inputs, outputs []Commitment,
	fee uint64, context []byte) (*BalanceProof, error) {

	target, err := balanceTarget(inputs, outputs, fee)
	if err != nil {
		return nil, err
	}

	inner, err := proveZero(
		balanceProofTag, blindDelta, target,
		balanceContext(inputs, outputs, fee, context),
	)
	if err != nil {
		return nil, err
	}

	return &BalanceProof{
		Nonce:    inner.Nonce,
		Response: inner.Response,
	}, nil
}

// VerifyBalance checks the balance proof of one asset group.
func VerifyBalance(proof *BalanceProof, inputs, outputs []Commitment,
	fee uint64, context []byte) error {

	if proof == nil {
		return fmt.Errorf("%w: missing balance proof", ErrInvalidProof)
	}

	target, err := balanceTarget(inputs, outputs, fee)
	if err != nil {
		return err
	}

	inner := &zeroProof{Nonce: proof.Nonce, Response: proof.Response}
	return verifyZero(
		balanceProofTag, inner, target,
		balanceContext(inputs, outputs, fee, context),
	)
}

// TypeMatchProof proves that two asset type commitments hide the same type
// code, by proving their difference is a commitment to zero.
type TypeMatchProof struct {
	// Nonce is the prover's Schnorr commitment.
	Nonce Commitment

	// Response is the big-endian Schnorr response scalar.
	Response [32]byte
}

// ProveTypeMatch proves that commitments a and b hide the same asset type.
// blindDelta must be a's type blind minus b's type blind.
func ProveTypeMatch(blindDelta *Scalar, a, b Commitment,
	context []byte) (*TypeMatchProof, error) {

	pointA, err := parsePoint(a)
	if err != nil {
		return nil, err
	}
	pointB, err := parsePoint(b)
	if err != nil {
		return nil, err
	}
	target := subPoints(pointA, pointB)

	bound := append(append(append([]byte{}, context...), a[:]...), b[:]...)
	inner, err := proveZero(typeMatchTag, blindDelta, target, bound)
	if err != nil {
		return nil, err
	}

	return &TypeMatchProof{
		Nonce:    inner.Nonce,
		Response: inner.Response,
	}, nil
}

// VerifyTypeMatch checks that commitments a and b hide the same asset type.
func VerifyTypeMatch(proof *TypeMatchProof, a, b Commitment,
	context []byte) error {

	if proof == nil {
		return fmt.Errorf("%w: missing type match proof",
			ErrInvalidProof)
	}

	pointA, err := parsePoint(a)
	if err != nil {
		return err
	}
	pointB, err := parsePoint(b)
	if err != nil {
		return err
	}
	target := subPoints(pointA, pointB)

	bound := append(append(append([]byte{}, context...), a[:]...), b[:]...)
	inner := &zeroProof{Nonce: proof.Nonce, Response: proof.Response}
	return verifyZero(typeMatchTag, inner, target, bound)
}
