package txn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/confidential"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/utxo"
)

// encodeVersion is the version tag of the canonical transaction encoding.
const encodeVersion byte = 0

var (
	// ErrInvalidEncoding is returned when decoding malformed transaction
	// bytes.
	ErrInvalidEncoding = errors.New("txn: invalid encoding")

	// maxListLen bounds decoded list lengths to prevent OOMs when fed
	// garbage length prefixes.
	maxListLen = uint32(1 << 16)
)

// BodyBytes returns the canonical byte encoding of the transaction body:
// everything except the signatures. Two transactions with equal bodies hash
// and sign identically, byte for byte.
func (t *Transaction) BodyBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(encodeVersion)
	buf.Write(t.Signer[:])
	writeUint64(&buf, t.Seq)

	writeUint32(&buf, uint32(len(t.Ops)))
	for _, op := range t.Ops {
		encodeOperation(&buf, op)
	}
	return buf.Bytes()
}

// Encode returns the full wire encoding of the transaction, body plus
// signatures.
func (t *Transaction) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(t.BodyBytes())

	writeUint32(&buf, uint32(len(t.Signatures)))
	for _, sig := range t.Signatures {
		buf.Write(sig.Key[:])
		buf.Write(sig.Sig[:])
	}
	return buf.Bytes()
}

// Decode parses a transaction from its wire encoding. Decoding followed by
// Encode reproduces the input byte-identically.
func Decode(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if version != encodeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidEncoding,
			version)
	}

	t := &Transaction{}
	if err := readKey(r, &t.Signer); err != nil {
		return nil, err
	}
	if t.Seq, err = readUint64(r); err != nil {
		return nil, err
	}

	numOps, err := readLen(r)
	if err != nil {
		return nil, err
	}
	t.Ops = make([]Operation, 0, numOps)
	for i := uint32(0); i < numOps; i++ {
		op, err := decodeOperation(r)
		if err != nil {
			return nil, err
		}
		t.Ops = append(t.Ops, op)
	}

	numSigs, err := readLen(r)
	if err != nil {
		return nil, err
	}
	t.Signatures = make([]Signature, 0, numSigs)
	for i := uint32(0); i < numSigs; i++ {
		var sig Signature
		if err := readKey(r, &sig.Key); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, sig.Sig[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding,
				err)
		}
		t.Signatures = append(t.Signatures, sig)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes",
			ErrInvalidEncoding, r.Len())
	}
	return t, nil
}

func encodeOperation(buf *bytes.Buffer, op Operation) {
	buf.WriteByte(byte(op.Type()))

	switch op := op.(type) {
	case *DefineAsset:
		buf.Write(op.Code[:])
		buf.Write(op.Issuer[:])
		writeUint32(buf, uint32(len(op.Memo)))
		buf.WriteString(op.Memo)
		buf.WriteByte(packFlags(op.Transferable, op.HasCap))
		writeUint64(buf, op.MaxUnits)

	case *IssueAsset:
		buf.Write(op.Code[:])
		buf.Write(op.Issuer[:])
		writeUint64(buf, op.Amount)
		writeUint32(buf, uint32(len(op.Outputs)))
		for i := range op.Outputs {
			encodeOutput(buf, &op.Outputs[i])
		}

	case *TransferAsset:
		writeUint32(buf, uint32(len(op.Inputs)))
		for _, sid := range op.Inputs {
			writeUint64(buf, uint64(sid))
		}
		writeUint32(buf, uint32(len(op.Outputs)))
		for i := range op.Outputs {
			encodeOutput(buf, &op.Outputs[i])
		}
		writeUint32(buf, uint32(len(op.Groups)))
		for i := range op.Groups {
			encodeGroup(buf, &op.Groups[i])
		}
		writeUint64(buf, op.Fee.Amount)
		buf.Write(op.Fee.Code[:])

	default:
		// The operation set is closed; reaching this is a programming
		// error.
		panic(fmt.Sprintf("unknown operation type %T", op))
	}
}

func decodeOperation(r *bytes.Reader) (Operation, error) {
	typeTag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	switch OpType(typeTag) {
	case OpTypeDefineAsset:
		op := &DefineAsset{}
		if err := readCode(r, &op.Code); err != nil {
			return nil, err
		}
		if err := readKey(r, &op.Issuer); err != nil {
			return nil, err
		}
		memoLen, err := readLen(r)
		if err != nil {
			return nil, err
		}
		memoBytes := make([]byte, memoLen)
		if _, err := io.ReadFull(r, memoBytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding,
				err)
		}
		op.Memo = string(memoBytes)

		flags, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding,
				err)
		}
		op.Transferable = flags&1 != 0
		op.HasCap = flags&2 != 0
		if op.MaxUnits, err = readUint64(r); err != nil {
			return nil, err
		}
		return op, nil

	case OpTypeIssueAsset:
		op := &IssueAsset{}
		if err := readCode(r, &op.Code); err != nil {
			return nil, err
		}
		if err := readKey(r, &op.Issuer); err != nil {
			return nil, err
		}
		if op.Amount, err = readUint64(r); err != nil {
			return nil, err
		}
		numOutputs, err := readLen(r)
		if err != nil {
			return nil, err
		}
		op.Outputs = make([]Output, 0, numOutputs)
		for i := uint32(0); i < numOutputs; i++ {
			out, err := decodeOutput(r)
			if err != nil {
				return nil, err
			}
			op.Outputs = append(op.Outputs, *out)
		}
		return op, nil

	case OpTypeTransferAsset:
		op := &TransferAsset{}
		numInputs, err := readLen(r)
		if err != nil {
			return nil, err
		}
		op.Inputs = make([]utxo.SID, 0, numInputs)
		for i := uint32(0); i < numInputs; i++ {
			sid, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			op.Inputs = append(op.Inputs, utxo.SID(sid))
		}

		numOutputs, err := readLen(r)
		if err != nil {
			return nil, err
		}
		op.Outputs = make([]Output, 0, numOutputs)
		for i := uint32(0); i < numOutputs; i++ {
			out, err := decodeOutput(r)
			if err != nil {
				return nil, err
			}
			op.Outputs = append(op.Outputs, *out)
		}

		numGroups, err := readLen(r)
		if err != nil {
			return nil, err
		}
		op.Groups = make([]AssetGroup, 0, numGroups)
		for i := uint32(0); i < numGroups; i++ {
			group, err := decodeGroup(r)
			if err != nil {
				return nil, err
			}
			op.Groups = append(op.Groups, *group)
		}

		if op.Fee.Amount, err = readUint64(r); err != nil {
			return nil, err
		}
		if err := readCode(r, &op.Fee.Code); err != nil {
			return nil, err
		}
		return op, nil

	default:
		return nil, fmt.Errorf("%w: operation type %d",
			ErrInvalidEncoding, typeTag)
	}
}

func encodeOutput(buf *bytes.Buffer, out *Output) {
	buf.Write(out.Owner[:])

	if out.Amount.Plain != nil {
		buf.WriteByte(0)
		writeUint64(buf, *out.Amount.Plain)
	} else {
		buf.WriteByte(1)
	}
	buf.Write(out.Amount.Commitment[:])

	if out.Type.Plain != nil {
		buf.WriteByte(0)
		buf.Write(out.Type.Plain[:])
	} else {
		buf.WriteByte(1)
	}
	buf.Write(out.Type.Commitment[:])

	if out.RangeProof != nil {
		buf.WriteByte(1)
		encodeRangeProof(buf, out.RangeProof)
	} else {
		buf.WriteByte(0)
	}

	if out.Memo != nil {
		buf.WriteByte(1)
		buf.Write(out.Memo.EphemeralKey[:])
		writeUint32(buf, uint32(len(out.Memo.Ciphertext)))
		buf.Write(out.Memo.Ciphertext)
	} else {
		buf.WriteByte(0)
	}
}

func decodeOutput(r *bytes.Reader) (*Output, error) {
	out := &Output{}
	if err := readKey(r, &out.Owner); err != nil {
		return nil, err
	}

	amountKind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if amountKind == 0 {
		plain, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		out.Amount.Plain = &plain
	}
	if err := readCommitment(r, &out.Amount.Commitment); err != nil {
		return nil, err
	}

	typeKind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if typeKind == 0 {
		var code asset.Code
		if err := readCode(r, &code); err != nil {
			return nil, err
		}
		out.Type.Plain = &code
	}
	if err := readCommitment(r, &out.Type.Commitment); err != nil {
		return nil, err
	}

	hasRange, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if hasRange == 1 {
		if out.RangeProof, err = decodeRangeProof(r); err != nil {
			return nil, err
		}
	}

	hasMemo, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if hasMemo == 1 {
		ownerMemo := &memo.OwnerMemo{}
		if err := readKey(r, &ownerMemo.EphemeralKey); err != nil {
			return nil, err
		}
		ctLen, err := readLen(r)
		if err != nil {
			return nil, err
		}
		ownerMemo.Ciphertext = make([]byte, ctLen)
		if _, err := io.ReadFull(r, ownerMemo.Ciphertext); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding,
				err)
		}
		out.Memo = ownerMemo
	}

	return out, nil
}

func encodeGroup(buf *bytes.Buffer, group *AssetGroup) {
	writeUint32(buf, uint32(len(group.InputIndices)))
	for _, idx := range group.InputIndices {
		writeUint32(buf, idx)
	}
	writeUint32(buf, uint32(len(group.OutputIndices)))
	for _, idx := range group.OutputIndices {
		writeUint32(buf, idx)
	}
	buf.WriteByte(boolByte(group.PaysFee))

	writeUint32(buf, uint32(len(group.TypeProofs)))
	for _, proof := range group.TypeProofs {
		buf.Write(proof.Nonce[:])
		buf.Write(proof.Response[:])
	}

	if group.FeeTypeProof != nil {
		buf.WriteByte(1)
		buf.Write(group.FeeTypeProof.Nonce[:])
		buf.Write(group.FeeTypeProof.Response[:])
	} else {
		buf.WriteByte(0)
	}

	buf.Write(group.Balance.Nonce[:])
	buf.Write(group.Balance.Response[:])
}

func decodeGroup(r *bytes.Reader) (*AssetGroup, error) {
	group := &AssetGroup{}

	numIn, err := readLen(r)
	if err != nil {
		return nil, err
	}
	group.InputIndices = make([]uint32, 0, numIn)
	for i := uint32(0); i < numIn; i++ {
		idx, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		group.InputIndices = append(group.InputIndices, idx)
	}

	numOut, err := readLen(r)
	if err != nil {
		return nil, err
	}
	group.OutputIndices = make([]uint32, 0, numOut)
	for i := uint32(0); i < numOut; i++ {
		idx, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		group.OutputIndices = append(group.OutputIndices, idx)
	}

	paysFee, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	group.PaysFee = paysFee == 1

	numProofs, err := readLen(r)
	if err != nil {
		return nil, err
	}
	group.TypeProofs = make([]*confidential.TypeMatchProof, 0, numProofs)
	for i := uint32(0); i < numProofs; i++ {
		proof := &confidential.TypeMatchProof{}
		if err := readCommitment(r, &proof.Nonce); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, proof.Response[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding,
				err)
		}
		group.TypeProofs = append(group.TypeProofs, proof)
	}

	hasFeeProof, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if hasFeeProof == 1 {
		proof := &confidential.TypeMatchProof{}
		if err := readCommitment(r, &proof.Nonce); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, proof.Response[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding,
				err)
		}
		group.FeeTypeProof = proof
	}

	group.Balance = &confidential.BalanceProof{}
	if err := readCommitment(r, &group.Balance.Nonce); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, group.Balance.Response[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	return group, nil
}

func encodeRangeProof(buf *bytes.Buffer, proof *confidential.RangeProof) {
	for i := range proof.Bits {
		bit := &proof.Bits[i]
		buf.Write(bit.C[:])
		buf.Write(bit.Nonce0[:])
		buf.Write(bit.Nonce1[:])
		buf.Write(bit.E0[:])
		buf.Write(bit.S0[:])
		buf.Write(bit.S1[:])
	}
}

func decodeRangeProof(r *bytes.Reader) (*confidential.RangeProof, error) {
	proof := &confidential.RangeProof{}
	for i := range proof.Bits {
		bit := &proof.Bits[i]
		if err := readCommitment(r, &bit.C); err != nil {
			return nil, err
		}
		if err := readCommitment(r, &bit.Nonce0); err != nil {
			return nil, err
		}
		if err := readCommitment(r, &bit.Nonce1); err != nil {
			return nil, err
		}
		for _, scalar := range [][]byte{bit.E0[:], bit.S0[:], bit.S1[:]} {
			if _, err := io.ReadFull(r, scalar); err != nil {
				return nil, fmt.Errorf("%w: %v",
					ErrInvalidEncoding, err)
			}
		}
	}
	return proof, nil
}

func packFlags(transferable, hasCap bool) byte {
	var flags byte
	if transferable {
		flags |= 1
	}
	if hasCap {
		flags |= 2
	}
	return flags
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readLen(r *bytes.Reader) (uint32, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	if v > maxListLen {
		return 0, fmt.Errorf("%w: list length %d", ErrInvalidEncoding,
			v)
	}
	return v, nil
}

func readKey(r *bytes.Reader, key *asset.SerializedKey) error {
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return nil
}

func readCode(r *bytes.Reader, code *asset.Code) error {
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return nil
}

func readCommitment(r *bytes.Reader, c *confidential.Commitment) error {
	if _, err := io.ReadFull(r, c[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return nil
}
