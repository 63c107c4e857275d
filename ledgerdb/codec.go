package ledgerdb

import (
	"encoding/binary"
	"fmt"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/ledger"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/utxo"
)

// Value layouts are fixed-width big-endian with explicit length prefixes for
// the variable parts. They are storage-internal and versioned through the
// schema version in the meta bucket.

const (
	flagTransferable = 1 << 0
	flagHasCap       = 1 << 1
)

// encodeDefinition lays out an asset definition as:
// code 32 | issuer 33 | flags u8 | max_units u64 | issued u64 |
// memo_len u16 | memo.
func encodeDefinition(def *asset.Definition) []byte {
	out := make([]byte, 0, 32+33+1+8+8+2+len(def.Memo))
	out = append(out, def.Code[:]...)
	out = append(out, def.Issuer[:]...)

	var flags byte
	if def.Transferable {
		flags |= flagTransferable
	}
	if def.HasCap {
		flags |= flagHasCap
	}
	out = append(out, flags)

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], def.MaxUnits)
	out = append(out, scratch[:]...)
	binary.BigEndian.PutUint64(scratch[:], def.Issued)
	out = append(out, scratch[:]...)

	binary.BigEndian.PutUint16(scratch[:2], uint16(len(def.Memo)))
	out = append(out, scratch[:2]...)
	return append(out, def.Memo...)
}

func decodeDefinition(b []byte) (*asset.Definition, error) {
	if len(b) < 32+33+1+8+8+2 {
		return nil, fmt.Errorf("definition: truncated")
	}

	def := &asset.Definition{}
	copy(def.Code[:], b[0:32])
	copy(def.Issuer[:], b[32:65])
	def.Transferable = b[65]&flagTransferable != 0
	def.HasCap = b[65]&flagHasCap != 0
	def.MaxUnits = binary.BigEndian.Uint64(b[66:74])
	def.Issued = binary.BigEndian.Uint64(b[74:82])

	memoLen := int(binary.BigEndian.Uint16(b[82:84]))
	if 84+memoLen != len(b) {
		return nil, fmt.Errorf("definition: bad memo length")
	}
	def.Memo = string(b[84:])
	return def, nil
}

// encodeRecord lays out a UTXO record as:
// sid u64 | owner 33 | amount_kind u8 [| amount u64] | amount_commit 33 |
// type_kind u8 [| code 32] | type_commit 33.
func encodeRecord(rec *utxo.Record) []byte {
	out := make([]byte, 0, 8+33+1+8+33+1+32+33)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(rec.SID))
	out = append(out, scratch[:]...)
	out = append(out, rec.Owner[:]...)

	if rec.Amount.Plain != nil {
		out = append(out, 1)
		binary.BigEndian.PutUint64(scratch[:], *rec.Amount.Plain)
		out = append(out, scratch[:]...)
	} else {
		out = append(out, 0)
	}
	out = append(out, rec.Amount.Commitment[:]...)

	if rec.Type.Plain != nil {
		out = append(out, 1)
		out = append(out, rec.Type.Plain[:]...)
	} else {
		out = append(out, 0)
	}
	return append(out, rec.Type.Commitment[:]...)
}

func decodeRecord(b []byte) (*utxo.Record, error) {
	if len(b) < 8+33+1 {
		return nil, fmt.Errorf("record: truncated")
	}

	rec := &utxo.Record{SID: utxo.SID(binary.BigEndian.Uint64(b[0:8]))}
	copy(rec.Owner[:], b[8:41])
	off := 41

	kind := b[off]
	off++
	if kind == 1 {
		if len(b) < off+8 {
			return nil, fmt.Errorf("record: truncated amount")
		}
		v := binary.BigEndian.Uint64(b[off : off+8])
		rec.Amount.Plain = &v
		off += 8
	}
	if len(b) < off+33 {
		return nil, fmt.Errorf("record: truncated amount commitment")
	}
	copy(rec.Amount.Commitment[:], b[off:off+33])
	off += 33

	if len(b) < off+1 {
		return nil, fmt.Errorf("record: truncated type")
	}
	kind = b[off]
	off++
	if kind == 1 {
		if len(b) < off+32 {
			return nil, fmt.Errorf("record: truncated type code")
		}
		var code asset.Code
		copy(code[:], b[off:off+32])
		rec.Type.Plain = &code
		off += 32
	}
	if len(b) != off+33 {
		return nil, fmt.Errorf("record: truncated type commitment")
	}
	copy(rec.Type.Commitment[:], b[off:off+33])

	return rec, nil
}

// encodeMemo lays out an owner memo as: ephemeral 33 | ciphertext.
func encodeMemo(m *memo.OwnerMemo) []byte {
	out := make([]byte, 0, 33+len(m.Ciphertext))
	out = append(out, m.EphemeralKey[:]...)
	return append(out, m.Ciphertext...)
}

func decodeMemo(b []byte) (*memo.OwnerMemo, error) {
	if len(b) < 33 {
		return nil, fmt.Errorf("memo: truncated")
	}
	m := &memo.OwnerMemo{
		Ciphertext: append([]byte(nil), b[33:]...),
	}
	copy(m.EphemeralKey[:], b[:33])
	return m, nil
}

// encodeCommitment lays out a state commitment as:
// height u64 | prev 32 | root_hash 32 | root_sum u64 | bitmap 32 |
// registry 32 | digest 32.
func encodeCommitment(c *ledger.StateCommitment) []byte {
	out := make([]byte, 0, 8+32+32+8+32+32+32)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], c.Height)
	out = append(out, scratch[:]...)
	out = append(out, c.PrevDigest[:]...)
	out = append(out, c.AccRoot.Hash[:]...)
	binary.BigEndian.PutUint64(scratch[:], c.AccRoot.Sum)
	out = append(out, scratch[:]...)
	out = append(out, c.BitmapChecksum[:]...)
	out = append(out, c.RegistryChecksum[:]...)
	return append(out, c.Digest[:]...)
}

func decodeCommitment(b []byte) (*ledger.StateCommitment, error) {
	if len(b) != 8+32+32+8+32+32+32 {
		return nil, fmt.Errorf("commitment: bad length %d", len(b))
	}

	c := &ledger.StateCommitment{
		Height: binary.BigEndian.Uint64(b[0:8]),
	}
	copy(c.PrevDigest[:], b[8:40])
	copy(c.AccRoot.Hash[:], b[40:72])
	c.AccRoot.Sum = binary.BigEndian.Uint64(b[72:80])
	copy(c.BitmapChecksum[:], b[80:112])
	copy(c.RegistryChecksum[:], b[112:144])
	copy(c.Digest[:], b[144:176])
	return c, nil
}
