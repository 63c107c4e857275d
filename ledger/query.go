package ledger

import (
	"fmt"

	"github.com/veilledger/veil/asset"
	"github.com/veilledger/veil/memo"
	"github.com/veilledger/veil/mssmt"
	"github.com/veilledger/veil/utxo"
)

// UtxoInfo is the query view of one output: the record plus its current
// spent status.
type UtxoInfo struct {
	// Record is the immutable output record.
	Record *utxo.Record

	// Spent is the output's current spent status.
	Spent bool
}

// LookupAsset returns the definition registered under the given code, or nil
// if the code is unknown.
func (l *Ledger) LookupAsset(code asset.Code) *asset.Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry.Lookup(code)
}

// NumAssets returns the number of registered asset types.
func (l *Ledger) NumAssets() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry.NumAssets()
}

// LookupUtxo returns the output stored under the given SID together with its
// spent status.
func (l *Ledger) LookupUtxo(sid utxo.SID) (*UtxoInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", utxo.ErrUnknownSID, sid)
	}
	spent, err := l.bitmap.IsSpent(sid)
	if err != nil {
		return nil, err
	}

	return &UtxoInfo{
		Record: rec.Copy(),
		Spent:  spent,
	}, nil
}

// NumUtxos returns the number of outputs ever created.
func (l *Ledger) NumUtxos() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bitmap.NumAllocated()
}

// FetchMemo returns the owner memo attached to the given output, or nil if
// the output carries none.
func (l *Ledger) FetchMemo(sid utxo.SID) *memo.OwnerMemo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.memos[sid]
	if !ok {
		return nil
	}
	return m.Copy()
}

// InclusionProof generates a merkle inclusion proof for the output with the
// given SID against the current accumulator root. Proofs are root-specific:
// callers verifying against a historical root must capture the proof while
// that root is current.
func (l *Ledger) InclusionProof(sid utxo.SID) (*mssmt.Proof, *mssmt.LeafNode,
	error) {

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.acc.InclusionProof(sid)
}

// AccumulatorRootAt returns the accumulator root after the given height.
func (l *Ledger) AccumulatorRootAt(height uint64) (AccRoot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	root, ok := l.acc.RootAt(height)
	if !ok {
		return AccRoot{}, fmt.Errorf("no accumulator root at height "+
			"%d", height)
	}
	return root, nil
}

// CommitmentAt returns the state commitment of the given height.
func (l *Ledger) CommitmentAt(height uint64) (StateCommitment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if height == 0 || height > uint64(len(l.commitments)) {
		return StateCommitment{}, fmt.Errorf("no commitment at "+
			"height %d", height)
	}
	return l.commitments[height-1], nil
}

// CurrentCommitment returns the state commitment of the last committed
// block. Before the first block there is no commitment.
func (l *Ledger) CurrentCommitment() (StateCommitment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.commitments) == 0 {
		return StateCommitment{}, fmt.Errorf("no blocks committed")
	}
	return l.commitments[len(l.commitments)-1], nil
}
