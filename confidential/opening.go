package confidential

// Opening is the secret opening of a hidden output: the true amount and
// asset type code together with the blinding factors of both commitments.
// The sender discloses an opening to the recipient through an encrypted
// owner memo; the recipient checks it against the on-ledger commitments
// before trusting it.
type Opening struct {
	// Amount is the true amount committed to by the amount commitment.
	Amount uint64

	// Code is the true asset type code committed to by the type
	// commitment.
	Code [32]byte

	// AmountBlind is the big-endian blinding factor of the amount
	// commitment.
	AmountBlind [32]byte

	// TypeBlind is the big-endian blinding factor of the type commitment.
	TypeBlind [32]byte
}

// Commitments re-derives the amount and type commitments from the opening.
func (o *Opening) Commitments() (Commitment, Commitment) {
	amount := AmountCommit(o.Amount, ScalarFromBytes(o.AmountBlind))
	typ := TypeCommit(o.Code, ScalarFromBytes(o.TypeBlind))
	return amount, typ
}

// Matches reports whether the opening opens the given pair of commitments.
func (o *Opening) Matches(amount, typ Commitment) bool {
	gotAmount, gotType := o.Commitments()
	return gotAmount == amount && gotType == typ
}
