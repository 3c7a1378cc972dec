package settle

import (
	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
)

// State is a claimant's position in settlement. Only Confirmed, AlreadyClaimed and
// PermanentlyFailed are terminal.
type State string

const (
	StatePending           State = "pending"
	StateSubmitted         State = "submitted"
	StateConfirmed         State = "confirmed"
	StateAlreadyClaimed    State = "already_claimed"
	StatePermanentlyFailed State = "permanently_failed"
	StateWouldClaim        State = "would_claim"
)

func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateAlreadyClaimed, StatePermanentlyFailed:
		return true
	}
	return false
}

// Key identifies one claim.
type Key struct {
	Validator solana.PublicKey
	Claimant  solana.PublicKey
}

// Entry is the settlement record for one claim.
type Entry struct {
	Key
	DistributionAccount solana.PublicKey
	Amount              uint64
	State               State
	Kind                report.Kind
	Attempts            int
	Signatures          []solana.Signature
	Reason              string
}

func (e Entry) failedWith(kind report.Kind, reason string) Entry {
	e.State = StatePermanentlyFailed
	e.Kind = kind
	e.Reason = reason
	return e
}
