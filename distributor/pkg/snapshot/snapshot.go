// Package snapshot is the read-only view of ledger state the extractor consumes. The only
// operation is fetching every stake delegation and balance record at a slot.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
)

var ErrSlotUnavailable = errors.New("snapshot slot unavailable")

// Reader fetches the records visible at a slot.
type Reader interface {
	FetchRecords(ctx context.Context, slot uint64) (*Records, error)
}

// Records is the point-in-time state the extractor works from.
type Records struct {
	Slot          uint64         `json:"slot"`
	Validators    []Validator    `json:"validators"`
	StakeAccounts []StakeAccount `json:"stake_accounts"`
	TipAccounts   []TipAccount   `json:"tip_accounts"`
}

type Validator struct {
	VoteAccount  solana.PublicKey `json:"vote_account"`
	NodeIdentity solana.PublicKey `json:"node_identity"`
}

// StakeAccount is a delegated stake account.
type StakeAccount struct {
	Pubkey            solana.PublicKey `json:"pubkey"`
	Staker            solana.PublicKey `json:"staker"`
	Withdrawer        solana.PublicKey `json:"withdrawer"`
	Voter             solana.PublicKey `json:"voter"`
	Stake             uint64           `json:"stake"`
	ActivationEpoch   uint64           `json:"activation_epoch"`
	DeactivationEpoch uint64           `json:"deactivation_epoch"`
}

// ActiveAt reports whether the delegation is effective for epoch. Bootstrap stake uses the
// maximum activation epoch and is always active.
func (s StakeAccount) ActiveAt(epoch uint64) bool {
	activated := s.ActivationEpoch < epoch || s.ActivationEpoch == math.MaxUint64
	return activated && s.DeactivationEpoch > epoch
}

// TipAccount is a tip distribution account with the balance observed at the slot.
type TipAccount struct {
	Pubkey             solana.PublicKey `json:"pubkey"`
	VoteAccount        solana.PublicKey `json:"vote_account"`
	CommissionBps      uint16           `json:"commission_bps"`
	Epoch              uint64           `json:"epoch"`
	Lamports           uint64           `json:"lamports"`
	RentExemptLamports uint64           `json:"rent_exempt_lamports"`
}

// TipPool is the claimable balance: lamports above the rent-exempt minimum.
func (t TipAccount) TipPool() uint64 {
	if t.Lamports <= t.RentExemptLamports {
		return 0
	}
	return t.Lamports - t.RentExemptLamports
}

// StaticReader serves fixed records for any slot at or below its own.
type StaticReader struct {
	Records *Records
}

func (r *StaticReader) FetchRecords(_ context.Context, slot uint64) (*Records, error) {
	if r.Records == nil {
		return nil, fmt.Errorf("%w: no records loaded", ErrSlotUnavailable)
	}
	if r.Records.Slot != slot {
		return nil, fmt.Errorf("%w: have slot %d, requested %d", ErrSlotUnavailable, r.Records.Slot, slot)
	}
	return r.Records, nil
}
