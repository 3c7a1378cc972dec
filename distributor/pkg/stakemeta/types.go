package stakemeta

import (
	"bytes"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// Delegation is one stake account delegated to the validator. The stake account is the
// claimant for TipAmount.
type Delegation struct {
	StakeAccount solana.PublicKey `json:"stake_account"`
	Staker       solana.PublicKey `json:"staker"`
	Withdrawer   solana.PublicKey `json:"withdrawer"`
	StakeAmount  uint64           `json:"stake_amount"`
	TipAmount    uint64           `json:"tip_amount"`
	Excluded     bool             `json:"excluded,omitempty"`
}

// StakeMeta is one validator's allocation for an epoch.
type StakeMeta struct {
	ValidatorVoteAccount  solana.PublicKey `json:"validator_vote_account"`
	ValidatorNodeIdentity solana.PublicKey `json:"validator_node_identity"`
	DistributionAccount   solana.PublicKey `json:"distribution_account"`
	TotalStake            uint64           `json:"total_stake"`
	CommissionBps         uint16           `json:"commission_bps"`
	TipPoolLamports       uint64           `json:"tip_pool_lamports"`
	ValidatorCutLamports  uint64           `json:"validator_cut_lamports"`
	Delegations           []Delegation     `json:"delegations"`
}

// Validate checks the record invariants: delegations strictly ordered by stake account,
// stake totals consistent, and every lamport of the pool accounted for.
func (m *StakeMeta) Validate() error {
	if m.ValidatorVoteAccount.IsZero() {
		return fmt.Errorf("missing validator vote account")
	}
	if m.CommissionBps > maxBps {
		return fmt.Errorf("%w: %d", ErrInvalidCommission, m.CommissionBps)
	}
	var stake, paid uint256.Int
	paid.SetUint64(m.ValidatorCutLamports)
	for i, d := range m.Delegations {
		if i > 0 && bytes.Compare(m.Delegations[i-1].StakeAccount[:], d.StakeAccount[:]) >= 0 {
			return fmt.Errorf("delegations not strictly ordered at %d (%s)", i, d.StakeAccount)
		}
		if d.Excluded && d.TipAmount != 0 {
			return fmt.Errorf("excluded delegation %s has tip amount %d", d.StakeAccount, d.TipAmount)
		}
		stake.Add(&stake, uint256.NewInt(d.StakeAmount))
		paid.Add(&paid, uint256.NewInt(d.TipAmount))
	}
	if !stake.IsUint64() || stake.Uint64() != m.TotalStake {
		return fmt.Errorf("total stake %d does not match delegations (%s)", m.TotalStake, stake.Dec())
	}
	if !paid.Eq(uint256.NewInt(m.TipPoolLamports)) {
		return fmt.Errorf("%w: paid %s of %d", ErrNonConservation, paid.Dec(), m.TipPoolLamports)
	}
	return nil
}
