package stakemeta

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

const maxBps = 10_000

// Allocation is the split of one validator's tip pool.
type Allocation struct {
	ValidatorCut uint64
	TotalStake   uint64
	Delegations  []Delegation
}

// Allocate splits pool between the validator and its delegations.
//
// The validator takes floor(pool*commissionBps/10000). The rest is split over eligible
// stake: each eligible delegation gets floor(rest*stake/eligible), then the leftover
// lamports go one each to the delegations with the largest remainders, ties broken by
// stake account ascending. Delegations below minStake, or with zero stake, are excluded
// and their stake is left out of the divisor. With no eligible stake the validator takes
// the whole pool.
//
// The input slice is not modified. The returned delegations are sorted by stake account.
func Allocate(validator solana.PublicKey, pool uint64, commissionBps uint16, minStake uint64, delegations []Delegation) (*Allocation, error) {
	if commissionBps > maxBps {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCommission, commissionBps)
	}
	overflow := func(op string) error {
		return &ArithmeticOverflowError{Validator: validator, Op: op}
	}

	out := make([]Delegation, len(delegations))
	copy(out, delegations)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].StakeAccount[:], out[j].StakeAccount[:]) < 0
	})

	var total, eligible uint256.Int
	for i := range out {
		out[i].TipAmount = 0
		out[i].Excluded = out[i].StakeAmount == 0 || out[i].StakeAmount < minStake
		if _, of := total.AddOverflow(&total, uint256.NewInt(out[i].StakeAmount)); of {
			return nil, overflow("total stake")
		}
		if !out[i].Excluded {
			eligible.Add(&eligible, uint256.NewInt(out[i].StakeAmount))
		}
	}
	if !total.IsUint64() {
		return nil, overflow("total stake exceeds uint64")
	}

	poolInt := uint256.NewInt(pool)
	var commission uint256.Int
	if _, of := commission.MulOverflow(poolInt, uint256.NewInt(uint64(commissionBps))); of {
		return nil, overflow("commission")
	}
	commission.Div(&commission, uint256.NewInt(maxBps))

	alloc := &Allocation{TotalStake: total.Uint64(), Delegations: out}
	if eligible.IsZero() {
		alloc.ValidatorCut = pool
		return alloc, nil
	}

	var rest uint256.Int
	if _, of := rest.SubOverflow(poolInt, &commission); of {
		return nil, overflow("delegator pool")
	}

	type remainder struct {
		idx int
		rem uint256.Int
	}
	var (
		rems        []remainder
		distributed uint256.Int
	)
	for i := range out {
		if out[i].Excluded {
			continue
		}
		var num, share, rem uint256.Int
		if _, of := num.MulOverflow(&rest, uint256.NewInt(out[i].StakeAmount)); of {
			return nil, overflow("delegation share")
		}
		share.DivMod(&num, &eligible, &rem)
		if !share.IsUint64() {
			return nil, overflow("delegation share exceeds uint64")
		}
		out[i].TipAmount = share.Uint64()
		distributed.Add(&distributed, &share)
		rems = append(rems, remainder{idx: i, rem: rem})
	}

	var leftover uint256.Int
	if _, of := leftover.SubOverflow(&rest, &distributed); of {
		return nil, fmt.Errorf("%w: validator %s distributed more than the delegator pool", ErrNonConservation, validator)
	}
	if !leftover.IsUint64() || leftover.Uint64() > uint64(len(rems)) {
		return nil, fmt.Errorf("%w: validator %s leftover %s exceeds eligible delegations", ErrNonConservation, validator, leftover.Dec())
	}
	// rems is already in stake account order, so a stable sort keeps ties ascending.
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].rem.Gt(&rems[j].rem) })
	for k := uint64(0); k < leftover.Uint64(); k++ {
		out[rems[k].idx].TipAmount++
	}

	alloc.ValidatorCut = commission.Uint64()
	if err := checkConservation(validator, pool, alloc); err != nil {
		return nil, err
	}
	return alloc, nil
}

func checkConservation(validator solana.PublicKey, pool uint64, alloc *Allocation) error {
	sum := uint256.NewInt(alloc.ValidatorCut)
	for _, d := range alloc.Delegations {
		if _, of := sum.AddOverflow(sum, uint256.NewInt(d.TipAmount)); of {
			return &ArithmeticOverflowError{Validator: validator, Op: "conservation sum"}
		}
	}
	if !sum.Eq(uint256.NewInt(pool)) {
		return fmt.Errorf("%w: validator %s allocated %s of %d", ErrNonConservation, validator, sum.Dec(), pool)
	}
	return nil
}
