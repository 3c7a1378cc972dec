package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
)

// Stake account layout (StakeStateV2::Stake).
const (
	stakeAccountSize     = 200
	stakeStateTagStake   = 2
	stakeStakerOffset    = 12
	stakeWithdrawOffset  = 44
	stakeVoterOffset     = 124
	stakeAmountOffset    = 156
	stakeActivateOffset  = 164
	stakeDeactiveOffset  = 172
	stakeLayoutMinLength = 180
)

var errNotDelegated = errors.New("stake account is not delegated")

// SolanaRPC is the subset of the solana RPC client the reader uses.
type SolanaRPC interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetVoteAccounts(ctx context.Context, opts *solanarpc.GetVoteAccountsOpts) (*solanarpc.GetVoteAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, programID solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment solanarpc.CommitmentType) (uint64, error)
}

type RPCReaderConfig struct {
	Logger     *slog.Logger
	RPC        SolanaRPC
	ProgramID  solana.PublicKey
	Commitment solanarpc.CommitmentType
}

func (cfg *RPCReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentFinalized
	}
	return nil
}

// RPCReader reads live cluster state. An RPC node only serves its current state, so the
// requested slot acts as a lower bound and the returned records carry the observed slot.
type RPCReader struct {
	log *slog.Logger
	cfg RPCReaderConfig
}

func NewRPCReader(cfg RPCReaderConfig) (*RPCReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCReader{log: cfg.Logger, cfg: cfg}, nil
}

func (r *RPCReader) FetchRecords(ctx context.Context, slot uint64) (*Records, error) {
	current, err := r.cfg.RPC.GetSlot(ctx, r.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	if current < slot {
		return nil, fmt.Errorf("%w: cluster at slot %d, requested %d", ErrSlotUnavailable, current, slot)
	}

	votes, err := r.cfg.RPC.GetVoteAccounts(ctx, &solanarpc.GetVoteAccountsOpts{Commitment: r.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("failed to get vote accounts: %w", err)
	}
	recs := &Records{Slot: current}
	for _, groups := range [][]solanarpc.VoteAccountsResult{votes.Current, votes.Delinquent} {
		for _, v := range groups {
			recs.Validators = append(recs.Validators, Validator{VoteAccount: v.VotePubkey, NodeIdentity: v.NodePubkey})
		}
	}

	stakes, err := r.cfg.RPC.GetProgramAccountsWithOpts(ctx, solana.StakeProgramID, &solanarpc.GetProgramAccountsOpts{
		Commitment: r.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    []solanarpc.RPCFilter{{DataSize: stakeAccountSize}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get stake accounts: %w", err)
	}
	var skipped int
	for _, ka := range stakes {
		if ka == nil || ka.Account == nil || ka.Account.Data == nil {
			continue
		}
		sa, err := DecodeStakeAccount(ka.Pubkey, ka.Account.Data.GetBinary())
		if err != nil {
			if !errors.Is(err, errNotDelegated) {
				skipped++
			}
			continue
		}
		recs.StakeAccounts = append(recs.StakeAccounts, sa)
	}
	if skipped > 0 {
		r.log.Warn("snapshot: skipped undecodable stake accounts", "count", skipped)
	}

	disc := program.DistributionAccountDiscriminator()
	tips, err := r.cfg.RPC.GetProgramAccountsWithOpts(ctx, r.cfg.ProgramID, &solanarpc.GetProgramAccountsOpts{
		Commitment: r.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    []solanarpc.RPCFilter{{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(disc[:])}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get tip distribution accounts: %w", err)
	}
	rent := make(map[int]uint64)
	for _, ka := range tips {
		if ka == nil || ka.Account == nil || ka.Account.Data == nil {
			continue
		}
		data := ka.Account.Data.GetBinary()
		acct, err := program.DecodeDistributionAccount(data)
		if err != nil {
			r.log.Warn("snapshot: skipped undecodable tip distribution account", "account", ka.Pubkey, "error", err)
			continue
		}
		minBalance, ok := rent[len(data)]
		if !ok {
			minBalance, err = r.cfg.RPC.GetMinimumBalanceForRentExemption(ctx, uint64(len(data)), r.cfg.Commitment)
			if err != nil {
				return nil, fmt.Errorf("failed to get rent exempt minimum: %w", err)
			}
			rent[len(data)] = minBalance
		}
		recs.TipAccounts = append(recs.TipAccounts, TipAccount{
			Pubkey:             ka.Pubkey,
			VoteAccount:        acct.ValidatorVoteAccount,
			CommissionBps:      acct.CommissionBps,
			Epoch:              acct.EpochCreatedAt,
			Lamports:           ka.Account.Lamports,
			RentExemptLamports: minBalance,
		})
	}

	r.log.Info("snapshot: fetched records", "slot", current, "validators", len(recs.Validators), "stake_accounts", len(recs.StakeAccounts), "tip_accounts", len(recs.TipAccounts))
	return recs, nil
}

// DecodeStakeAccount decodes a delegated stake account. Accounts in any other state return
// an error.
func DecodeStakeAccount(pubkey solana.PublicKey, data []byte) (StakeAccount, error) {
	if len(data) < stakeLayoutMinLength {
		return StakeAccount{}, fmt.Errorf("stake account %s too short: %d bytes", pubkey, len(data))
	}
	if tag := binary.LittleEndian.Uint32(data[0:4]); tag != stakeStateTagStake {
		return StakeAccount{}, errNotDelegated
	}
	key := func(off int) solana.PublicKey {
		return solana.PublicKeyFromBytes(data[off : off+solana.PublicKeyLength])
	}
	return StakeAccount{
		Pubkey:            pubkey,
		Staker:            key(stakeStakerOffset),
		Withdrawer:        key(stakeWithdrawOffset),
		Voter:             key(stakeVoterOffset),
		Stake:             binary.LittleEndian.Uint64(data[stakeAmountOffset:]),
		ActivationEpoch:   binary.LittleEndian.Uint64(data[stakeActivateOffset:]),
		DeactivationEpoch: binary.LittleEndian.Uint64(data[stakeDeactiveOffset:]),
	}, nil
}
