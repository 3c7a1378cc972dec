// Package chaintest provides an in-memory cluster running the distribution program's
// instruction semantics, for exercising the stages without an RPC node.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain"
	"github.com/malbeclabs/mevdist/distributor/pkg/merkle"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
)

// DefaultRentExempt is the rent-exempt minimum of every account on the cluster.
const DefaultRentExempt = 1_000_000

// Cluster implements chain.Client.
type Cluster struct {
	mu          sync.Mutex
	programID   solana.PublicKey
	payer       solana.PublicKey
	slot        uint64
	accounts    map[solana.PublicKey]*chain.DistributionAccountState
	claimed     map[solana.PublicKey]bool
	signatures  map[solana.Signature]chain.SignatureStatus
	balances    map[solana.PublicKey]uint64
	submissions map[string]int
	nextSig     uint64

	// BeforeApply runs before an instruction executes. A non-nil error is returned from
	// Submit and the instruction is not applied. n counts submissions of name from 1.
	BeforeApply func(name string, n int) error
	// AfterApply runs after an instruction executed. A non-nil error is returned from
	// Submit together with the signature, like a lost confirmation.
	AfterApply func(name string, n int) error
}

var _ chain.Client = (*Cluster)(nil)

func NewCluster(programID, payer solana.PublicKey) *Cluster {
	return &Cluster{
		programID:   programID,
		payer:       payer,
		accounts:    make(map[solana.PublicKey]*chain.DistributionAccountState),
		claimed:     make(map[solana.PublicKey]bool),
		signatures:  make(map[solana.Signature]chain.SignatureStatus),
		balances:    make(map[solana.PublicKey]uint64),
		submissions: make(map[string]int),
	}
}

// AddDistributionAccount creates the distribution account for vote in epoch holding tips
// above the rent-exempt minimum.
func (c *Cluster) AddDistributionAccount(vote solana.PublicKey, epoch, tips, expiresAtSlot uint64) solana.PublicKey {
	addr, bump, err := program.DeriveDistributionAccount(c.programID, vote, epoch)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[addr] = &chain.DistributionAccountState{
		Address:            addr,
		Lamports:           DefaultRentExempt + tips,
		RentExemptLamports: DefaultRentExempt,
		Account: &program.DistributionAccount{
			ValidatorVoteAccount: vote,
			UploadAuthority:      c.payer,
			EpochCreatedAt:       epoch,
			ExpiresAtSlot:        expiresAtSlot,
			Bump:                 bump,
		},
	}
	return addr
}

func (c *Cluster) SetRoot(addr solana.PublicKey, root merkle.Hash, maxTotalClaim, maxNumNodes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[addr].Account.MerkleRoot = &program.MerkleRoot{Root: root, MaxTotalClaim: maxTotalClaim, MaxNumNodes: maxNumNodes}
}

func (c *Cluster) SetSlot(slot uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = slot
}

// MarkClaimed records claimant as paid out of addr without moving funds, as if another
// process had claimed.
func (c *Cluster) MarkClaimed(addr, claimant solana.PublicKey, amount uint64) {
	status, _, err := program.DeriveClaimStatus(c.programID, claimant, addr)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed[status] = true
	if mr := c.accounts[addr].Account.MerkleRoot; mr != nil {
		mr.TotalFundsClaimed += amount
		mr.NumNodesClaimed++
	}
}

// Account returns a copy of the account state, or nil when it does not exist.
func (c *Cluster) Account(addr solana.PublicKey) *chain.DistributionAccountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.accounts[addr]
	if !ok {
		return nil
	}
	cp := *st
	acct := *st.Account
	if acct.MerkleRoot != nil {
		mr := *acct.MerkleRoot
		acct.MerkleRoot = &mr
	}
	cp.Account = &acct
	return &cp
}

// Balance is the lamports credited to key by claims and closes.
func (c *Cluster) Balance(key solana.PublicKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[key]
}

// Submissions counts Submit calls carrying the named instruction, including failed ones.
func (c *Cluster) Submissions(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissions[name]
}

func (c *Cluster) Payer() solana.PublicKey { return c.payer }

func (c *Cluster) CurrentSlot(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot, nil
}

func (c *Cluster) GetDistributionAccount(_ context.Context, addr solana.PublicKey) (*chain.DistributionAccountState, error) {
	if st := c.Account(addr); st != nil {
		return st, nil
	}
	return nil, &chain.Error{Kind: chain.KindNotFound, Err: fmt.Errorf("account %s not found", addr)}
}

func (c *Cluster) ListDistributionAccounts(context.Context) ([]chain.DistributionAccountState, error) {
	c.mu.Lock()
	addrs := make([]solana.PublicKey, 0, len(c.accounts))
	for addr := range c.accounts {
		addrs = append(addrs, addr)
	}
	c.mu.Unlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	out := make([]chain.DistributionAccountState, 0, len(addrs))
	for _, addr := range addrs {
		if st := c.Account(addr); st != nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (c *Cluster) IsClaimed(_ context.Context, claimStatus solana.PublicKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed[claimStatus], nil
}

func (c *Cluster) SignatureStatus(_ context.Context, sig solana.Signature) (chain.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signatures[sig], nil
}

func (c *Cluster) Submit(_ context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	if len(ixs) != 1 {
		return solana.Signature{}, fmt.Errorf("expected one instruction, got %d", len(ixs))
	}
	ix := ixs[0]
	data, err := ix.Data()
	if err != nil {
		return solana.Signature{}, err
	}
	name, err := program.InstructionName(data)
	if err != nil {
		return solana.Signature{}, &chain.Error{Kind: chain.KindRejected, Err: err}
	}

	c.mu.Lock()
	c.submissions[name]++
	n := c.submissions[name]
	c.mu.Unlock()

	if c.BeforeApply != nil {
		if err := c.BeforeApply(name, n); err != nil {
			return solana.Signature{}, err
		}
	}

	c.mu.Lock()
	err = c.apply(name, ix, data)
	var sig solana.Signature
	if err == nil {
		c.nextSig++
		binary.LittleEndian.PutUint64(sig[:], c.nextSig)
		c.signatures[sig] = chain.SignatureConfirmed
	}
	c.mu.Unlock()
	if err != nil {
		return solana.Signature{}, err
	}

	if c.AfterApply != nil {
		if err := c.AfterApply(name, n); err != nil {
			return sig, err
		}
	}
	return sig, nil
}

func programError(code int, msg string) error {
	kind := chain.KindRejected
	switch code {
	case program.ErrCodeInvalidProof:
		kind = chain.KindInvalidProof
	case program.ErrCodeInsufficientFunds:
		kind = chain.KindInsufficientFunds
	case program.ErrCodeRootAlreadyUploaded:
		kind = chain.KindAlreadyProcessed
	}
	return &chain.Error{Kind: kind, Code: code, Err: errors.New(msg)}
}

func (c *Cluster) apply(name string, ix solana.Instruction, data []byte) error {
	accts := ix.Accounts()
	account := func(i int) (*chain.DistributionAccountState, error) {
		if len(accts) <= i {
			return nil, &chain.Error{Kind: chain.KindRejected, Err: errors.New("missing accounts")}
		}
		st, ok := c.accounts[accts[i].PublicKey]
		if !ok {
			return nil, &chain.Error{Kind: chain.KindRejected, Err: fmt.Errorf("account %s not initialized", accts[i].PublicKey)}
		}
		return st, nil
	}

	switch name {
	case program.InstructionUploadRoot:
		args, err := program.DecodeUploadRootArgs(data)
		if err != nil {
			return &chain.Error{Kind: chain.KindRejected, Err: err}
		}
		st, err := account(1)
		if err != nil {
			return err
		}
		if accts[2].PublicKey != st.Account.UploadAuthority {
			return programError(program.ErrCodeUnauthorized, "unauthorized")
		}
		if st.Account.MerkleRoot != nil {
			return programError(program.ErrCodeRootAlreadyUploaded, "root already uploaded")
		}
		st.Account.MerkleRoot = &program.MerkleRoot{Root: args.Root, MaxTotalClaim: args.MaxTotalClaim, MaxNumNodes: args.MaxNumNodes}
		return nil

	case program.InstructionClaim:
		args, err := program.DecodeClaimArgs(data)
		if err != nil {
			return &chain.Error{Kind: chain.KindRejected, Err: err}
		}
		st, err := account(1)
		if err != nil {
			return err
		}
		statusAddr, claimant := accts[2].PublicKey, accts[3].PublicKey
		mr := st.Account.MerkleRoot
		if mr == nil {
			return programError(program.ErrCodeRootNotUploaded, "root not uploaded")
		}
		if c.claimed[statusAddr] {
			return &chain.Error{Kind: chain.KindAlreadyProcessed, Err: fmt.Errorf("Allocate: account %s already in use", statusAddr)}
		}
		proof := make([]merkle.Hash, len(args.Proof))
		for i, h := range args.Proof {
			proof[i] = h
		}
		if !merkle.Verify(mr.Root, merkle.LeafHash(claimant, args.Amount, args.LeafIndex), args.LeafIndex, proof) {
			return programError(program.ErrCodeInvalidProof, "invalid proof")
		}
		if mr.TotalFundsClaimed+args.Amount > mr.MaxTotalClaim {
			return programError(program.ErrCodeExceedsMaxClaim, "exceeds max claim")
		}
		if st.ExcessLamports() < args.Amount {
			return programError(program.ErrCodeInsufficientFunds, "insufficient funds")
		}
		st.Lamports -= args.Amount
		mr.TotalFundsClaimed += args.Amount
		mr.NumNodesClaimed++
		c.claimed[statusAddr] = true
		c.balances[claimant] += args.Amount
		return nil

	case program.InstructionCloseAccount:
		st, err := account(1)
		if err != nil {
			return err
		}
		if c.slot < st.Account.ExpiresAtSlot {
			return programError(program.ErrCodePrematureClose, "premature close")
		}
		if st.Account.Unclaimed() > 0 {
			return programError(program.ErrCodeUnclaimedFundsPending, "unclaimed funds pending")
		}
		c.balances[accts[2].PublicKey] += st.Lamports
		delete(c.accounts, st.Address)
		return nil
	}
	return &chain.Error{Kind: chain.KindRejected, Err: fmt.Errorf("unsupported instruction %s", name)}
}
