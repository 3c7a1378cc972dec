// Package chain is the boundary to the cluster: reading distribution and claim state and
// submitting signed instructions.
package chain

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
)

// Client reads program state and submits instructions signed by the payer.
type Client interface {
	Payer() solana.PublicKey
	CurrentSlot(ctx context.Context) (uint64, error)

	// GetDistributionAccount returns an *Error of KindNotFound when the account does not
	// exist.
	GetDistributionAccount(ctx context.Context, address solana.PublicKey) (*DistributionAccountState, error)
	ListDistributionAccounts(ctx context.Context) ([]DistributionAccountState, error)
	IsClaimed(ctx context.Context, claimStatus solana.PublicKey) (bool, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)

	// Submit sends one transaction carrying ixs and waits for confirmation. The signature
	// is returned whenever the transaction was sent, including when confirmation failed.
	Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error)
}

// DistributionAccountState is a decoded distribution account with its balance.
type DistributionAccountState struct {
	Address            solana.PublicKey
	Lamports           uint64
	RentExemptLamports uint64
	Account            *program.DistributionAccount
}

// ExcessLamports is the balance above the rent-exempt minimum.
func (s *DistributionAccountState) ExcessLamports() uint64 {
	if s.Lamports <= s.RentExemptLamports {
		return 0
	}
	return s.Lamports - s.RentExemptLamports
}

type SignatureStatus int

const (
	SignatureUnknown SignatureStatus = iota
	SignaturePending
	SignatureConfirmed
	SignatureFailed
)

func (s SignatureStatus) String() string {
	switch s {
	case SignaturePending:
		return "pending"
	case SignatureConfirmed:
		return "confirmed"
	case SignatureFailed:
		return "failed"
	default:
		return "unknown"
	}
}
