package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mevdist/distributor/pkg/metrics"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"golang.org/x/time/rate"
)

const (
	defaultCallTimeout    = 15 * time.Second
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
)

// SolanaRPC is the subset of the solana RPC client used by SolanaClient.
type SolanaRPC interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, programID solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment solanarpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type SolanaClientConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	RPC       SolanaRPC
	ProgramID solana.PublicKey
	Signer    solana.PrivateKey

	Commitment     solanarpc.CommitmentType
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	// RequestsPerSecond caps outgoing RPC calls. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

func (cfg *SolanaClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if len(cfg.Signer) == 0 {
		return errors.New("signer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return nil
}

// SolanaClient implements Client over JSON-RPC.
type SolanaClient struct {
	log     *slog.Logger
	cfg     SolanaClientConfig
	limiter *rate.Limiter
	payer   solana.PublicKey
}

func NewSolanaClient(cfg SolanaClientConfig) (*SolanaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &SolanaClient{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		payer:   cfg.Signer.PublicKey(),
	}, nil
}

func (c *SolanaClient) Payer() solana.PublicKey {
	return c.payer
}

// call runs fn under the rate limiter with a per-call timeout. Errors are classified; a
// cancelled parent context is returned as is.
func call[T any](ctx context.Context, c *SolanaClient, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx)
	metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCRequestsTotal.WithLabelValues(method, "error").Inc()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, Classify(err)
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, "success").Inc()
	return out, nil
}

func (c *SolanaClient) CurrentSlot(ctx context.Context) (uint64, error) {
	return call(ctx, c, "getSlot", func(ctx context.Context) (uint64, error) {
		return c.cfg.RPC.GetSlot(ctx, c.cfg.Commitment)
	})
}

func (c *SolanaClient) GetDistributionAccount(ctx context.Context, address solana.PublicKey) (*DistributionAccountState, error) {
	res, err := call(ctx, c, "getAccountInfo", func(ctx context.Context) (*solanarpc.GetAccountInfoResult, error) {
		return c.cfg.RPC.GetAccountInfoWithOpts(ctx, address, &solanarpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
		})
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, &Error{Kind: KindNotFound, Err: fmt.Errorf("distribution account %s not found", address)}
	}
	return c.decodeDistribution(ctx, address, res.Value)
}

func (c *SolanaClient) decodeDistribution(ctx context.Context, address solana.PublicKey, acct *solanarpc.Account) (*DistributionAccountState, error) {
	data := acct.Data.GetBinary()
	decoded, err := program.DecodeDistributionAccount(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode distribution account %s: %w: %w", address, ErrUndecodable, err)
	}
	rent, err := call(ctx, c, "getMinimumBalanceForRentExemption", func(ctx context.Context) (uint64, error) {
		return c.cfg.RPC.GetMinimumBalanceForRentExemption(ctx, uint64(len(data)), c.cfg.Commitment)
	})
	if err != nil {
		return nil, err
	}
	return &DistributionAccountState{
		Address:            address,
		Lamports:           acct.Lamports,
		RentExemptLamports: rent,
		Account:            decoded,
	}, nil
}

func (c *SolanaClient) ListDistributionAccounts(ctx context.Context) ([]DistributionAccountState, error) {
	disc := program.DistributionAccountDiscriminator()
	res, err := call(ctx, c, "getProgramAccounts", func(ctx context.Context) (solanarpc.GetProgramAccountsResult, error) {
		return c.cfg.RPC.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &solanarpc.GetProgramAccountsOpts{
			Commitment: c.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
			Filters:    []solanarpc.RPCFilter{{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(disc[:])}}},
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]DistributionAccountState, 0, len(res))
	for _, ka := range res {
		if ka == nil || ka.Account == nil || ka.Account.Data == nil {
			continue
		}
		st, err := c.decodeDistribution(ctx, ka.Pubkey, ka.Account)
		if err != nil {
			c.log.Warn("chain: skipped undecodable distribution account", "account", ka.Pubkey, "error", err)
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

func (c *SolanaClient) IsClaimed(ctx context.Context, claimStatus solana.PublicKey) (bool, error) {
	res, err := call(ctx, c, "getAccountInfo", func(ctx context.Context) (*solanarpc.GetAccountInfoResult, error) {
		return c.cfg.RPC.GetAccountInfoWithOpts(ctx, claimStatus, &solanarpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
		})
	})
	if IsKind(err, KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return false, nil
	}
	status, err := program.DecodeClaimStatus(res.Value.Data.GetBinary())
	if err != nil {
		return false, fmt.Errorf("failed to decode claim status %s: %w: %w", claimStatus, ErrUndecodable, err)
	}
	return status.IsClaimed, nil
}

func (c *SolanaClient) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	res, err := call(ctx, c, "getSignatureStatuses", func(ctx context.Context) (*solanarpc.GetSignatureStatusesResult, error) {
		return c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return SignatureUnknown, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureUnknown, nil
	}
	st := res.Value[0]
	if st.Err != nil {
		return SignatureFailed, nil
	}
	switch st.ConfirmationStatus {
	case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
		return SignatureConfirmed, nil
	default:
		return SignaturePending, nil
	}
}

func (c *SolanaClient) Submit(ctx context.Context, ixs ...solana.Instruction) (solana.Signature, error) {
	bh, err := call(ctx, c, "getLatestBlockhash", func(ctx context.Context) (*solanarpc.GetLatestBlockhashResult, error) {
		return c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	})
	if err != nil {
		return solana.Signature{}, err
	}
	if bh == nil || bh.Value == nil {
		return solana.Signature{}, &Error{Kind: KindTransient, Err: errors.New("empty latest blockhash response")}
	}

	tx, err := solana.NewTransaction(ixs, bh.Value.Blockhash, solana.TransactionPayer(c.payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.payer) {
			return &c.cfg.Signer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := call(ctx, c, "sendTransaction", func(ctx context.Context) (solana.Signature, error) {
		return c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return solana.Signature{}, err
		}
		// Without an RPC response the signed transaction may still have reached the leader.
		c.log.Warn("chain: send outcome unknown", "signature", tx.Signatures[0], "error", err)
		return tx.Signatures[0], err
	}
	c.log.Debug("chain: transaction sent", "signature", sig)
	return sig, c.confirm(ctx, sig)
}

// confirm polls the signature until it is confirmed, fails, or ConfirmTimeout elapses. A
// timeout is transient: the caller re-reads state before deciding to resend.
func (c *SolanaClient) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		res, err := call(ctx, c, "getSignatureStatuses", func(ctx context.Context) (*solanarpc.GetSignatureStatusesResult, error) {
			return c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
		})
		if err != nil && !IsTransient(err) {
			return err
		}
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				return ClassifyTransactionError(st.Err)
			}
			if st.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed || st.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		if !c.cfg.Clock.Now().Before(deadline) {
			return &Error{Kind: KindTransient, Err: fmt.Errorf("transaction %s not confirmed within %s", sig, c.cfg.ConfirmTimeout)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.PollInterval):
		}
	}
}
