package reclaim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain/chaintest"
	"github.com/malbeclabs/mevdist/distributor/pkg/merkle"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/treegen"
	"github.com/malbeclabs/mevdist/utils/pkg/retry"
	mevtesting "github.com/malbeclabs/mevdist/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const (
	testEpoch   = 600
	expiresAt   = 10_000
	currentSlot = 20_000
)

var testProgramID = solana.MustPublicKeyFromBase58("4R3gSG8BpU4t19KYj8CfnbtRpnT8gtk4dvTHxVRwc2r7")

func newCluster() *chaintest.Cluster {
	c := chaintest.NewCluster(testProgramID, solana.NewWallet().PublicKey())
	c.SetSlot(currentSlot)
	return c
}

func addAccount(c *chaintest.Cluster, tips, expires uint64) Target {
	vote := solana.NewWallet().PublicKey()
	return Target{Validator: vote, DistributionAccount: c.AddDistributionAccount(vote, testEpoch, tips, expires)}
}

func newReclaimer(t *testing.T, client chain.Client, mutate ...func(*Config)) *Reclaimer {
	t.Helper()
	b, err := program.NewBuilder(testProgramID)
	require.NoError(t, err)
	cfg := Config{
		Logger:  mevtesting.NewLogger(),
		Client:  client,
		Program: b,
		Retry:   retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestMEVDist_Reclaim_ClosesSettledAccount(t *testing.T) {
	t.Parallel()

	cluster := newCluster()
	target := addAccount(cluster, 0, expiresAt)
	receiver := solana.NewWallet().PublicKey()
	r := newReclaimer(t, cluster, func(c *Config) { c.RentReceiver = receiver })

	rep, results, err := r.Run(context.Background(), testEpoch, []Target{target})
	require.NoError(t, err)
	require.True(t, rep.Passed)
	require.Equal(t, OutcomeClosed, results[0].Outcome)
	require.Equal(t, target, results[0].Target)
	require.Nil(t, cluster.Account(target.DistributionAccount))
	require.Equal(t, uint64(chaintest.DefaultRentExempt), cluster.Balance(receiver))

	rep, results, err = r.Run(context.Background(), testEpoch, []Target{target})
	require.NoError(t, err)
	require.True(t, rep.Passed)
	require.Equal(t, OutcomeAlreadyClosed, results[0].Outcome)
	require.Equal(t, 1, cluster.Submissions(program.InstructionCloseAccount))
}

func TestMEVDist_Reclaim_SkipsIneligible(t *testing.T) {
	t.Parallel()

	cluster := newCluster()
	notExpired := addAccount(cluster, 0, currentSlot+1)
	excess := addAccount(cluster, 500, expiresAt)
	unclaimed := addAccount(cluster, 0, expiresAt)
	cluster.SetRoot(unclaimed.DistributionAccount, merkle.LeafHash(solana.NewWallet().PublicKey(), 10, 0), 10, 1)
	closable := addAccount(cluster, 0, expiresAt)

	rep, results, err := newReclaimer(t, cluster).Run(context.Background(), testEpoch, []Target{notExpired, excess, unclaimed, closable})
	require.NoError(t, err)
	require.False(t, rep.Passed)

	require.Equal(t, OutcomeNotExpired, results[0].Outcome)
	require.Equal(t, OutcomeConflict, results[1].Outcome)
	require.Equal(t, OutcomeConflict, results[2].Outcome)
	require.Equal(t, OutcomeClosed, results[3].Outcome)
	require.Len(t, rep.FailuresOf(report.KindConflict), 2)
	require.Equal(t, 1, cluster.Submissions(program.InstructionCloseAccount))
	require.NotNil(t, cluster.Account(excess.DistributionAccount))
	require.NotNil(t, cluster.Account(unclaimed.DistributionAccount))
}

func TestMEVDist_Reclaim_Retries(t *testing.T) {
	t.Parallel()

	t.Run("lost confirmation is resolved by re-reading", func(t *testing.T) {
		t.Parallel()

		cluster := newCluster()
		target := addAccount(cluster, 0, expiresAt)
		cluster.AfterApply = func(_ string, n int) error {
			if n == 1 {
				return &chain.Error{Kind: chain.KindTransient, Err: errors.New("timeout")}
			}
			return nil
		}

		_, results, err := newReclaimer(t, cluster).Run(context.Background(), testEpoch, []Target{target})
		require.NoError(t, err)
		require.Equal(t, OutcomeClosed, results[0].Outcome)
		require.Equal(t, 2, results[0].Attempts)
		require.Equal(t, 1, cluster.Submissions(program.InstructionCloseAccount))
	})

	t.Run("rejection fails the account", func(t *testing.T) {
		t.Parallel()

		cluster := newCluster()
		target := addAccount(cluster, 0, expiresAt)
		cluster.BeforeApply = func(string, int) error {
			return &chain.Error{Kind: chain.KindRejected, Code: program.ErrCodePrematureClose, Err: errors.New("premature close")}
		}

		rep, results, err := newReclaimer(t, cluster).Run(context.Background(), testEpoch, []Target{target})
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, results[0].Outcome)
		require.Equal(t, report.KindPermanent, rep.Failures[0].Kind)
		require.Equal(t, target.DistributionAccount.String(), rep.Failures[0].Unit)
	})
}

func TestMEVDist_Reclaim_UndecodableAccount(t *testing.T) {
	t.Parallel()

	cluster := newCluster()
	bad := addAccount(cluster, 0, expiresAt)
	good := addAccount(cluster, 0, expiresAt)
	client := &undecodableClient{Cluster: cluster, account: bad.DistributionAccount}

	rep, results, err := newReclaimer(t, client).Run(context.Background(), testEpoch, []Target{bad, good})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, results[0].Outcome)
	require.Equal(t, OutcomeClosed, results[1].Outcome)
	require.Len(t, rep.Failures, 1)
	require.Equal(t, report.KindData, rep.Failures[0].Kind)
}

func TestMEVDist_Reclaim_DryRun(t *testing.T) {
	t.Parallel()

	cluster := newCluster()
	target := addAccount(cluster, 0, expiresAt)

	rep, results, err := newReclaimer(t, cluster, func(c *Config) { c.DryRun = true }).Run(context.Background(), testEpoch, []Target{target})
	require.NoError(t, err)
	require.True(t, rep.DryRun)
	require.Equal(t, OutcomeWouldClose, results[0].Outcome)
	require.NotNil(t, cluster.Account(target.DistributionAccount))
	require.Zero(t, cluster.Submissions(program.InstructionCloseAccount))
}

func TestMEVDist_Reclaim_Targets(t *testing.T) {
	t.Parallel()

	t.Run("scan filters by epoch", func(t *testing.T) {
		t.Parallel()

		cluster := newCluster()
		old := addAccount(cluster, 0, expiresAt)
		vote := solana.NewWallet().PublicKey()
		cluster.AddDistributionAccount(vote, testEpoch+1, 0, expiresAt)

		targets, err := ScanTargets(context.Background(), cluster, testEpoch)
		require.NoError(t, err)
		require.Equal(t, []Target{old}, targets)

		targets, err = ScanTargets(context.Background(), cluster, testEpoch+1)
		require.NoError(t, err)
		require.Len(t, targets, 2)
	})

	t.Run("sorted by raw key bytes", func(t *testing.T) {
		t.Parallel()

		cluster := newCluster()
		for range 8 {
			addAccount(cluster, 0, expiresAt)
		}
		targets, err := ScanTargets(context.Background(), cluster, testEpoch)
		require.NoError(t, err)
		require.Len(t, targets, 8)
		require.True(t, slices.IsSortedFunc(targets, func(a, b Target) int {
			return bytes.Compare(a.DistributionAccount[:], b.DistributionAccount[:])
		}))
	})

	t.Run("from trees", func(t *testing.T) {
		t.Parallel()

		vote, dist := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
		coll := &treegen.Collection{Trees: []treegen.GeneratedMerkleTree{{ValidatorVoteAccount: vote, DistributionAccount: dist}}}
		require.Equal(t, []Target{{Validator: vote, DistributionAccount: dist}}, TargetsFromTrees(coll))
	})
}

// undecodableClient fails to decode one distribution account.
type undecodableClient struct {
	*chaintest.Cluster
	account solana.PublicKey
}

func (u *undecodableClient) GetDistributionAccount(ctx context.Context, addr solana.PublicKey) (*chain.DistributionAccountState, error) {
	if addr == u.account {
		return nil, fmt.Errorf("failed to decode distribution account %s: %w: %w", addr, chain.ErrUndecodable, errors.New("unexpected EOF"))
	}
	return u.Cluster.GetDistributionAccount(ctx, addr)
}
