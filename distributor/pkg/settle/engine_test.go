package settle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/artifact"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain/chaintest"
	"github.com/malbeclabs/mevdist/distributor/pkg/merkle"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/stakemeta"
	"github.com/malbeclabs/mevdist/distributor/pkg/treegen"
	"github.com/malbeclabs/mevdist/utils/pkg/retry"
	mevtesting "github.com/malbeclabs/mevdist/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const testEpoch = 600

var testProgramID = solana.MustPublicKeyFromBase58("4R3gSG8BpU4t19KYj8CfnbtRpnT8gtk4dvTHxVRwc2r7")

var errTransient = &chain.Error{Kind: chain.KindTransient, Err: errors.New("blockhash not found")}

type testTree struct {
	cut  uint64
	tips []uint64
	// uploaded controls whether the tree root is set on the cluster.
	uploaded bool
}

func setup(t *testing.T, specs ...testTree) (*chaintest.Cluster, *treegen.Collection) {
	t.Helper()
	cluster := chaintest.NewCluster(testProgramID, solana.NewWallet().PublicKey())
	coll := &treegen.Collection{
		Header:    artifact.NewHeader(artifact.KindMerkleTreeCollection, testEpoch, 1, time.Now()),
		ProgramID: testProgramID,
	}
	for _, s := range specs {
		vote := solana.NewWallet().PublicKey()
		total := s.cut
		meta := stakemeta.StakeMeta{ValidatorVoteAccount: vote, ValidatorCutLamports: s.cut}
		for _, tip := range s.tips {
			total += tip
			meta.Delegations = append(meta.Delegations, stakemeta.Delegation{
				StakeAccount: solana.NewWallet().PublicKey(),
				StakeAmount:  1,
				TipAmount:    tip,
			})
		}
		meta.TipPoolLamports = total
		meta.DistributionAccount = cluster.AddDistributionAccount(vote, testEpoch, total, 10_000)

		tree, err := treegen.Build(&meta)
		require.NoError(t, err)
		if s.uploaded {
			cluster.SetRoot(tree.DistributionAccount, tree.MerkleRoot, tree.MaxTotalClaim, tree.MaxNumNodes)
		}
		coll.Trees = append(coll.Trees, *tree)
	}
	return cluster, coll
}

func newEngine(t *testing.T, client chain.Client, mutate ...func(*Config)) *Engine {
	t.Helper()
	b, err := program.NewBuilder(testProgramID)
	require.NoError(t, err)
	cfg := Config{
		Logger:  mevtesting.NewLogger(),
		Client:  client,
		Program: b,
		Retry:   retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Workers: 4,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func keyOf(tree *treegen.GeneratedMerkleTree, i int) Key {
	return Key{Validator: tree.ValidatorVoteAccount, Claimant: tree.Nodes[i].Claimant}
}

func TestMEVDist_Settle_ClaimsEveryNode(t *testing.T) {
	t.Parallel()

	cluster, coll := setup(t, testTree{cut: 100, tips: []uint64{600, 300}, uploaded: true})
	e := newEngine(t, cluster)

	rep, results, err := e.Run(context.Background(), coll)
	require.NoError(t, err)
	require.True(t, rep.Passed)
	require.Equal(t, 3, rep.Counts[string(StateConfirmed)])
	require.Len(t, results, 3)

	tree := &coll.Trees[0]
	for i, node := range tree.Nodes {
		entry := results[keyOf(tree, i)]
		require.Equal(t, StateConfirmed, entry.State)
		require.Len(t, entry.Signatures, 1)
		require.Equal(t, node.Amount, cluster.Balance(node.Claimant))
	}
	acct := cluster.Account(tree.DistributionAccount)
	require.Zero(t, acct.Account.Unclaimed())
	require.Zero(t, acct.ExcessLamports())

	rep, results, err = e.Run(context.Background(), coll)
	require.NoError(t, err)
	require.True(t, rep.Passed)
	require.Equal(t, 3, rep.Counts[string(StateAlreadyClaimed)])
	require.Equal(t, 3, cluster.Submissions(program.InstructionClaim), "second run must not submit")
	for _, entry := range results {
		require.Empty(t, entry.Signatures)
	}
}

func TestMEVDist_Settle_PreCheckNeverSubmits(t *testing.T) {
	t.Parallel()

	cluster, coll := setup(t, testTree{cut: 100, tips: []uint64{900}, uploaded: true})
	tree := &coll.Trees[0]
	for _, node := range tree.Nodes {
		cluster.MarkClaimed(tree.DistributionAccount, node.Claimant, node.Amount)
	}

	rep, _, err := newEngine(t, cluster).Run(context.Background(), coll)
	require.NoError(t, err)
	require.True(t, rep.Passed)
	require.Equal(t, 2, rep.Counts[string(StateAlreadyClaimed)])
	require.Zero(t, cluster.Submissions(program.InstructionClaim))
}

func TestMEVDist_Settle_ClaimRace(t *testing.T) {
	t.Parallel()

	cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
	require.Len(t, coll.Trees[0].Nodes, 1)

	// Hold both submissions until each engine has passed its pre-check.
	var arrived sync.WaitGroup
	arrived.Add(2)
	cluster.BeforeApply = func(_ string, n int) error {
		if n <= 2 {
			arrived.Done()
			arrived.Wait()
		}
		return nil
	}

	a, b := newEngine(t, cluster), newEngine(t, cluster)
	var (
		wg     sync.WaitGroup
		states [2]State
		errs   [2]error
	)
	for i, e := range []*Engine{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results, err := e.Run(context.Background(), coll)
			errs[i] = err
			states[i] = results[keyOf(&coll.Trees[0], 0)].State
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	require.ElementsMatch(t, []State{StateConfirmed, StateAlreadyClaimed}, states[:])
	require.Equal(t, 2, cluster.Submissions(program.InstructionClaim))
	require.Equal(t, uint64(1_000), cluster.Balance(coll.Trees[0].Nodes[0].Claimant), "paid exactly once")
}

func TestMEVDist_Settle_RootGate(t *testing.T) {
	t.Parallel()

	t.Run("root not uploaded", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{cut: 100, tips: []uint64{900}})
		rep, results, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		require.False(t, rep.Passed)
		require.Len(t, rep.FailuresOf(report.KindPermanent), 2)
		for _, entry := range results {
			require.Equal(t, StatePermanentlyFailed, entry.State)
			require.Equal(t, "root not uploaded", entry.Reason)
		}
		require.Zero(t, cluster.Submissions(program.InstructionClaim))
	})

	t.Run("root mismatch", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{cut: 100, tips: []uint64{900}})
		tree := &coll.Trees[0]
		cluster.SetRoot(tree.DistributionAccount, merkle.LeafHash(solana.NewWallet().PublicKey(), 1, 0), tree.MaxTotalClaim, tree.MaxNumNodes)

		rep, _, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		require.Len(t, rep.FailuresOf(report.KindConflict), 2)
		require.Zero(t, cluster.Submissions(program.InstructionClaim))
	})

	t.Run("missing distribution account", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{cut: 100, tips: []uint64{900}, uploaded: true})
		coll.Trees[0].DistributionAccount = solana.NewWallet().PublicKey()

		rep, _, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		require.Len(t, rep.FailuresOf(report.KindData), 2)
	})
}

func TestMEVDist_Settle_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	cluster, coll := setup(t,
		testTree{cut: 100, tips: []uint64{900}, uploaded: true},
		testTree{cut: 50, tips: []uint64{450}, uploaded: true},
		testTree{cut: 10, tips: []uint64{90}, uploaded: true},
	)
	// A corrupted amount fails proof verification on chain.
	bad := &coll.Trees[1]
	bad.Nodes[0].Amount++

	rep, results, err := newEngine(t, cluster).Run(context.Background(), coll)
	require.NoError(t, err)
	require.False(t, rep.Passed)
	require.Equal(t, 5, rep.Counts[string(StateConfirmed)])
	require.Len(t, rep.Failures, 1)
	require.Equal(t, report.KindPermanent, rep.Failures[0].Kind)
	require.Equal(t, bad.Nodes[0].Claimant.String(), rep.Failures[0].Unit)

	entry := results[keyOf(bad, 0)]
	require.Equal(t, StatePermanentlyFailed, entry.State)
	require.Equal(t, 1, entry.Attempts, "invalid proof is not retried")
	require.Equal(t, StateConfirmed, results[keyOf(bad, 1)].State)
}

func TestMEVDist_Settle_Retries(t *testing.T) {
	t.Parallel()

	t.Run("lost confirmation resolves to confirmed", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		cluster.AfterApply = func(_ string, n int) error {
			if n == 1 {
				return errTransient
			}
			return nil
		}

		rep, results, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		require.True(t, rep.Passed)
		entry := results[keyOf(&coll.Trees[0], 0)]
		require.Equal(t, StateConfirmed, entry.State)
		require.Equal(t, 2, entry.Attempts)
		require.Equal(t, 1, cluster.Submissions(program.InstructionClaim))
	})

	t.Run("send timeout that landed is confirmed and journaled", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		timeout := chain.Classify(errors.New("Post \"http://rpc\": i/o timeout"))
		require.True(t, chain.IsKind(timeout, chain.KindTransient))
		cluster.AfterApply = func(_ string, n int) error {
			if n == 1 {
				return timeout
			}
			return nil
		}
		j := newMemJournal()

		rep, results, err := newEngine(t, cluster, func(c *Config) { c.Journal = j }).Run(context.Background(), coll)
		require.NoError(t, err)
		require.True(t, rep.Passed)
		node := coll.Trees[0].Nodes[0]
		entry := results[keyOf(&coll.Trees[0], 0)]
		require.Equal(t, StateConfirmed, entry.State)
		require.Len(t, entry.Signatures, 1)
		require.Equal(t, []State{StateSubmitted, StateConfirmed}, j.records)
		require.Equal(t, 1, cluster.Submissions(program.InstructionClaim))
		require.Equal(t, node.Amount, cluster.Balance(node.Claimant))
	})

	t.Run("exhausted retries fail permanently", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		cluster.BeforeApply = func(string, int) error { return errTransient }

		rep, results, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		entry := results[keyOf(&coll.Trees[0], 0)]
		require.Equal(t, StatePermanentlyFailed, entry.State)
		require.Equal(t, report.KindTransport, entry.Kind)
		require.Equal(t, 3, cluster.Submissions(program.InstructionClaim))
		require.Len(t, rep.FailuresOf(report.KindTransport), 1)
	})

	t.Run("insufficient funds is permanent", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		cluster.BeforeApply = func(string, int) error {
			return &chain.Error{Kind: chain.KindInsufficientFunds, Code: program.ErrCodeInsufficientFunds, Err: errors.New("insufficient funds")}
		}

		_, results, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		entry := results[keyOf(&coll.Trees[0], 0)]
		require.Equal(t, StatePermanentlyFailed, entry.State)
		require.Equal(t, report.KindPermanent, entry.Kind)
		require.Equal(t, 1, cluster.Submissions(program.InstructionClaim))
	})
}

func TestMEVDist_Settle_DryRun(t *testing.T) {
	t.Parallel()

	cluster, coll := setup(t, testTree{cut: 100, tips: []uint64{900}, uploaded: true})
	rep, _, err := newEngine(t, cluster, func(c *Config) { c.DryRun = true }).Run(context.Background(), coll)
	require.NoError(t, err)
	require.True(t, rep.DryRun)
	require.Equal(t, 2, rep.Counts[string(StateWouldClaim)])
	require.Zero(t, cluster.Submissions(program.InstructionClaim))
}

type memJournal struct {
	mu      sync.Mutex
	entries map[Key]Entry
	records []State
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[Key]Entry)}
}

func (j *memJournal) Load(context.Context, uint64) (map[Key]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[Key]Entry, len(j.entries))
	for k, v := range j.entries {
		out[k] = v
	}
	return out, nil
}

func (j *memJournal) Record(_ context.Context, _ uint64, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, e.State)
	if prev, ok := j.entries[e.Key]; ok && prev.State.Terminal() {
		return nil
	}
	j.entries[e.Key] = e
	return nil
}

func TestMEVDist_Settle_Journal(t *testing.T) {
	t.Parallel()

	t.Run("records transitions and skips terminal entries on restart", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		j := newMemJournal()
		e := newEngine(t, cluster, func(c *Config) { c.Journal = j })

		_, _, err := e.Run(context.Background(), coll)
		require.NoError(t, err)
		require.Equal(t, []State{StateSubmitted, StateConfirmed}, j.records)

		rep, results, err := e.Run(context.Background(), coll)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Counts[string(StateConfirmed)], "terminal entry carried over")
		require.Equal(t, StateConfirmed, results[keyOf(&coll.Trees[0], 0)].State)
		require.Equal(t, 1, cluster.Submissions(program.InstructionClaim))
	})

	t.Run("submitted entry is resolved from its signature", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		_, results, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		landed := results[keyOf(&coll.Trees[0], 0)]
		require.Len(t, landed.Signatures, 1)

		j := newMemJournal()
		landed.State = StateSubmitted
		j.entries[landed.Key] = landed

		_, results, err = newEngine(t, cluster, func(c *Config) { c.Journal = j }).Run(context.Background(), coll)
		require.NoError(t, err)
		require.Equal(t, StateConfirmed, results[landed.Key].State)
		require.Equal(t, 1, cluster.Submissions(program.InstructionClaim))
		require.Equal(t, StateConfirmed, j.entries[landed.Key].State)
	})

	t.Run("transport failures are not journaled", func(t *testing.T) {
		t.Parallel()

		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		cluster.BeforeApply = func(string, int) error { return errTransient }
		j := newMemJournal()

		_, _, err := newEngine(t, cluster, func(c *Config) { c.Journal = j }).Run(context.Background(), coll)
		require.NoError(t, err)
		require.Empty(t, j.records)
	})
}

// statusClient reports a fixed status for every signature.
type statusClient struct {
	*chaintest.Cluster
	status chain.SignatureStatus
	err    error
}

func (c *statusClient) SignatureStatus(context.Context, solana.Signature) (chain.SignatureStatus, error) {
	return c.status, c.err
}

func TestMEVDist_Settle_UnresolvedSignatures(t *testing.T) {
	t.Parallel()

	// landedEntry claims one node and returns its entry reset to Submitted.
	landedEntry := func(t *testing.T) (*chaintest.Cluster, *treegen.Collection, Entry) {
		cluster, coll := setup(t, testTree{tips: []uint64{1_000}, uploaded: true})
		_, results, err := newEngine(t, cluster).Run(context.Background(), coll)
		require.NoError(t, err)
		entry := results[keyOf(&coll.Trees[0], 0)]
		require.Len(t, entry.Signatures, 1)
		entry.State = StateSubmitted
		return cluster, coll, entry
	}

	tests := []struct {
		name   string
		status chain.SignatureStatus
		err    error
		want   State
	}{
		{name: "status lookup fails", err: &chain.Error{Kind: chain.KindRejected, Err: errors.New("method not allowed")}, want: StateSubmitted},
		{name: "signature still pending", status: chain.SignaturePending, want: StateSubmitted},
		{name: "signature unknown", status: chain.SignatureUnknown, want: StateAlreadyClaimed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cluster, coll, entry := landedEntry(t)
			j := newMemJournal()
			j.entries[entry.Key] = entry
			client := &statusClient{Cluster: cluster, status: tt.status, err: tt.err}

			rep, results, err := newEngine(t, client, func(c *Config) { c.Journal = j }).Run(context.Background(), coll)
			require.NoError(t, err)
			require.Equal(t, tt.want, results[entry.Key].State)
			require.Equal(t, 1, rep.Counts[string(tt.want)])
			require.Equal(t, tt.want, j.entries[entry.Key].State)
			require.Equal(t, 1, cluster.Submissions(program.InstructionClaim), "a paid claim is never resubmitted")
		})
	}
}
