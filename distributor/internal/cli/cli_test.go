package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mevdist/distributor/pkg/artifact"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain/chaintest"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/snapshot"
	"github.com/malbeclabs/mevdist/distributor/pkg/treegen"
	"github.com/stretchr/testify/require"
)

const (
	testEpoch = 600
	testSlot  = 1_000
	expiresAt = 5_000
)

var testProgramID = solana.MustPublicKeyFromBase58("4R3gSG8BpU4t19KYj8CfnbtRpnT8gtk4dvTHxVRwc2r7")

type fixture struct {
	dir     string
	cluster *chaintest.Cluster
	votes   []solana.PublicKey
	stakes  []solana.PublicKey
	pools   []uint64
}

// newFixture writes a snapshot with two validators and registers their distribution
// accounts on a fake cluster.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:     t.TempDir(),
		cluster: chaintest.NewCluster(testProgramID, solana.NewWallet().PublicKey()),
		pools:   []uint64{1_000_000, 333_333},
	}
	recs := snapshot.Records{Slot: testSlot}
	for i, pool := range f.pools {
		vote := solana.NewWallet().PublicKey()
		f.votes = append(f.votes, vote)
		recs.Validators = append(recs.Validators, snapshot.Validator{VoteAccount: vote, NodeIdentity: solana.NewWallet().PublicKey()})
		for j := 0; j <= i; j++ {
			stake := solana.NewWallet().PublicKey()
			f.stakes = append(f.stakes, stake)
			recs.StakeAccounts = append(recs.StakeAccounts, snapshot.StakeAccount{
				Pubkey:            stake,
				Voter:             vote,
				Stake:             uint64(1_000 * (j + 1)),
				DeactivationEpoch: math.MaxUint64,
			})
		}
		addr := f.cluster.AddDistributionAccount(vote, testEpoch, pool, expiresAt)
		recs.TipAccounts = append(recs.TipAccounts, snapshot.TipAccount{
			Pubkey:             addr,
			VoteAccount:        vote,
			CommissionBps:      800,
			Epoch:              testEpoch,
			Lamports:           chaintest.DefaultRentExempt + pool,
			RentExemptLamports: chaintest.DefaultRentExempt,
		})
	}
	data, err := json.Marshal(recs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.path("snapshot.json"), data, 0o600))
	return f
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *fixture) options(stdout io.Writer) Options {
	return Options{
		Stdout: stdout,
		Stderr: io.Discard,
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Env: &Env{
			ProgramID:        testProgramID.String(),
			RetryMaxAttempts: 2,
			RetryBaseBackoff: time.Millisecond,
			RetryMaxBackoff:  time.Millisecond,
		},
		Store: artifact.FileStore{},
		NewClient: func(context.Context, solana.PublicKey) (chain.Client, error) {
			return f.cluster, nil
		},
	}
}

// run executes a command and decodes the report it prints.
func (f *fixture) run(t *testing.T, args ...string) (int, *report.Report) {
	t.Helper()
	var stdout bytes.Buffer
	code := Run(context.Background(), args, f.options(&stdout))
	if code == ExitFatal {
		return code, nil
	}
	var rep report.Report
	require.NoError(t, json.NewDecoder(&stdout).Decode(&rep))
	return code, &rep
}

func TestMEVDist_CLI_Pipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	code, rep := f.run(t, "extract", "--epoch", "600", "--slot", "1000", "--snapshot", f.path("snapshot.json"), "--out", f.path("stake-meta.json"))
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, rep.Counts["extracted"])

	code, rep = f.run(t, "build-tree", "--stake-meta", f.path("stake-meta.json"), "--out", f.path("trees.json"))
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, rep.Counts["built"])

	code, rep = f.run(t, "upload-root", "--trees", f.path("trees.json"), "--dry-run")
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, rep.Counts["would_upload"])
	require.Zero(t, f.cluster.Submissions(program.InstructionUploadRoot))

	code, rep = f.run(t, "upload-root", "--trees", f.path("trees.json"))
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, rep.Counts["uploaded"])

	code, rep = f.run(t, "claim", "--trees", f.path("trees.json"))
	require.Equal(t, ExitOK, code)
	// Two validator cuts plus three delegations.
	require.Equal(t, 5, rep.Counts["confirmed"])

	var paid uint64
	for _, k := range append(append([]solana.PublicKey{}, f.votes...), f.stakes...) {
		paid += f.cluster.Balance(k)
	}
	require.Equal(t, f.pools[0]+f.pools[1], paid, "every tip lamport is paid out")

	code, rep = f.run(t, "reclaim-rent", "--trees", f.path("trees.json"))
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, rep.Counts["not_expired"])

	f.cluster.SetSlot(expiresAt)
	receiver := solana.NewWallet().PublicKey()
	code, rep = f.run(t, "reclaim-rent", "--trees", f.path("trees.json"), "--receiver", receiver.String())
	require.Equal(t, ExitOK, code)
	require.Equal(t, 2, rep.Counts["closed"])
	require.Equal(t, uint64(2*chaintest.DefaultRentExempt), f.cluster.Balance(receiver))
}

func TestMEVDist_CLI_VerifyProof(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, _ := f.run(t, "extract", "--epoch", "600", "--slot", "1000", "--snapshot", f.path("snapshot.json"), "--out", f.path("stake-meta.json"))
	require.Equal(t, ExitOK, code)
	code, _ = f.run(t, "build-tree", "--stake-meta", f.path("stake-meta.json"), "--out", f.path("trees.json"))
	require.Equal(t, ExitOK, code)

	verify := func(claimant solana.PublicKey, extra ...string) (int, proofCheck, *report.Report) {
		var stdout bytes.Buffer
		args := append([]string{"verify-proof", "--trees", f.path("trees.json"), "--validator", f.votes[1].String(), "--claimant", claimant.String()}, extra...)
		code := Run(context.Background(), args, f.options(&stdout))
		dec := json.NewDecoder(&stdout)
		var check proofCheck
		var rep report.Report
		if code != ExitFatal {
			require.NoError(t, dec.Decode(&check))
			require.NoError(t, dec.Decode(&rep))
		}
		return code, check, &rep
	}

	code, check, _ := verify(f.stakes[1])
	require.Equal(t, ExitOK, code)
	require.True(t, check.Valid)
	require.Nil(t, check.OnChain)

	code, check, rep := verify(f.stakes[1], "--on-chain")
	require.Equal(t, ExitFailed, code)
	require.NotNil(t, check.OnChain)
	require.False(t, *check.OnChain, "root not uploaded yet")
	require.Equal(t, report.KindConflict, rep.Failures[0].Kind)

	var stdout bytes.Buffer
	code = Run(context.Background(), []string{"verify-proof", "--trees", f.path("trees.json"), "--validator", f.votes[1].String(), "--claimant", f.stakes[0].String()}, f.options(&stdout))
	require.Equal(t, ExitFailed, code, "stake account belongs to the other validator")
}

func TestMEVDist_CLI_TamperedArtifact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, _ := f.run(t, "extract", "--epoch", "600", "--slot", "1000", "--snapshot", f.path("snapshot.json"), "--out", f.path("stake-meta.json"))
	require.Equal(t, ExitOK, code)
	code, _ = f.run(t, "build-tree", "--stake-meta", f.path("stake-meta.json"), "--out", f.path("trees.json"))
	require.Equal(t, ExitOK, code)

	data, err := os.ReadFile(f.path("trees.json"))
	require.NoError(t, err)
	var coll treegen.Collection
	require.NoError(t, json.Unmarshal(data, &coll))
	coll.Trees[0].Nodes[0].Amount++
	data, err = json.Marshal(coll)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.path("tampered.json"), data, 0o600))

	code, rep := f.run(t, "upload-root", "--trees", f.path("tampered.json"))
	require.Equal(t, ExitFailed, code)
	require.Equal(t, 1, rep.Counts["uploaded"])
	require.Equal(t, 1, rep.Counts["invalid_record"])
	require.Equal(t, coll.Trees[0].ValidatorVoteAccount.String(), rep.Failures[0].Validator)
}

func TestMEVDist_CLI_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var stdout bytes.Buffer

	require.Equal(t, ExitFatal, Run(context.Background(), nil, f.options(&stdout)))
	require.Equal(t, ExitOK, Run(context.Background(), []string{"help"}, f.options(&stdout)))
	require.Equal(t, ExitFatal, Run(context.Background(), []string{"bogus"}, f.options(&stdout)))
	require.Equal(t, ExitFatal, Run(context.Background(), []string{"upload-root"}, f.options(&stdout)), "--trees is required")
	require.Equal(t, ExitFatal, Run(context.Background(), []string{"reclaim-rent"}, f.options(&stdout)), "--trees or --max-epoch is required")
	require.Equal(t, ExitFatal, Run(context.Background(), []string{"extract", "--epoch", "600", "--slot", "1", "--snapshot", f.path("snapshot.json"), "--out", f.path("x.json")}, f.options(&stdout)), "slot mismatch is a read error")
	require.Empty(t, stdout.String())

	opts := f.options(&stdout)
	opts.Env.ProgramID = ""
	require.Equal(t, ExitFatal, Run(context.Background(), []string{"build-tree", "--stake-meta", "a", "--out", "b"}, opts))
}

func TestMEVDist_CLI_ReportFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var stdout bytes.Buffer
	code := Run(context.Background(), []string{
		"reclaim-rent", "--max-epoch", "600", "--dry-run", "--report", f.path("report.json"),
	}, f.options(&stdout))
	require.Equal(t, ExitOK, code)
	require.Empty(t, stdout.String())

	data, err := os.ReadFile(f.path("report.json"))
	require.NoError(t, err)
	var rep report.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, "reclaim-rent", rep.Stage)
	require.True(t, rep.DryRun)
	require.Equal(t, 2, rep.Counts["not_expired"])
}
