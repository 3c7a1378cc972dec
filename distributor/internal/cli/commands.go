package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/mevdist/distributor/pkg/artifact"
	"github.com/malbeclabs/mevdist/distributor/pkg/journal"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/reclaim"
	"github.com/malbeclabs/mevdist/distributor/pkg/reconcile"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/settle"
	"github.com/malbeclabs/mevdist/distributor/pkg/snapshot"
	"github.com/malbeclabs/mevdist/distributor/pkg/stakemeta"
	"github.com/malbeclabs/mevdist/distributor/pkg/treegen"
	flag "github.com/spf13/pflag"
)

var extractCommand = command{
	name:    "extract",
	summary: "compute stake metadata for an epoch from a ledger snapshot",
	setup: func(fs *flag.FlagSet) runFunc {
		epoch := fs.Uint64("epoch", 0, "epoch whose tips are distributed")
		slot := fs.Uint64("slot", 0, "snapshot slot (a lower bound when reading from RPC)")
		snapshotPath := fs.String("snapshot", "", "read records from this JSON export instead of RPC")
		minStake := fs.Uint64("min-stake", 0, "minimum delegated lamports for a delegation to share tips")
		concurrency := fs.Int("concurrency", 0, "validators processed in parallel (0 = GOMAXPROCS)")
		out := fs.String("out", "", "stake-meta artifact location (path or s3://bucket/key)")

		return func(ctx context.Context, a *app) (*report.Report, error) {
			if err := requireFlag("out", *out); err != nil {
				return nil, err
			}
			programID, err := a.requireProgramID()
			if err != nil {
				return nil, err
			}

			var reader snapshot.Reader
			if *snapshotPath != "" {
				reader = &snapshot.FileReader{Path: *snapshotPath}
			} else {
				reader, err = snapshot.NewRPCReader(snapshot.RPCReaderConfig{
					Logger:    a.log,
					RPC:       a.rpc(),
					ProgramID: programID,
				})
				if err != nil {
					return nil, err
				}
			}

			ex, err := stakemeta.NewExtractor(stakemeta.ExtractorConfig{
				Logger:           a.log,
				Clock:            a.clock,
				Reader:           reader,
				ProgramID:        programID,
				MinStakeLamports: *minStake,
				Concurrency:      *concurrency,
			})
			if err != nil {
				return nil, err
			}
			coll, rep, err := ex.Extract(ctx, *epoch, *slot)
			if err != nil {
				return nil, err
			}
			if err := stakemeta.WriteCollection(ctx, a.store, *out, coll); err != nil {
				return nil, err
			}
			rep.RunID = coll.RunID
			a.log.Info("extract: wrote stake-meta artifact", "location", *out, "validators", len(coll.StakeMetas))
			return rep, nil
		}
	},
}

var buildTreeCommand = command{
	name:    "build-tree",
	summary: "build per-validator merkle trees from a stake-meta artifact",
	setup: func(fs *flag.FlagSet) runFunc {
		in := fs.String("stake-meta", "", "stake-meta artifact location")
		out := fs.String("out", "", "merkle-tree-collection artifact location")
		concurrency := fs.Int("concurrency", 0, "trees built in parallel (0 = GOMAXPROCS)")

		return func(ctx context.Context, a *app) (*report.Report, error) {
			if err := requireFlag("stake-meta", *in); err != nil {
				return nil, err
			}
			if err := requireFlag("out", *out); err != nil {
				return nil, err
			}
			programID, err := a.requireProgramID()
			if err != nil {
				return nil, err
			}

			metas, failures, err := stakemeta.ReadCollection(ctx, a.store, *in)
			if err != nil {
				return nil, fmt.Errorf("failed to read stake-meta artifact: %w", err)
			}
			b, err := treegen.NewBuilder(treegen.BuilderConfig{
				Logger:      a.log,
				Clock:       a.clock,
				ProgramID:   programID,
				Concurrency: *concurrency,
			})
			if err != nil {
				return nil, err
			}
			coll, rep, err := b.BuildCollection(ctx, metas)
			if err != nil {
				return nil, err
			}
			if err := treegen.WriteCollection(ctx, a.store, *out, coll); err != nil {
				return nil, err
			}
			rep.RunID = coll.RunID
			a.log.Info("build-tree: wrote merkle tree artifact", "location", *out, "trees", len(coll.Trees))
			return mergeReadFailures(rep, failures, a.clock.Now()), nil
		}
	},
}

var uploadRootCommand = command{
	name:    "upload-root",
	summary: "upload merkle roots to distribution accounts that lack one",
	setup: func(fs *flag.FlagSet) runFunc {
		trees := fs.String("trees", "", "merkle-tree-collection artifact location")
		workers := fs.Int("workers", 4, "concurrent uploads")
		dryRun := fs.Bool("dry-run", false, "report planned uploads without submitting")

		return func(ctx context.Context, a *app) (*report.Report, error) {
			coll, failures, err := a.readTrees(ctx, *trees)
			if err != nil {
				return nil, err
			}
			client, err := a.chainClient(ctx, coll.ProgramID)
			if err != nil {
				return nil, err
			}
			builder, err := program.NewBuilder(coll.ProgramID)
			if err != nil {
				return nil, err
			}
			r, err := reconcile.New(reconcile.Config{
				Logger:  a.log,
				Clock:   a.clock,
				Client:  client,
				Program: builder,
				Retry:   a.env.Retry(),
				Workers: *workers,
				DryRun:  *dryRun,
			})
			if err != nil {
				return nil, err
			}
			rep, _, err := r.Run(ctx, coll)
			if err != nil {
				return nil, err
			}
			return mergeReadFailures(rep, failures, a.clock.Now()), nil
		}
	},
}

var claimCommand = command{
	name:    "claim",
	summary: "claim every node of the uploaded trees",
	setup: func(fs *flag.FlagSet) runFunc {
		trees := fs.String("trees", "", "merkle-tree-collection artifact location")
		workers := fs.Int("workers", 8, "concurrent claims")
		dryRun := fs.Bool("dry-run", false, "report planned claims without submitting")
		journalURL := fs.String("journal-url", "", "postgres connection string for the claim journal (or set MEVDIST_JOURNAL_DATABASE_URL env var)")
		migrate := fs.Bool("journal-migrate", false, "apply claim journal migrations before running")

		return func(ctx context.Context, a *app) (*report.Report, error) {
			coll, failures, err := a.readTrees(ctx, *trees)
			if err != nil {
				return nil, err
			}
			client, err := a.chainClient(ctx, coll.ProgramID)
			if err != nil {
				return nil, err
			}
			builder, err := program.NewBuilder(coll.ProgramID)
			if err != nil {
				return nil, err
			}

			cfg := settle.Config{
				Logger:  a.log,
				Clock:   a.clock,
				Client:  client,
				Program: builder,
				Retry:   a.env.Retry(),
				Workers: *workers,
				DryRun:  *dryRun,
			}
			url := *journalURL
			if url == "" {
				url = a.env.JournalDatabaseURL
			}
			if url != "" {
				pool, err := journal.Connect(ctx, url)
				if err != nil {
					return nil, err
				}
				defer pool.Close()
				if *migrate {
					if err := journal.Migrate(ctx, a.log, pool); err != nil {
						return nil, err
					}
				}
				j, err := journal.New(journal.Config{Logger: a.log, Pool: pool})
				if err != nil {
					return nil, err
				}
				cfg.Journal = j
			}

			e, err := settle.New(cfg)
			if err != nil {
				return nil, err
			}
			rep, _, err := e.Run(ctx, coll)
			if err != nil {
				return nil, err
			}
			return mergeReadFailures(rep, failures, a.clock.Now()), nil
		}
	},
}

var reclaimRentCommand = command{
	name:    "reclaim-rent",
	summary: "close expired settled distribution accounts and return their rent",
	setup: func(fs *flag.FlagSet) runFunc {
		trees := fs.String("trees", "", "merkle-tree-collection artifact listing the accounts to close")
		maxEpoch := fs.Uint64("max-epoch", 0, "without --trees, scan the program for accounts created at or before this epoch")
		receiver := fs.String("receiver", "", "rent receiver (defaults to the payer)")
		workers := fs.Int("workers", 4, "concurrent closes")
		dryRun := fs.Bool("dry-run", false, "report planned closes without submitting")

		return func(ctx context.Context, a *app) (*report.Report, error) {
			var (
				targets   []reclaim.Target
				failures  []report.Failure
				epoch     = *maxEpoch
				programID solana.PublicKey
			)
			if *trees != "" {
				coll, f, err := a.readTrees(ctx, *trees)
				if err != nil {
					return nil, err
				}
				targets, failures, epoch, programID = reclaim.TargetsFromTrees(coll), f, coll.Epoch, coll.ProgramID
			} else {
				if !fs.Changed("max-epoch") {
					return nil, errors.New("--trees or --max-epoch is required")
				}
				id, err := a.requireProgramID()
				if err != nil {
					return nil, err
				}
				programID = id
			}

			chainClient, err := a.chainClient(ctx, programID)
			if err != nil {
				return nil, err
			}
			if *trees == "" {
				targets, err = reclaim.ScanTargets(ctx, chainClient, *maxEpoch)
				if err != nil {
					return nil, err
				}
				a.log.Info("reclaim-rent: scanned distribution accounts", "max_epoch", *maxEpoch, "targets", len(targets))
			}

			builder, err := program.NewBuilder(programID)
			if err != nil {
				return nil, err
			}
			cfg := reclaim.Config{
				Logger:  a.log,
				Clock:   a.clock,
				Client:  chainClient,
				Program: builder,
				Retry:   a.env.Retry(),
				Workers: *workers,
				DryRun:  *dryRun,
			}
			if *receiver != "" {
				if cfg.RentReceiver, err = solana.PublicKeyFromBase58(*receiver); err != nil {
					return nil, fmt.Errorf("invalid --receiver: %w", err)
				}
			}
			r, err := reclaim.New(cfg)
			if err != nil {
				return nil, err
			}
			rep, _, err := r.Run(ctx, epoch, targets)
			if err != nil {
				return nil, err
			}
			return mergeReadFailures(rep, failures, a.clock.Now()), nil
		}
	},
}

// proofCheck is printed by verify-proof.
type proofCheck struct {
	Validator  solana.PublicKey `json:"validator"`
	Claimant   solana.PublicKey `json:"claimant"`
	Amount     uint64           `json:"amount"`
	LeafIndex  uint64           `json:"leaf_index"`
	MerkleRoot string           `json:"merkle_root"`
	Valid      bool             `json:"valid"`
	OnChain    *bool            `json:"on_chain_root_matches,omitempty"`
}

var verifyProofCommand = command{
	name:    "verify-proof",
	summary: "verify one claimant's proof from a tree artifact",
	setup: func(fs *flag.FlagSet) runFunc {
		trees := fs.String("trees", "", "merkle-tree-collection artifact location")
		validator := fs.String("validator", "", "validator vote account")
		claimant := fs.String("claimant", "", "claimant (vote account or stake account)")
		onChain := fs.Bool("on-chain", false, "also compare the tree root with the distribution account")

		return func(ctx context.Context, a *app) (*report.Report, error) {
			if err := requireFlag("trees", *trees); err != nil {
				return nil, err
			}
			vote, err := solana.PublicKeyFromBase58(*validator)
			if err != nil {
				return nil, fmt.Errorf("invalid --validator: %w", err)
			}
			who, err := solana.PublicKeyFromBase58(*claimant)
			if err != nil {
				return nil, fmt.Errorf("invalid --claimant: %w", err)
			}

			var coll treegen.Collection
			if err := readRawTrees(ctx, a, *trees, &coll); err != nil {
				return nil, err
			}
			rep := report.New("verify-proof", coll.Epoch, a.clock.Now())
			rep.RunID = coll.RunID
			fail := func(kind report.Kind, reason string) (*report.Report, error) {
				rep.Fail("invalid", report.Failure{Validator: vote.String(), Unit: who.String(), Kind: kind, Reason: reason})
				return rep.Finish(a.clock.Now()), nil
			}

			tree, ok := coll.Tree(vote)
			if !ok {
				return fail(report.KindData, "validator not in tree collection")
			}
			node, ok := tree.Node(who)
			if !ok {
				return fail(report.KindData, "claimant not in tree")
			}
			check := proofCheck{
				Validator:  vote,
				Claimant:   who,
				Amount:     node.Amount,
				LeafIndex:  node.LeafIndex,
				MerkleRoot: tree.MerkleRoot.String(),
				Valid:      node.Verify(tree.MerkleRoot),
			}
			if *onChain {
				client, err := a.chainClient(ctx, coll.ProgramID)
				if err != nil {
					return nil, err
				}
				st, err := client.GetDistributionAccount(ctx, tree.DistributionAccount)
				if err != nil {
					return nil, fmt.Errorf("failed to read distribution account: %w", err)
				}
				matches := st.Account.MerkleRoot != nil && st.Account.MerkleRoot.Root == tree.MerkleRoot
				check.OnChain = &matches
			}
			a.log.Info("verify-proof: checked proof", "validator", vote, "claimant", who, "valid", check.Valid)
			if err := json.NewEncoder(a.stdout).Encode(check); err != nil {
				return nil, fmt.Errorf("failed to write proof check: %w", err)
			}

			switch {
			case !check.Valid:
				return fail(report.KindData, "proof does not verify against tree root")
			case check.OnChain != nil && !*check.OnChain:
				return fail(report.KindConflict, "tree root differs from on-chain root")
			}
			rep.Count("valid")
			return rep.Finish(a.clock.Now()), nil
		}
	},
}

func (a *app) readTrees(ctx context.Context, location string) (*treegen.Collection, []report.Failure, error) {
	if err := requireFlag("trees", location); err != nil {
		return nil, nil, err
	}
	coll, failures, err := treegen.ReadCollection(ctx, a.store, location)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read merkle tree artifact: %w", err)
	}
	for _, f := range failures {
		a.log.Warn("skipping invalid tree", "validator", f.Validator, "reason", f.Reason)
	}
	return coll, failures, nil
}

// readRawTrees decodes a tree artifact without re-verifying it, so a tampered proof can be
// inspected.
func readRawTrees(ctx context.Context, a *app, location string, coll *treegen.Collection) error {
	data, err := a.store.Read(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to read merkle tree artifact: %w", err)
	}
	if err := json.Unmarshal(data, coll); err != nil {
		return fmt.Errorf("failed to decode merkle tree artifact: %w", err)
	}
	return coll.Header.Check(artifact.KindMerkleTreeCollection)
}
