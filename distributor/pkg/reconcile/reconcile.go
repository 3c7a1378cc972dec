// Package reconcile uploads computed merkle roots to distribution accounts that do not
// have one, and reports accounts whose root disagrees.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mevdist/distributor/pkg/chain"
	"github.com/malbeclabs/mevdist/distributor/pkg/metrics"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/treegen"
	"github.com/malbeclabs/mevdist/utils/pkg/retry"
	"github.com/malbeclabs/mevdist/utils/pkg/workpool"
)

const stage = "upload-root"

type Outcome string

const (
	OutcomeUploaded        Outcome = "uploaded"
	OutcomeAlreadyUploaded Outcome = "already_uploaded"
	OutcomeWouldUpload     Outcome = "would_upload"
	OutcomeConflict        Outcome = "conflict"
	OutcomeFailed          Outcome = "failed"
)

// Result is the outcome for one validator.
type Result struct {
	Validator           solana.PublicKey
	DistributionAccount solana.PublicKey
	Outcome             Outcome
	Kind                report.Kind
	Attempts            int
	Signature           solana.Signature
	Err                 error
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Client      chain.Client
	Program     *program.Builder
	Retry       retry.Config
	Workers     int
	TaskTimeout time.Duration
	DryRun      bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("chain client is required")
	}
	if cfg.Program == nil {
		return errors.New("program builder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = chain.IsTransient
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return nil
}

type Reconciler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg}, nil
}

// Run reconciles every tree in the collection. Each validator is handled independently;
// the report lists conflicts and failures.
func (r *Reconciler) Run(ctx context.Context, coll *treegen.Collection) (*report.Report, []Result, error) {
	start := r.cfg.Clock.Now()
	rep := report.New(stage, coll.Epoch, start)
	rep.RunID = coll.RunID
	rep.DryRun = r.cfg.DryRun

	tasks := make([]*treegen.GeneratedMerkleTree, len(coll.Trees))
	for i := range coll.Trees {
		tasks[i] = &coll.Trees[i]
	}
	outcomes, err := workpool.Run(ctx, workpool.Config{
		Name:        "reconcile",
		Logger:      r.log,
		Clock:       r.cfg.Clock,
		Workers:     r.cfg.Workers,
		TaskTimeout: r.cfg.TaskTimeout,
	}, tasks, r.reconcile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run reconcile pool: %w", err)
	}

	results := make([]Result, len(tasks))
	for i, o := range outcomes {
		res := o.Value
		switch {
		case !o.Dispatched:
			res = Result{Outcome: OutcomeFailed, Kind: report.KindTransport, Err: errors.New("not dispatched: run cancelled")}
		case o.Abandoned:
			res = Result{Outcome: OutcomeFailed, Kind: report.KindTransport, Err: errors.New("abandoned after task timeout")}
			metrics.WorkpoolTasksAbandonedTotal.WithLabelValues("reconcile").Inc()
		case o.Panic != nil:
			res = Result{Outcome: OutcomeFailed, Kind: report.KindPermanent, Err: o.Panic}
		}
		res.Validator = tasks[i].ValidatorVoteAccount
		res.DistributionAccount = tasks[i].DistributionAccount
		results[i] = res

		metrics.StageUnitsTotal.WithLabelValues(stage, string(res.Outcome)).Inc()
		if res.Outcome == OutcomeConflict || res.Outcome == OutcomeFailed {
			rep.Fail(string(res.Outcome), report.Failure{Validator: res.Validator.String(), Kind: res.Kind, Reason: res.Err.Error()})
			continue
		}
		rep.Count(string(res.Outcome))
	}

	now := r.cfg.Clock.Now()
	metrics.StageDuration.WithLabelValues(stage).Observe(now.Sub(start).Seconds())
	return rep.Finish(now), results, nil
}

func (r *Reconciler) reconcile(ctx context.Context, tree *treegen.GeneratedMerkleTree) Result {
	log := r.log.With("validator", tree.ValidatorVoteAccount, "account", tree.DistributionAccount)

	st, err := r.read(ctx, tree.DistributionAccount)
	if err != nil {
		return failed(err)
	}
	if res, done := compare(tree, st); done {
		if res.Outcome == OutcomeConflict {
			log.Warn("reconcile: on-chain root conflicts with computed root", "error", res.Err)
		}
		return res
	}

	if r.cfg.DryRun {
		log.Info("reconcile: would upload root", "root", tree.MerkleRoot, "max_total_claim", tree.MaxTotalClaim)
		return Result{Outcome: OutcomeWouldUpload}
	}

	ix, err := r.cfg.Program.UploadRoot(tree.DistributionAccount, r.cfg.Client.Payer(), program.UploadRootArgs{
		Root:          tree.MerkleRoot,
		MaxTotalClaim: tree.MaxTotalClaim,
		MaxNumNodes:   tree.MaxNumNodes,
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed, Kind: report.KindPermanent, Err: err}
	}

	var res Result
	retryCfg := r.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("reconcile: retrying upload", "attempt", attempt, "backoff", backoff, "error", err)
	}
	attempts, err := retry.DoCount(ctx, retryCfg, func(attempt int) error {
		if attempt > 1 {
			// A previous attempt may have landed without us seeing the confirmation.
			st, err := r.read(ctx, tree.DistributionAccount)
			if err != nil {
				return err
			}
			if out, done := compare(tree, st); done {
				res = landed(out, res.Signature)
				return nil
			}
		}

		sig, err := r.cfg.Client.Submit(ctx, ix)
		if !sig.IsZero() {
			res.Signature = sig
		}
		switch {
		case err == nil:
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "success").Inc()
			res.Outcome = OutcomeUploaded
			return nil
		case chain.IsKind(err, chain.KindAlreadyProcessed):
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "already_processed").Inc()
			st, rerr := r.read(ctx, tree.DistributionAccount)
			if rerr != nil {
				return rerr
			}
			out, done := compare(tree, st)
			if !done {
				return &chain.Error{Kind: chain.KindTransient, Err: fmt.Errorf("root reported uploaded but account has none: %w", err)}
			}
			res = landed(out, res.Signature)
			return nil
		default:
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "error").Inc()
			return err
		}
	})
	res.Attempts = attempts
	if err != nil {
		out := failed(err)
		out.Attempts, out.Signature = attempts, res.Signature
		log.Error("reconcile: upload failed", "attempts", attempts, "error", err)
		return out
	}
	log.Info("reconcile: root reconciled", "outcome", res.Outcome, "attempts", attempts, "signature", res.Signature)
	return res
}

// landed resolves a matching root found after submitting: it is ours if a transaction of
// this run was sent.
func landed(res Result, sig solana.Signature) Result {
	if res.Outcome == OutcomeAlreadyUploaded && !sig.IsZero() {
		res.Outcome = OutcomeUploaded
	}
	res.Signature = sig
	return res
}

// compare reports whether the account already settles the tree: a matching root is
// AlreadyUploaded, any other root is a Conflict.
func compare(tree *treegen.GeneratedMerkleTree, st *chain.DistributionAccountState) (Result, bool) {
	mr := st.Account.MerkleRoot
	if mr == nil {
		return Result{}, false
	}
	if mr.Root == tree.MerkleRoot && mr.MaxTotalClaim == tree.MaxTotalClaim && mr.MaxNumNodes == tree.MaxNumNodes {
		return Result{Outcome: OutcomeAlreadyUploaded}, true
	}
	return Result{
		Outcome: OutcomeConflict,
		Kind:    report.KindConflict,
		Err: fmt.Errorf("on-chain root %s (max_total_claim %d, max_num_nodes %d) differs from computed %s (%d, %d)",
			solana.Hash(mr.Root), mr.MaxTotalClaim, mr.MaxNumNodes, tree.MerkleRoot, tree.MaxTotalClaim, tree.MaxNumNodes),
	}, true
}

func (r *Reconciler) read(ctx context.Context, addr solana.PublicKey) (*chain.DistributionAccountState, error) {
	var st *chain.DistributionAccountState
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		var err error
		st, err = r.cfg.Client.GetDistributionAccount(ctx, addr)
		return err
	})
	return st, err
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Kind: chain.ReportKind(err), Err: err}
}
