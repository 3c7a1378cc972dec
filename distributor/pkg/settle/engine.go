// Package settle submits claims for every node of the uploaded trees and drives each
// claimant to a terminal state.
package settle

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

const stage = "claim"

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Client      chain.Client
	Program     *program.Builder
	Retry       retry.Config
	Workers     int
	TaskTimeout time.Duration
	DryRun      bool

	// Journal is optional.
	Journal Journal
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
		cfg.Workers = 8
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

type gateResult struct {
	kind report.Kind
	err  error
}

type task struct {
	epoch uint64
	node  *treegen.TreeNode
	entry Entry
}

// Run settles every claim in the collection. Claims of a tree whose on-chain root is missing
// or differs are failed without submitting. Entries already terminal in the journal are
// carried over untouched.
func (e *Engine) Run(ctx context.Context, coll *treegen.Collection) (*report.Report, map[Key]Entry, error) {
	start := e.cfg.Clock.Now()
	rep := report.New(stage, coll.Epoch, start)
	rep.RunID = coll.RunID
	rep.DryRun = e.cfg.DryRun

	var prior map[Key]Entry
	if e.cfg.Journal != nil {
		var err error
		prior, err = e.cfg.Journal.Load(ctx, coll.Epoch)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load claim journal: %w", err)
		}
		e.log.Info("settle: loaded claim journal", "epoch", coll.Epoch, "entries", len(prior))
	}

	trees := make([]*treegen.GeneratedMerkleTree, len(coll.Trees))
	for i := range coll.Trees {
		trees[i] = &coll.Trees[i]
	}
	gates, err := workpool.Run(ctx, e.poolConfig("settle-gate"), trees, e.gate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run gate pool: %w", err)
	}

	results := make(map[Key]Entry)
	var tasks []task
	for i, g := range gates {
		tree := trees[i]
		gr := g.Value
		switch {
		case !g.Dispatched:
			gr = gateResult{kind: report.KindTransport, err: errors.New("not dispatched: run cancelled")}
		case g.Abandoned:
			gr = gateResult{kind: report.KindTransport, err: errors.New("root check abandoned after task timeout")}
		case g.Panic != nil:
			gr = gateResult{kind: report.KindPermanent, err: g.Panic}
		}
		if gr.err != nil {
			e.log.Warn("settle: tree not claimable", "validator", tree.ValidatorVoteAccount, "error", gr.err)
		}

		for j := range tree.Nodes {
			node := &tree.Nodes[j]
			entry := Entry{
				Key:                 Key{Validator: tree.ValidatorVoteAccount, Claimant: node.Claimant},
				DistributionAccount: tree.DistributionAccount,
				Amount:              node.Amount,
				State:               StatePending,
			}
			if p, ok := prior[entry.Key]; ok {
				if p.State.Terminal() {
					results[entry.Key] = p
					continue
				}
				entry.Signatures = p.Signatures
			}
			if gr.err != nil {
				results[entry.Key] = entry.failedWith(gr.kind, gr.err.Error())
				continue
			}
			tasks = append(tasks, task{epoch: coll.Epoch, node: node, entry: entry})
		}
	}

	outcomes, err := workpool.Run(ctx, e.poolConfig("settle"), tasks, e.settle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run settle pool: %w", err)
	}
	for i, o := range outcomes {
		entry := o.Value
		switch {
		case !o.Dispatched:
			entry = tasks[i].entry.failedWith(report.KindTransport, "not dispatched: run cancelled")
		case o.Abandoned:
			entry = tasks[i].entry.failedWith(report.KindTransport, "abandoned after task timeout")
			metrics.WorkpoolTasksAbandonedTotal.WithLabelValues("settle").Inc()
		case o.Panic != nil:
			entry = tasks[i].entry.failedWith(report.KindPermanent, o.Panic.Error())
		}
		results[entry.Key] = entry
	}

	for _, entry := range results {
		metrics.StageUnitsTotal.WithLabelValues(stage, string(entry.State)).Inc()
		if entry.State == StatePermanentlyFailed {
			rep.Fail(string(entry.State), report.Failure{
				Validator: entry.Validator.String(),
				Unit:      entry.Claimant.String(),
				Kind:      entry.Kind,
				Reason:    entry.Reason,
			})
			continue
		}
		rep.Count(string(entry.State))
	}

	now := e.cfg.Clock.Now()
	metrics.StageDuration.WithLabelValues(stage).Observe(now.Sub(start).Seconds())
	return rep.Finish(now), results, nil
}

func (e *Engine) poolConfig(name string) workpool.Config {
	return workpool.Config{
		Name:        name,
		Logger:      e.log,
		Clock:       e.cfg.Clock,
		Workers:     e.cfg.Workers,
		TaskTimeout: e.cfg.TaskTimeout,
	}
}

// gate checks that the tree's root is the one on chain.
func (e *Engine) gate(ctx context.Context, tree *treegen.GeneratedMerkleTree) gateResult {
	var st *chain.DistributionAccountState
	err := retry.Do(ctx, e.cfg.Retry, func() error {
		var err error
		st, err = e.cfg.Client.GetDistributionAccount(ctx, tree.DistributionAccount)
		return err
	})
	switch {
	case chain.IsKind(err, chain.KindNotFound):
		return gateResult{kind: report.KindData, err: fmt.Errorf("distribution account %s not found", tree.DistributionAccount)}
	case err != nil:
		return gateResult{kind: chain.ReportKind(err), err: fmt.Errorf("failed to read distribution account: %w", err)}
	}

	mr := st.Account.MerkleRoot
	if mr == nil {
		return gateResult{kind: report.KindPermanent, err: errors.New("root not uploaded")}
	}
	if mr.Root != tree.MerkleRoot || mr.MaxTotalClaim != tree.MaxTotalClaim || mr.MaxNumNodes != tree.MaxNumNodes {
		return gateResult{kind: report.KindConflict, err: fmt.Errorf("on-chain root %s differs from tree root %s", solana.Hash(mr.Root), tree.MerkleRoot)}
	}
	return gateResult{}
}

func (e *Engine) settle(ctx context.Context, t task) Entry {
	entry := t.entry
	log := e.log.With("validator", entry.Validator, "claimant", entry.Claimant, "amount", entry.Amount)

	status, _, err := program.DeriveClaimStatus(e.cfg.Program.ProgramID, entry.Claimant, entry.DistributionAccount)
	if err != nil {
		return entry.failedWith(report.KindPermanent, fmt.Sprintf("failed to derive claim status: %v", err))
	}

	claimed, err := e.isClaimed(ctx, status)
	if err != nil {
		return entry.failedWith(chain.ReportKind(err), err.Error())
	}
	if claimed {
		entry = e.resolve(ctx, entry)
		log.Info("settle: claim already settled", "state", entry.State)
		e.record(ctx, t.epoch, entry)
		return entry
	}

	if e.cfg.DryRun {
		log.Info("settle: would claim", "leaf_index", t.node.LeafIndex)
		entry.State = StateWouldClaim
		return entry
	}

	proof := make([][32]byte, len(t.node.Proof))
	for i, h := range t.node.Proof {
		proof[i] = h
	}
	ix, err := e.cfg.Program.Claim(entry.DistributionAccount, entry.Claimant, e.cfg.Client.Payer(), program.ClaimArgs{
		Proof:     proof,
		Amount:    t.node.Amount,
		LeafIndex: t.node.LeafIndex,
	})
	if err != nil {
		return entry.failedWith(report.KindPermanent, err.Error())
	}

	retryCfg := e.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("settle: retrying claim", "attempt", attempt, "backoff", backoff, "error", err)
	}
	attempts, err := retry.DoCount(ctx, retryCfg, func(attempt int) error {
		if attempt > 1 {
			claimed, err := e.isClaimed(ctx, status)
			if err != nil {
				return err
			}
			if claimed {
				entry = e.resolve(ctx, entry)
				return nil
			}
		}

		sig, err := e.cfg.Client.Submit(ctx, ix)
		if !sig.IsZero() {
			entry.Signatures = append(entry.Signatures, sig)
			entry.State = StateSubmitted
			e.record(ctx, t.epoch, entry)
		}
		switch {
		case err == nil:
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "success").Inc()
			entry.State = StateConfirmed
			return nil
		case chain.IsKind(err, chain.KindAlreadyProcessed):
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "already_processed").Inc()
			entry = e.resolve(ctx, entry)
			return nil
		default:
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "error").Inc()
			return err
		}
	})
	entry.Attempts = attempts
	if err != nil {
		entry = entry.failedWith(chain.ReportKind(err), err.Error())
		log.Error("settle: claim failed", "attempts", attempts, "kind", entry.Kind, "error", err)
	} else {
		log.Info("settle: claim settled", "state", entry.State, "attempts", attempts)
	}
	e.record(ctx, t.epoch, entry)
	return entry
}

// resolve settles a claim found paid: Confirmed if one of our signatures landed,
// AlreadyClaimed if none did. When a signature's fate cannot be read the entry stays
// Submitted so a later run resolves it from the journal.
func (e *Engine) resolve(ctx context.Context, entry Entry) Entry {
	undecided := false
	for i := len(entry.Signatures) - 1; i >= 0; i-- {
		sig := entry.Signatures[i]
		var st chain.SignatureStatus
		err := retry.Do(ctx, e.cfg.Retry, func() error {
			var err error
			st, err = e.cfg.Client.SignatureStatus(ctx, sig)
			return err
		})
		switch {
		case err != nil:
			e.log.Warn("settle: failed to get signature status", "signature", sig, "error", err)
			undecided = true
		case st == chain.SignatureConfirmed:
			entry.State = StateConfirmed
			return entry
		case st == chain.SignaturePending:
			undecided = true
		}
	}
	if undecided {
		e.log.Warn("settle: claim paid but our signatures are unresolved",
			"validator", entry.Validator, "claimant", entry.Claimant, "signatures", entry.Signatures)
		entry.State = StateSubmitted
		return entry
	}
	entry.State = StateAlreadyClaimed
	return entry
}

func (e *Engine) isClaimed(ctx context.Context, status solana.PublicKey) (bool, error) {
	var claimed bool
	err := retry.Do(ctx, e.cfg.Retry, func() error {
		var err error
		claimed, err = e.cfg.Client.IsClaimed(ctx, status)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to read claim status: %w", err)
	}
	return claimed, nil
}

// record journals entry. Failures other than permanent rejections are left out so a later
// run retries them.
func (e *Engine) record(ctx context.Context, epoch uint64, entry Entry) {
	if e.cfg.Journal == nil {
		return
	}
	if entry.State == StatePermanentlyFailed && entry.Kind != report.KindPermanent {
		return
	}
	if err := e.cfg.Journal.Record(context.WithoutCancel(ctx), epoch, entry); err != nil {
		e.log.Error("settle: failed to record journal entry", "claimant", entry.Claimant, "state", entry.State, "error", err)
	}
}
