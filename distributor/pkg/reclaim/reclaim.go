// Package reclaim closes expired, fully settled distribution accounts and returns their rent.
package reclaim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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

const stage = "reclaim-rent"

type Outcome string

const (
	OutcomeClosed        Outcome = "closed"
	OutcomeAlreadyClosed Outcome = "already_closed"
	OutcomeNotExpired    Outcome = "not_expired"
	OutcomeWouldClose    Outcome = "would_close"
	OutcomeConflict      Outcome = "conflict"
	OutcomeFailed        Outcome = "failed"
)

// Target is one distribution account to reclaim.
type Target struct {
	Validator           solana.PublicKey
	DistributionAccount solana.PublicKey
}

// TargetsFromTrees lists the accounts of a tree collection.
func TargetsFromTrees(coll *treegen.Collection) []Target {
	out := make([]Target, len(coll.Trees))
	for i, t := range coll.Trees {
		out[i] = Target{Validator: t.ValidatorVoteAccount, DistributionAccount: t.DistributionAccount}
	}
	return out
}

// ScanTargets lists every program distribution account created at or before maxEpoch.
func ScanTargets(ctx context.Context, client chain.Client, maxEpoch uint64) ([]Target, error) {
	accts, err := client.ListDistributionAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list distribution accounts: %w", err)
	}
	var out []Target
	for _, a := range accts {
		if a.Account.EpochCreatedAt > maxEpoch {
			continue
		}
		out = append(out, Target{Validator: a.Account.ValidatorVoteAccount, DistributionAccount: a.Address})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].DistributionAccount[:], out[j].DistributionAccount[:]) < 0
	})
	return out, nil
}

type Result struct {
	Target
	Outcome   Outcome
	Kind      report.Kind
	Attempts  int
	Signature solana.Signature
	Err       error
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

	// RentReceiver defaults to the payer.
	RentReceiver solana.PublicKey
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
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.RentReceiver.IsZero() {
		cfg.RentReceiver = cfg.Client.Payer()
	}
	return nil
}

type Reclaimer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Reclaimer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reclaimer{log: cfg.Logger, cfg: cfg}, nil
}

type task struct {
	target Target
	slot   uint64
}

// Run closes every eligible target. Accounts still holding claimable funds are reported as
// conflicts and left open.
func (r *Reclaimer) Run(ctx context.Context, epoch uint64, targets []Target) (*report.Report, []Result, error) {
	start := r.cfg.Clock.Now()
	rep := report.New(stage, epoch, start)
	rep.DryRun = r.cfg.DryRun

	var slot uint64
	err := retry.Do(ctx, r.cfg.Retry, func() error {
		var err error
		slot, err = r.cfg.Client.CurrentSlot(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get current slot: %w", err)
	}

	tasks := make([]task, len(targets))
	for i, t := range targets {
		tasks[i] = task{target: t, slot: slot}
	}
	outcomes, err := workpool.Run(ctx, workpool.Config{
		Name:        "reclaim",
		Logger:      r.log,
		Clock:       r.cfg.Clock,
		Workers:     r.cfg.Workers,
		TaskTimeout: r.cfg.TaskTimeout,
	}, tasks, r.reclaim)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run reclaim pool: %w", err)
	}

	results := make([]Result, len(tasks))
	for i, o := range outcomes {
		res := o.Value
		switch {
		case !o.Dispatched:
			res = Result{Outcome: OutcomeFailed, Kind: report.KindTransport, Err: errors.New("not dispatched: run cancelled")}
		case o.Abandoned:
			res = Result{Outcome: OutcomeFailed, Kind: report.KindTransport, Err: errors.New("abandoned after task timeout")}
			metrics.WorkpoolTasksAbandonedTotal.WithLabelValues("reclaim").Inc()
		case o.Panic != nil:
			res = Result{Outcome: OutcomeFailed, Kind: report.KindPermanent, Err: o.Panic}
		}
		res.Target = targets[i]
		results[i] = res

		metrics.StageUnitsTotal.WithLabelValues(stage, string(res.Outcome)).Inc()
		if res.Outcome == OutcomeConflict || res.Outcome == OutcomeFailed {
			rep.Fail(string(res.Outcome), report.Failure{
				Validator: res.Validator.String(),
				Unit:      res.DistributionAccount.String(),
				Kind:      res.Kind,
				Reason:    res.Err.Error(),
			})
			continue
		}
		rep.Count(string(res.Outcome))
	}

	now := r.cfg.Clock.Now()
	metrics.StageDuration.WithLabelValues(stage).Observe(now.Sub(start).Seconds())
	return rep.Finish(now), results, nil
}

func (r *Reclaimer) reclaim(ctx context.Context, t task) Result {
	addr := t.target.DistributionAccount
	log := r.log.With("validator", t.target.Validator, "account", addr)

	st, err := r.read(ctx, addr)
	switch {
	case chain.IsKind(err, chain.KindNotFound):
		return Result{Outcome: OutcomeAlreadyClosed}
	case err != nil:
		return failed(err)
	}

	if t.slot < st.Account.ExpiresAtSlot {
		log.Debug("reclaim: account not expired", "slot", t.slot, "expires_at_slot", st.Account.ExpiresAtSlot)
		return Result{Outcome: OutcomeNotExpired}
	}
	if unclaimed, excess := st.Account.Unclaimed(), st.ExcessLamports(); unclaimed > 0 || excess > 0 {
		err := fmt.Errorf("account still holds funds: unclaimed %d, excess lamports %d", unclaimed, excess)
		log.Warn("reclaim: refusing to close account with unclaimed funds", "unclaimed", unclaimed, "excess_lamports", excess)
		return Result{Outcome: OutcomeConflict, Kind: report.KindConflict, Err: err}
	}

	if r.cfg.DryRun {
		log.Info("reclaim: would close account", "rent_lamports", st.Lamports, "receiver", r.cfg.RentReceiver)
		return Result{Outcome: OutcomeWouldClose}
	}

	ix, err := r.cfg.Program.CloseAccount(addr, r.cfg.RentReceiver, r.cfg.Client.Payer())
	if err != nil {
		return Result{Outcome: OutcomeFailed, Kind: report.KindPermanent, Err: err}
	}

	var (
		res  Result
		sent bool
	)
	retryCfg := r.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("reclaim: retrying close", "attempt", attempt, "backoff", backoff, "error", err)
	}
	attempts, err := retry.DoCount(ctx, retryCfg, func(attempt int) error {
		if attempt > 1 {
			_, err := r.read(ctx, addr)
			if chain.IsKind(err, chain.KindNotFound) {
				res.Outcome = OutcomeAlreadyClosed
				if sent {
					res.Outcome = OutcomeClosed
				}
				return nil
			}
			if err != nil {
				return err
			}
		}

		sig, err := r.cfg.Client.Submit(ctx, ix)
		if !sig.IsZero() {
			sent = true
			res.Signature = sig
		}
		if err != nil {
			metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "error").Inc()
			return err
		}
		metrics.SubmissionAttemptsTotal.WithLabelValues(stage, "success").Inc()
		res.Outcome = OutcomeClosed
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		out := failed(err)
		out.Attempts, out.Signature = attempts, res.Signature
		log.Error("reclaim: close failed", "attempts", attempts, "error", err)
		return out
	}
	log.Info("reclaim: account closed", "outcome", res.Outcome, "rent_lamports", st.Lamports, "signature", res.Signature)
	return res
}

func (r *Reclaimer) read(ctx context.Context, addr solana.PublicKey) (*chain.DistributionAccountState, error) {
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
