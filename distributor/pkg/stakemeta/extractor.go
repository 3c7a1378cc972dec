// Package stakemeta extracts per-validator stake metadata and tip allocations from a ledger
// snapshot.
package stakemeta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/mevdist/distributor/pkg/artifact"
	"github.com/malbeclabs/mevdist/distributor/pkg/metrics"
	"github.com/malbeclabs/mevdist/distributor/pkg/program"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/snapshot"
	"golang.org/x/sync/errgroup"
)

const (
	stage = "extract"

	OutcomeExtracted = "extracted"
	OutcomeFailed    = "failed"
)

type ExtractorConfig struct {
	Logger           *slog.Logger
	Clock            clockwork.Clock
	Reader           snapshot.Reader
	ProgramID        solana.PublicKey
	MinStakeLamports uint64
	Concurrency      int
}

func (cfg *ExtractorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("snapshot reader is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Extractor struct {
	log *slog.Logger
	cfg ExtractorConfig
}

func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{log: cfg.Logger, cfg: cfg}, nil
}

// validatorInput is everything gathered from the snapshot for one distribution account.
type validatorInput struct {
	tip         snapshot.TipAccount
	node        solana.PublicKey
	delegations []Delegation
	err         error
}

// Extract reads the snapshot at slot and computes a StakeMeta for every validator with a
// distribution account for epoch. A reader failure fails the run; any other failure is
// confined to its validator and recorded in the report.
func (e *Extractor) Extract(ctx context.Context, epoch, slot uint64) (*Collection, *report.Report, error) {
	start := e.cfg.Clock.Now()
	rep := report.New(stage, epoch, start)

	recs, err := e.cfg.Reader.FetchRecords(ctx, slot)
	if err != nil {
		return nil, nil, &SnapshotReadError{Slot: slot, Reason: "failed to fetch records", Err: err}
	}

	inputs := e.gather(recs, epoch)
	e.log.Info("stakemeta: extracting", "epoch", epoch, "slot", recs.Slot, "validators", len(inputs))

	metas := make([]*StakeMeta, len(inputs))
	errs := make([]error, len(inputs))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			if in.err != nil {
				errs[i] = in.err
				return nil
			}
			metas[i], errs[i] = e.buildMeta(in)
			return nil
		})
	}
	_ = g.Wait()

	coll := &Collection{Header: artifact.NewHeader(artifact.KindStakeMeta, epoch, recs.Slot, start)}
	for i, in := range inputs {
		if errs[i] != nil {
			e.log.Error("stakemeta: validator failed", "validator", in.tip.VoteAccount, "error", errs[i])
			rep.Fail(OutcomeFailed, report.Failure{
				Validator: in.tip.VoteAccount.String(),
				Kind:      Classify(errs[i]),
				Reason:    errs[i].Error(),
			})
			metrics.StageUnitsTotal.WithLabelValues(stage, OutcomeFailed).Inc()
			continue
		}
		coll.StakeMetas = append(coll.StakeMetas, *metas[i])
		rep.Count(OutcomeExtracted)
		metrics.StageUnitsTotal.WithLabelValues(stage, OutcomeExtracted).Inc()
	}
	if coll.StakeMetas == nil {
		coll.StakeMetas = []StakeMeta{}
	}

	now := e.cfg.Clock.Now()
	metrics.StageDuration.WithLabelValues(stage).Observe(now.Sub(start).Seconds())
	return coll, rep.Finish(now), nil
}

// gather groups active delegations by validator for every distribution account of the
// epoch. Inputs are returned sorted by vote account.
func (e *Extractor) gather(recs *snapshot.Records, epoch uint64) []validatorInput {
	nodes := make(map[solana.PublicKey]solana.PublicKey, len(recs.Validators))
	for _, v := range recs.Validators {
		nodes[v.VoteAccount] = v.NodeIdentity
	}

	seen := make(map[solana.PublicKey]int, len(recs.StakeAccounts))
	for _, sa := range recs.StakeAccounts {
		seen[sa.Pubkey]++
	}
	byVoter := make(map[solana.PublicKey][]Delegation)
	dupes := make(map[solana.PublicKey]solana.PublicKey)
	for _, sa := range recs.StakeAccounts {
		if !sa.ActiveAt(epoch) {
			continue
		}
		if seen[sa.Pubkey] > 1 {
			dupes[sa.Voter] = sa.Pubkey
			continue
		}
		byVoter[sa.Voter] = append(byVoter[sa.Voter], Delegation{
			StakeAccount: sa.Pubkey,
			Staker:       sa.Staker,
			Withdrawer:   sa.Withdrawer,
			StakeAmount:  sa.Stake,
		})
	}

	tips := make(map[solana.PublicKey]snapshot.TipAccount)
	var inputs []validatorInput
	for _, tip := range recs.TipAccounts {
		if tip.Epoch != epoch {
			continue
		}
		in := validatorInput{tip: tip, node: nodes[tip.VoteAccount], delegations: byVoter[tip.VoteAccount]}
		fail := func(reason string) {
			in.err = &SnapshotReadError{Validator: tip.VoteAccount, Slot: recs.Slot, Reason: reason}
		}
		if prev, ok := tips[tip.VoteAccount]; ok {
			fail(fmt.Sprintf("multiple distribution accounts (%s, %s)", prev.Pubkey, tip.Pubkey))
		}
		tips[tip.VoteAccount] = tip

		if in.err == nil {
			if _, ok := nodes[tip.VoteAccount]; !ok {
				fail("vote account missing from snapshot")
			}
		}
		if in.err == nil {
			if dup, ok := dupes[tip.VoteAccount]; ok {
				fail(fmt.Sprintf("stake account %s appears more than once", dup))
			}
		}
		if in.err == nil {
			want, _, err := program.DeriveDistributionAccount(e.cfg.ProgramID, tip.VoteAccount, epoch)
			if err != nil {
				in.err = &SnapshotReadError{Validator: tip.VoteAccount, Slot: recs.Slot, Reason: "failed to derive distribution account", Err: err}
			} else if want != tip.Pubkey {
				fail(fmt.Sprintf("distribution account %s does not match derived address %s", tip.Pubkey, want))
			}
		}
		inputs = append(inputs, in)
	}

	sort.SliceStable(inputs, func(i, j int) bool {
		return bytes.Compare(inputs[i].tip.VoteAccount[:], inputs[j].tip.VoteAccount[:]) < 0
	})
	return inputs
}

func (e *Extractor) buildMeta(in validatorInput) (*StakeMeta, error) {
	alloc, err := Allocate(in.tip.VoteAccount, in.tip.TipPool(), in.tip.CommissionBps, e.cfg.MinStakeLamports, in.delegations)
	if err != nil {
		return nil, err
	}
	m := &StakeMeta{
		ValidatorVoteAccount:  in.tip.VoteAccount,
		ValidatorNodeIdentity: in.node,
		DistributionAccount:   in.tip.Pubkey,
		TotalStake:            alloc.TotalStake,
		CommissionBps:         in.tip.CommissionBps,
		TipPoolLamports:       in.tip.TipPool(),
		ValidatorCutLamports:  alloc.ValidatorCut,
		Delegations:           alloc.Delegations,
	}
	if m.Delegations == nil {
		m.Delegations = []Delegation{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Classify maps an extraction error to its report kind.
func Classify(err error) report.Kind {
	var overflow *ArithmeticOverflowError
	if errors.As(err, &overflow) || errors.Is(err, ErrNonConservation) {
		return report.KindArithmetic
	}
	return report.KindData
}
