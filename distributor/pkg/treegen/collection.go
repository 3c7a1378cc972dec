package treegen

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
	"github.com/malbeclabs/mevdist/distributor/pkg/stakemeta"
	"golang.org/x/sync/errgroup"
)

const (
	stage = "build-tree"

	OutcomeBuilt   = "built"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Collection is the merkle-tree-collection artifact.
type Collection struct {
	artifact.Header
	ProgramID      solana.PublicKey      `json:"program_id"`
	StakeMetaRunID string                `json:"stake_meta_run_id,omitempty"`
	Trees          []GeneratedMerkleTree `json:"trees"`
}

// Tree returns the tree for a validator vote account.
func (c *Collection) Tree(validator solana.PublicKey) (*GeneratedMerkleTree, bool) {
	for i := range c.Trees {
		if c.Trees[i].ValidatorVoteAccount == validator {
			return &c.Trees[i], true
		}
	}
	return nil, false
}

type BuilderConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	ProgramID   solana.PublicKey
	Concurrency int
}

func (cfg *BuilderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
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

type Builder struct {
	log *slog.Logger
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Builder{log: cfg.Logger, cfg: cfg}, nil
}

// BuildCollection builds a tree for every stake meta in parallel. Validators with nothing
// to claim are skipped; a failing validator is reported without affecting the others.
func (b *Builder) BuildCollection(ctx context.Context, metas *stakemeta.Collection) (*Collection, *report.Report, error) {
	start := b.cfg.Clock.Now()
	rep := report.New(stage, metas.Epoch, start)

	trees := make([]*GeneratedMerkleTree, len(metas.StakeMetas))
	errs := make([]error, len(metas.StakeMetas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i := range metas.StakeMetas {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			trees[i], errs[i] = b.build(&metas.StakeMetas[i], metas.Epoch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("failed to build trees: %w", err)
	}

	coll := &Collection{
		Header:         artifact.NewHeader(artifact.KindMerkleTreeCollection, metas.Epoch, metas.Slot, start),
		ProgramID:      b.cfg.ProgramID,
		StakeMetaRunID: metas.RunID,
		Trees:          []GeneratedMerkleTree{},
	}
	for i := range metas.StakeMetas {
		validator := metas.StakeMetas[i].ValidatorVoteAccount
		switch err := errs[i]; {
		case errors.Is(err, ErrNothingToClaim):
			b.log.Debug("treegen: skipped validator with empty pool", "validator", validator)
			rep.Count(OutcomeSkipped)
			metrics.StageUnitsTotal.WithLabelValues(stage, OutcomeSkipped).Inc()
		case err != nil:
			b.log.Error("treegen: validator failed", "validator", validator, "error", err)
			rep.Fail(OutcomeFailed, report.Failure{Validator: validator.String(), Kind: stakemeta.Classify(err), Reason: err.Error()})
			metrics.StageUnitsTotal.WithLabelValues(stage, OutcomeFailed).Inc()
		default:
			coll.Trees = append(coll.Trees, *trees[i])
			rep.Count(OutcomeBuilt)
			metrics.StageUnitsTotal.WithLabelValues(stage, OutcomeBuilt).Inc()
		}
	}
	sort.Slice(coll.Trees, func(i, j int) bool {
		return bytes.Compare(coll.Trees[i].ValidatorVoteAccount[:], coll.Trees[j].ValidatorVoteAccount[:]) < 0
	})
	b.log.Info("treegen: built trees", "epoch", metas.Epoch, "trees", len(coll.Trees), "failed", len(rep.Failures))

	now := b.cfg.Clock.Now()
	metrics.StageDuration.WithLabelValues(stage).Observe(now.Sub(start).Seconds())
	return coll, rep.Finish(now), nil
}

func (b *Builder) build(meta *stakemeta.StakeMeta, epoch uint64) (*GeneratedMerkleTree, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	want, _, err := program.DeriveDistributionAccount(b.cfg.ProgramID, meta.ValidatorVoteAccount, epoch)
	if err != nil {
		return nil, err
	}
	if want != meta.DistributionAccount {
		return nil, fmt.Errorf("distribution account %s does not match derived address %s", meta.DistributionAccount, want)
	}
	return Build(meta)
}

func WriteCollection(ctx context.Context, store artifact.Store, location string, c *Collection) error {
	return artifact.WriteJSON(ctx, store, location, c)
}

// ReadCollection reads a tree artifact and re-verifies every tree. Trees that fail are
// dropped and returned as failures.
func ReadCollection(ctx context.Context, store artifact.Store, location string) (*Collection, []report.Failure, error) {
	var c Collection
	if err := artifact.ReadJSON(ctx, store, location, &c); err != nil {
		return nil, nil, err
	}
	if err := c.Header.Check(artifact.KindMerkleTreeCollection); err != nil {
		return nil, nil, fmt.Errorf("invalid merkle tree artifact %s: %w", location, err)
	}
	if c.ProgramID.IsZero() {
		return nil, nil, fmt.Errorf("invalid merkle tree artifact %s: missing program id", location)
	}

	var failures []report.Failure
	seen := make(map[solana.PublicKey]bool, len(c.Trees))
	valid := make([]GeneratedMerkleTree, 0, len(c.Trees))
	for _, t := range c.Trees {
		err := t.Verify()
		if err == nil && seen[t.ValidatorVoteAccount] {
			err = errors.New("duplicate tree")
		}
		if err == nil {
			want, _, derr := program.DeriveDistributionAccount(c.ProgramID, t.ValidatorVoteAccount, c.Epoch)
			if derr != nil || want != t.DistributionAccount {
				err = fmt.Errorf("distribution account %s does not match derived address", t.DistributionAccount)
			}
		}
		if err != nil {
			failures = append(failures, report.Failure{Validator: t.ValidatorVoteAccount.String(), Kind: report.KindData, Reason: err.Error()})
			continue
		}
		seen[t.ValidatorVoteAccount] = true
		valid = append(valid, t)
	}
	c.Trees = valid
	return &c, failures, nil
}
