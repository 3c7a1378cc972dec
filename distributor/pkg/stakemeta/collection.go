package stakemeta

import (
	"context"
	"fmt"

	"github.com/malbeclabs/mevdist/distributor/pkg/artifact"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
)

// Collection is the stake-meta artifact.
type Collection struct {
	artifact.Header
	StakeMetas []StakeMeta `json:"stake_metas"`
}

func WriteCollection(ctx context.Context, store artifact.Store, location string, c *Collection) error {
	return artifact.WriteJSON(ctx, store, location, c)
}

// ReadCollection reads and validates a stake-meta artifact. Records that fail validation
// are dropped from the collection and returned as failures.
func ReadCollection(ctx context.Context, store artifact.Store, location string) (*Collection, []report.Failure, error) {
	var c Collection
	if err := artifact.ReadJSON(ctx, store, location, &c); err != nil {
		return nil, nil, err
	}
	if err := c.Header.Check(artifact.KindStakeMeta); err != nil {
		return nil, nil, fmt.Errorf("invalid stake-meta artifact %s: %w", location, err)
	}

	var failures []report.Failure
	seen := make(map[string]bool, len(c.StakeMetas))
	valid := make([]StakeMeta, 0, len(c.StakeMetas))
	for _, m := range c.StakeMetas {
		key := m.ValidatorVoteAccount.String()
		err := m.Validate()
		if err == nil && seen[key] {
			err = fmt.Errorf("duplicate record")
		}
		if err != nil {
			failures = append(failures, report.Failure{Validator: key, Kind: Classify(err), Reason: err.Error()})
			continue
		}
		seen[key] = true
		valid = append(valid, m)
	}
	c.StakeMetas = valid
	return &c, failures, nil
}
