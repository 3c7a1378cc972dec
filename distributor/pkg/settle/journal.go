package settle

import "context"

// Journal persists claim transitions so a restarted run does not resubmit settled claims.
type Journal interface {
	// Load returns every recorded entry for epoch.
	Load(ctx context.Context, epoch uint64) (map[Key]Entry, error)
	// Record upserts e. Implementations must not replace a terminal entry.
	Record(ctx context.Context, epoch uint64, e Entry) error
}
