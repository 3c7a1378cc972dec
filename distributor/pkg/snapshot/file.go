package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileReader reads records from a JSON export.
type FileReader struct {
	Path string
}

func (r *FileReader) FetchRecords(ctx context.Context, slot uint64) (*Records, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", r.Path, err)
	}
	var recs Records
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", r.Path, err)
	}
	return (&StaticReader{Records: &recs}).FetchRecords(ctx, slot)
}
