// Package artifact defines the versioned envelope shared by every stage output and the
// stores that persist them immutably.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope version this build reads and writes.
const Version = 1

const (
	KindStakeMeta            = "stake-meta"
	KindMerkleTreeCollection = "merkle-tree-collection"
)

var (
	ErrExists             = errors.New("artifact already exists")
	ErrNotFound           = errors.New("artifact not found")
	ErrUnsupportedVersion = errors.New("unsupported artifact version")
	ErrKindMismatch       = errors.New("artifact kind mismatch")
)

// Header is embedded at the top of every artifact.
type Header struct {
	Version     int       `json:"version"`
	Kind        string    `json:"kind"`
	Epoch       uint64    `json:"epoch"`
	Slot        uint64    `json:"slot"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

func NewHeader(kind string, epoch, slot uint64, now time.Time) Header {
	return Header{
		Version:     Version,
		Kind:        kind,
		Epoch:       epoch,
		Slot:        slot,
		RunID:       uuid.NewString(),
		GeneratedAt: now.UTC(),
	}
}

// Check verifies the header describes an artifact of the wanted kind this build can read.
func (h Header) Check(kind string) error {
	if h.Kind != kind {
		return fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, h.Kind, kind)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.RunID != "" {
		if _, err := uuid.Parse(h.RunID); err != nil {
			return fmt.Errorf("invalid run id %q: %w", h.RunID, err)
		}
	}
	return nil
}

// Store persists artifacts by location. Writes never replace an existing artifact.
type Store interface {
	Write(ctx context.Context, location string, data []byte) error
	Read(ctx context.Context, location string) ([]byte, error)
}

func WriteJSON(ctx context.Context, store Store, location string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	data = append(data, '\n')
	if err := store.Write(ctx, location, data); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", location, err)
	}
	return nil
}

func ReadJSON(ctx context.Context, store Store, location string, v any) error {
	data, err := store.Read(ctx, location)
	if err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", location, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", location, err)
	}
	return nil
}
