package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestMEVDist_Snapshot_FileReader(t *testing.T) {
	t.Parallel()

	vote := solana.NewWallet().PublicKey()
	recs := Records{
		Slot:        42,
		Validators:  []Validator{{VoteAccount: vote}},
		TipAccounts: []TipAccount{{Pubkey: solana.NewWallet().PublicKey(), VoteAccount: vote, Lamports: 150, RentExemptLamports: 50}},
	}
	data, err := json.Marshal(recs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reader := &FileReader{Path: path}
	got, err := reader.FetchRecords(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, vote, got.Validators[0].VoteAccount)
	require.Equal(t, uint64(100), got.TipAccounts[0].TipPool())

	_, err = reader.FetchRecords(context.Background(), 43)
	require.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = (&FileReader{Path: filepath.Join(t.TempDir(), "missing.json")}).FetchRecords(context.Background(), 42)
	require.Error(t, err)
}

func TestMEVDist_Snapshot_TipPoolBelowRent(t *testing.T) {
	t.Parallel()

	require.Zero(t, TipAccount{Lamports: 10, RentExemptLamports: 20}.TipPool())
}
