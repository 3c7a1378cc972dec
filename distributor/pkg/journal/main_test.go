package journal

import (
	"context"
	"log/slog"
	"os"
	"testing"

	mevtesting "github.com/malbeclabs/mevdist/utils/pkg/testing"
)

var testDB *mevtesting.Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = mevtesting.NewPostgres(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	pool, err := Connect(ctx, testDB.ConnStr())
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		testDB.Close()
		os.Exit(1)
	}
	err = Migrate(ctx, log, pool)
	pool.Close()
	if err != nil {
		slog.Error("failed to migrate", "error", err)
		testDB.Close()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
