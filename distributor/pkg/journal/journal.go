// Package journal persists claim settlement transitions in PostgreSQL.
package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/malbeclabs/mevdist/distributor/pkg/report"
	"github.com/malbeclabs/mevdist/distributor/pkg/settle"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var _ settle.Journal = (*Journal)(nil)

// Connect opens a pool against connString and pings it.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies pending migrations.
func Migrate(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("journal: running migrations")
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

type Journal struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Journal{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (j *Journal) Load(ctx context.Context, epoch uint64) (map[settle.Key]settle.Entry, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT validator, claimant, distribution_account, amount::text, state, kind, attempts, signatures, reason
		FROM claim_journal
		WHERE epoch = $1`, int64(epoch))
	if err != nil {
		return nil, fmt.Errorf("failed to query claim journal: %w", err)
	}
	defer rows.Close()

	out := make(map[settle.Key]settle.Entry)
	for rows.Next() {
		var (
			validator, claimant, dist, amount, state, kind, reason string
			attempts                                               int
			sigs                                                   []string
		)
		if err := rows.Scan(&validator, &claimant, &dist, &amount, &state, &kind, &attempts, &sigs, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan claim journal row: %w", err)
		}
		entry, err := decodeEntry(validator, claimant, dist, amount, sigs)
		if err != nil {
			return nil, fmt.Errorf("failed to decode claim journal row for %s: %w", claimant, err)
		}
		entry.State = settle.State(state)
		entry.Kind = report.Kind(kind)
		entry.Attempts = attempts
		entry.Reason = reason
		out[entry.Key] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claim journal rows: %w", err)
	}
	return out, nil
}

// Record upserts e. A row already in a terminal state is left unchanged.
func (j *Journal) Record(ctx context.Context, epoch uint64, e settle.Entry) error {
	sigs := make([]string, len(e.Signatures))
	for i, s := range e.Signatures {
		sigs[i] = s.String()
	}
	tag, err := j.pool.Exec(ctx, `
		INSERT INTO claim_journal
			(epoch, validator, claimant, distribution_account, amount, state, kind, attempts, signatures, reason)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (epoch, validator, claimant) DO UPDATE SET
			state = EXCLUDED.state,
			kind = EXCLUDED.kind,
			attempts = EXCLUDED.attempts,
			signatures = EXCLUDED.signatures,
			reason = EXCLUDED.reason,
			updated_at = now()
		WHERE claim_journal.state NOT IN ('confirmed', 'already_claimed', 'permanently_failed')`,
		int64(epoch), e.Validator.String(), e.Claimant.String(), e.DistributionAccount.String(),
		strconv.FormatUint(e.Amount, 10), string(e.State), string(e.Kind), e.Attempts, sigs, e.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record claim journal entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		j.log.Debug("journal: terminal entry left unchanged", "claimant", e.Claimant, "state", e.State)
	}
	return nil
}

func decodeEntry(validator, claimant, dist, amount string, sigs []string) (settle.Entry, error) {
	var (
		e   settle.Entry
		err error
	)
	if e.Validator, err = solana.PublicKeyFromBase58(validator); err != nil {
		return e, fmt.Errorf("invalid validator: %w", err)
	}
	if e.Claimant, err = solana.PublicKeyFromBase58(claimant); err != nil {
		return e, fmt.Errorf("invalid claimant: %w", err)
	}
	if e.DistributionAccount, err = solana.PublicKeyFromBase58(dist); err != nil {
		return e, fmt.Errorf("invalid distribution account: %w", err)
	}
	if e.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return e, fmt.Errorf("invalid amount: %w", err)
	}
	for _, s := range sigs {
		sig, err := solana.SignatureFromBase58(s)
		if err != nil {
			return e, fmt.Errorf("invalid signature: %w", err)
		}
		e.Signatures = append(e.Signatures, sig)
	}
	return e, nil
}
