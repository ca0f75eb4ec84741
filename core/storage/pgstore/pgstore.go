// Package pgstore implements the partition stores on PostgreSQL. Each
// partition is its own database reached through its own pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/txerrors"
)

// Config names the two databases.
type Config struct {
	StudioDSN    string `yaml:"studio_dsn"`
	ClienteleDSN string `yaml:"clientele_dsn"`
}

// Open connects both pools and creates the schema when missing.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (storage.Stores, error) {
	studio, err := OpenStudio(ctx, cfg.StudioDSN, logger)
	if err != nil {
		return storage.Stores{}, err
	}
	clientele, err := OpenClientele(ctx, cfg.ClienteleDSN, logger)
	if err != nil {
		studio.Close()
		return storage.Stores{}, err
	}
	return storage.Stores{Studio: studio, Clientele: clientele}, nil
}

func connect(ctx context.Context, dsn, schema string, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	if err := pingDB(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	if logger != nil {
		cc := pool.Config().ConnConfig
		logger.Info("Partition store connected", zap.String("host", cc.Host), zap.String("database", cc.Database))
	}
	return pool, nil
}

func pingDB(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}

func beginTx(ctx context.Context, pool *pgxpool.Pool, writable bool) (pgx.Tx, error) {
	mode := pgx.ReadOnly
	if writable {
		mode = pgx.ReadWrite
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: mode})
	if err != nil {
		return nil, fmt.Errorf("begin: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	return tx, nil
}

// pgTx holds what both partition transactions share.
type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	return nil
}

func (t pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// advance keeps a serial sequence ahead of an explicitly written id.
func (t pgTx) advance(ctx context.Context, table, column string, id int64) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%[1]s', '%[2]s'), GREATEST($1, (SELECT last_value FROM %[1]s_%[2]s_seq)))`, table, column),
		id,
	)
	return mapErr(err, "advance "+table+" sequence")
}

// mapErr turns driver errors into the shared taxonomy.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, txerrors.ErrRecordNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%s: %s: %w", what, pgErr.Detail, txerrors.ErrRecordNotFound)
	}
	return fmt.Errorf("%s: %v: %w", what, err, txerrors.ErrPersistenceFailure)
}

func positive(kind string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%s id must be positive, got %d", kind, id)
	}
	return nil
}
