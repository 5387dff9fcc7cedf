package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Cache shared between several instances.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connStr and creates the cache tables.
func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS topicfeed_blocks (
			mode SMALLINT NOT NULL,
			tag TEXT NOT NULL,
			block BIGINT NOT NULL,
			PRIMARY KEY (mode, tag, block)
		);
		CREATE TABLE IF NOT EXISTS topicfeed_records (
			mode SMALLINT NOT NULL,
			tag TEXT NOT NULL,
			block BIGINT NOT NULL,
			tx_hash TEXT NOT NULL,
			previous BIGINT NOT NULL,
			creation BIGINT NOT NULL,
			sender TEXT NOT NULL,
			input BYTEA NOT NULL,
			PRIMARY KEY (mode, tag, block, tx_hash)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Lookup(ctx context.Context, key Key) ([]Entry, bool, error) {
	var stored bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM topicfeed_blocks WHERE mode = $1 AND tag = $2 AND block = $3)`,
		int16(key.Mode), key.Tag, int64(key.Block),
	).Scan(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("lookup block: %w", err)
	}
	if !stored {
		return nil, false, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT tx_hash, previous, creation, sender, input FROM topicfeed_records
		 WHERE mode = $1 AND tag = $2 AND block = $3
		 ORDER BY creation DESC`,
		int16(key.Mode), key.Tag, int64(key.Block),
	)
	if err != nil {
		return nil, false, fmt.Errorf("lookup records: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var previous int64
		err := row.Scan(&e.TxHash, &previous, &e.Creation, &e.From, &e.Input)
		e.Previous = uint64(previous)
		return e, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("read records: %w", err)
	}
	return entries, true, nil
}

func (p *Postgres) Store(ctx context.Context, key Key, entries []Entry) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(
				`INSERT INTO topicfeed_records (mode, tag, block, tx_hash, previous, creation, sender, input)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (mode, tag, block, tx_hash) DO NOTHING`,
				int16(key.Mode), key.Tag, int64(key.Block), e.TxHash, int64(e.Previous), e.Creation, e.From, nonNil(e.Input),
			)
		}
		batch.Queue(
			`INSERT INTO topicfeed_blocks (mode, tag, block) VALUES ($1, $2, $3)
			 ON CONFLICT (mode, tag, block) DO NOTHING`,
			int16(key.Mode), key.Tag, int64(key.Block),
		)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("store block %d: %w", key.Block, err)
		}
		return nil
	})
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
