package db

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresBatchSize = 500

// PostgresPublisher mirrors the table into PostgreSQL.
type PostgresPublisher struct {
	pool *pgxpool.Pool
}

// NewPostgresPublisher creates a connection pool and checks it.
func NewPostgresPublisher(ctx context.Context, dbURL string) (*PostgresPublisher, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresPublisher{pool: pool}, nil
}

func (p *PostgresPublisher) Name() string { return "postgres" }

// Pool returns the underlying connection pool for custom queries
func (p *PostgresPublisher) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresPublisher) Close() error {
	p.pool.Close()
	return nil
}

// Publish replaces the battles table in one transaction, sending inserts in
// batches.
func (p *PostgresPublisher) Publish(ctx context.Context, rec arrow.Record) (int64, error) {
	schema := rec.Schema()
	if schema.NumFields() == 0 {
		return 0, fmt.Errorf("postgres: table has no columns")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(TableName)); err != nil {
		return 0, fmt.Errorf("failed to drop %s: %w", TableName, err)
	}
	if _, err := tx.Exec(ctx, createTableSQL(postgresDialect, schema)); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", TableName, err)
	}

	query := insertSQL(postgresDialect, schema)
	rows := int(rec.NumRows())
	for start := 0; start < rows; start += postgresBatchSize {
		end := min(start+postgresBatchSize, rows)

		batch := &pgx.Batch{}
		for r := start; r < end; r++ {
			args, err := rowValues(rec, r)
			if err != nil {
				return 0, err
			}
			batch.Queue(query, args...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("failed to insert rows %d-%d: %w", start, end-1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return rec.NumRows(), nil
}
