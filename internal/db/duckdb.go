package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDBPublisher loads the canonical parquet file into a DuckDB database,
// keeping nested columns as native DuckDB structs and lists.
type DuckDBPublisher struct {
	db          *sql.DB
	parquetPath string
}

// OpenDuckDB opens the database at path ("" for in-memory). Publish reads
// the table from parquetPath, so the canonical file must be written first.
func OpenDuckDB(path, parquetPath string) (*DuckDBPublisher, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	return &DuckDBPublisher{db: db, parquetPath: parquetPath}, nil
}

func (p *DuckDBPublisher) Name() string { return "duckdb" }

func (p *DuckDBPublisher) DB() *sql.DB { return p.db }

func (p *DuckDBPublisher) Close() error { return p.db.Close() }

// Publish ignores the rows of rec beyond a count check and reads the parquet
// file instead.
func (p *DuckDBPublisher) Publish(ctx context.Context, rec arrow.Record) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)",
		quoteIdent(TableName), quoteLiteral(p.parquetPath))
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", p.parquetPath, err)
	}

	var n int64
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(TableName)).Scan(&n); err != nil {
		return 0, err
	}
	if rec != nil && n != rec.NumRows() {
		return 0, fmt.Errorf("duckdb: loaded %d rows, canonical table has %d", n, rec.NumRows())
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
