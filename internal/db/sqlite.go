package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// SQLPublisher writes the table through database/sql. It serves both a local
// SQLite file and a remote Turso database.
type SQLPublisher struct {
	db   *sql.DB
	name string
}

// OpenSQLite opens (or creates) a local SQLite database.
func OpenSQLite(path string) (*SQLPublisher, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// one writer is all SQLite allows anyway
	db.SetMaxOpenConns(1)
	return &SQLPublisher{db: db, name: "sqlite"}, nil
}

// tursoDSN appends the escaped auth token to the database URL.
func tursoDSN(dbURL, authToken string) string {
	if authToken == "" {
		return dbURL
	}
	return dbURL + "?authToken=" + url.QueryEscape(authToken)
}

// OpenTurso connects to a Turso database and checks the connection.
func OpenTurso(dbURL, authToken string) (*SQLPublisher, error) {
	db, err := sql.Open("libsql", tursoDSN(dbURL, authToken))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Turso: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping Turso: %w", err)
	}

	return &SQLPublisher{db: db, name: "turso"}, nil
}

func (p *SQLPublisher) Name() string { return p.name }

// DB exposes the connection for queries against the mirror.
func (p *SQLPublisher) DB() *sql.DB { return p.db }

func (p *SQLPublisher) Close() error { return p.db.Close() }

// Publish drops and recreates the battles table and inserts every row, all
// inside one transaction.
func (p *SQLPublisher) Publish(ctx context.Context, rec arrow.Record) (int64, error) {
	schema := rec.Schema()
	if schema.NumFields() == 0 {
		return 0, fmt.Errorf("%s: table has no columns", p.name)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(TableName)); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to drop %s: %w", TableName, err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(sqliteDialect, schema)); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to create %s: %w", TableName, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(sqliteDialect, schema))
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	for r := 0; r < int(rec.NumRows()); r++ {
		args, err := rowValues(rec, r)
		if err == nil {
			_, err = stmt.ExecContext(ctx, args...)
		}
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return 0, fmt.Errorf("failed to insert row %d: %w", r, err)
		}
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rec.NumRows(), nil
}
