package db

import (
	"context"
	"database/sql"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var battleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "battleTime", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "teamCrowns", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "elixir", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "isLadderTournament", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	{Name: "teamCards", Type: arrow.ListOf(arrow.StructOf(
		arrow.Field{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: "level", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	)), Nullable: true},
	{Name: "winner", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func battles(t *testing.T, rows string) arrow.Record {
	t.Helper()
	rec, _, err := array.RecordFromJSON(memory.DefaultAllocator, battleSchema, strings.NewReader(rows))
	require.NoError(t, err)
	t.Cleanup(rec.Release)
	return rec
}

func openTestSQLite(t *testing.T) *SQLPublisher {
	t.Helper()
	p, err := OpenSQLite(filepath.Join(t.TempDir(), "battles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestSQLitePublish(t *testing.T) {
	p := openTestSQLite(t)
	rec := battles(t, `[
		{"battleTime": "20240102T000000.000Z", "teamCrowns": 3, "elixir": 1.5, "isLadderTournament": false,
		 "teamCards": [{"name": "Knight", "level": 11}], "winner": "team"},
		{"battleTime": "20240101T000000.000Z", "teamCrowns": null, "elixir": null, "isLadderTournament": null,
		 "teamCards": null, "winner": "opponent"}
	]`)

	n, err := p.Publish(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var count int
	require.NoError(t, p.DB().QueryRow(`SELECT count(*) FROM battles`).Scan(&count))
	assert.Equal(t, 2, count)

	var crowns sql.NullInt64
	var elixir sql.NullFloat64
	var cards sql.NullString
	var winner string
	row := p.DB().QueryRow(`SELECT "teamCrowns", "elixir", "teamCards", "winner" FROM battles WHERE "battleTime" = ?`,
		"20240102T000000.000Z")
	require.NoError(t, row.Scan(&crowns, &elixir, &cards, &winner))
	assert.Equal(t, int64(3), crowns.Int64)
	assert.Equal(t, 1.5, elixir.Float64)
	assert.JSONEq(t, `[{"name":"Knight","level":11}]`, cards.String)
	assert.Equal(t, "team", winner)

	row = p.DB().QueryRow(`SELECT "teamCrowns", "teamCards" FROM battles WHERE "battleTime" = ?`,
		"20240101T000000.000Z")
	require.NoError(t, row.Scan(&crowns, &cards))
	assert.False(t, crowns.Valid)
	assert.False(t, cards.Valid)
}

func TestSQLitePublishReplacesTable(t *testing.T) {
	p := openTestSQLite(t)
	ctx := context.Background()

	_, err := p.Publish(ctx, battles(t, `[{"battleTime": "a"}, {"battleTime": "b"}, {"battleTime": "c"}]`))
	require.NoError(t, err)
	_, err = p.Publish(ctx, battles(t, `[{"battleTime": "d"}]`))
	require.NoError(t, err)

	var times []string
	rows, err := p.DB().Query(`SELECT "battleTime" FROM battles`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		times = append(times, s)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"d"}, times)
}

func TestSQLitePublishNoColumns(t *testing.T) {
	p := openTestSQLite(t)
	rec := array.NewRecord(arrow.NewSchema(nil, nil), nil, 0)
	defer rec.Release()

	_, err := p.Publish(context.Background(), rec)
	assert.Error(t, err)
}

func TestTursoDSNEscapesToken(t *testing.T) {
	assert.Equal(t, "libsql://db.turso.io", tursoDSN("libsql://db.turso.io", ""))

	dsn := tursoDSN("libsql://db.turso.io", "a+b&c=d/e")
	assert.Equal(t, "libsql://db.turso.io?authToken=a%2Bb%26c%3Dd%2Fe", dsn)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "a+b&c=d/e", u.Query().Get("authToken"))
}

func TestStatements(t *testing.T) {
	assert.Equal(t,
		`CREATE TABLE "battles" ("battleTime" TEXT, "teamCrowns" INTEGER, "elixir" REAL, "isLadderTournament" INTEGER, "teamCards" TEXT, "winner" TEXT)`,
		createTableSQL(sqliteDialect, battleSchema))
	assert.Equal(t,
		`INSERT INTO "battles" ("battleTime", "teamCrowns", "elixir", "isLadderTournament", "teamCards", "winner") VALUES ($1, $2, $3, $4, $5, $6)`,
		insertSQL(postgresDialect, battleSchema))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
	assert.Equal(t, `'it''s'`, quoteLiteral("it's"))
}
