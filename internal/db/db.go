// Package db mirrors the canonical battle table into SQL databases.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"battlelog/internal/table"
)

// TableName is the table every publisher replaces.
const TableName = "battles"

// Publisher replaces the mirrored table with the rows of rec.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, rec arrow.Record) (int64, error)
	Close() error
}

type dialect struct {
	integer  string
	real     string
	text     string
	boolean  string
	nested   string
	position func(i int) string
}

var (
	sqliteDialect = dialect{
		integer:  "INTEGER",
		real:     "REAL",
		text:     "TEXT",
		boolean:  "INTEGER",
		nested:   "TEXT",
		position: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		integer:  "BIGINT",
		real:     "DOUBLE PRECISION",
		text:     "TEXT",
		boolean:  "BOOLEAN",
		nested:   "TEXT",
		position: func(i int) string { return fmt.Sprintf("$%d", i+1) },
	}
)

func (d dialect) columnType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT64:
		return d.integer
	case arrow.FLOAT64:
		return d.real
	case arrow.BOOL:
		return d.boolean
	case arrow.STRUCT, arrow.LIST:
		return d.nested
	default:
		return d.text
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableSQL(d dialect, schema *arrow.Schema) string {
	defs := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		defs[i] = quoteIdent(f.Name) + " " + d.columnType(f.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(TableName), strings.Join(defs, ", "))
}

func insertSQL(d dialect, schema *arrow.Schema) string {
	names := make([]string, schema.NumFields())
	params := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = quoteIdent(f.Name)
		params[i] = d.position(i)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(TableName), strings.Join(names, ", "), strings.Join(params, ", "))
}

// rowValues converts row r into driver arguments. Nested values are encoded
// as JSON text; a null is nil.
func rowValues(rec arrow.Record, r int) ([]any, error) {
	args := make([]any, rec.NumCols())
	for c := range args {
		col := rec.Column(c)
		v := table.ToGo(col, r)
		switch col.DataType().ID() {
		case arrow.STRUCT, arrow.LIST:
			if v == nil {
				break
			}
			buf, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s row %d: %w", rec.ColumnName(c), r, err)
			}
			v = string(buf)
		}
		args[c] = v
	}
	return args, nil
}
