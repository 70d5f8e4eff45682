// Package consolidate merges any number of flat snapshot records with
// drifting schemas into one deduplicated, time-ordered canonical record.
package consolidate

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"battlelog/internal/table"
)

// Snapshot is one flat table as read from storage. Name identifies it in
// errors and the schema audit.
type Snapshot struct {
	Name   string
	Record arrow.Record
}

// Sink receives the canonical record once consolidation has fully succeeded.
type Sink interface {
	WriteCanonical(ctx context.Context, rec arrow.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec arrow.Record) error

func (f SinkFunc) WriteCanonical(ctx context.Context, rec arrow.Record) error { return f(ctx, rec) }

// Stats counts what happened to the rows of one run.
type Stats struct {
	Snapshots         int
	RowsIn            int64
	ExactDuplicates   int64
	MergedDuplicates  int64
	RowsOut           int64
	WinnersBackfilled int64
	DriftColumns      int
}

// Result is the outcome of a successful run. The caller owns Record.
type Result struct {
	Record arrow.Record
	Audit  []SnapshotAudit
	Stats  Stats
}

// Release frees the canonical record.
func (r *Result) Release() {
	if r != nil && r.Record != nil {
		r.Record.Release()
	}
}

// Consolidator carries the run settings.
type Consolidator struct {
	mem        memory.Allocator
	log        zerolog.Logger
	timeColumn string
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithAllocator sets the allocator for the canonical record.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *Consolidator) { c.mem = mem }
}

// WithLogger sets the logger used for audit warnings.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Consolidator) { c.log = log }
}

// WithTimeColumn names the column used for ordering. Defaults to battleTime.
func WithTimeColumn(name string) Option {
	return func(c *Consolidator) { c.timeColumn = name }
}

// New returns a Consolidator with the given options applied.
func New(opts ...Option) *Consolidator {
	c := &Consolidator{
		mem:        memory.DefaultAllocator,
		log:        zerolog.Nop(),
		timeColumn: table.BattleTimeColumn,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate runs a default Consolidator.
func Consolidate(ctx context.Context, snapshots []Snapshot, sink Sink) (*Result, error) {
	return New().Consolidate(ctx, snapshots, sink)
}

// Consolidate unions the snapshot schemas, stacks every row, drops exact
// and near duplicates, backfills winner, sorts by time descending and hands
// the record to sink. The sink is only called when every step succeeded; a
// nil sink skips that step.
func (c *Consolidator) Consolidate(ctx context.Context, snapshots []Snapshot, sink Sink) (*Result, error) {
	if len(snapshots) == 0 {
		return nil, &table.EmptyInputError{}
	}

	u, err := unionSchema(snapshots)
	if err != nil {
		return nil, err
	}
	if len(u.fields) == 0 {
		return nil, &table.EmptyInputError{}
	}
	audit := buildAudit(snapshots, u)
	c.logAudit(audit)

	stats := Stats{Snapshots: len(snapshots), DriftColumns: driftColumns(audit)}

	cols, rows, err := c.stack(snapshots, u)
	if err != nil {
		return nil, err
	}
	defer releaseAll(cols)
	stats.RowsIn = int64(rows)

	keep, exact := dedupExact(cols, rows)
	stats.ExactDuplicates = int64(exact)

	timeIdx := u.index(c.timeColumn)
	clusters, merged := mergeNear(cols, keep, timeIdx)
	stats.MergedDuplicates = int64(merged)

	order := sortByTime(cols, clusters, timeIdx)

	rec, backfilled, err := c.materialize(u, cols, clusters, order)
	if err != nil {
		return nil, err
	}
	stats.WinnersBackfilled = int64(backfilled)
	stats.RowsOut = rec.NumRows()

	if sink != nil {
		if err := sink.WriteCanonical(ctx, rec); err != nil {
			rec.Release()
			return nil, fmt.Errorf("write canonical table: %w", err)
		}
	}

	c.log.Info().
		Int("snapshots", stats.Snapshots).
		Int64("rows_in", stats.RowsIn).
		Int64("exact_duplicates", stats.ExactDuplicates).
		Int64("merged_duplicates", stats.MergedDuplicates).
		Int64("rows_out", stats.RowsOut).
		Int64("winners_backfilled", stats.WinnersBackfilled).
		Msg("Consolidation complete")

	return &Result{Record: rec, Audit: audit, Stats: stats}, nil
}

// stack appends every snapshot row into one set of union-typed columns.
// Columns a snapshot lacks are filled with nulls.
func (c *Consolidator) stack(snapshots []Snapshot, u *union) ([]arrow.Array, int, error) {
	builders := make([]array.Builder, len(u.fields))
	for i, f := range u.fields {
		builders[i] = array.NewBuilder(c.mem, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	rows := 0
	for _, snap := range snapshots {
		rec := snap.Record
		n := int(rec.NumRows())
		schema := rec.Schema()
		for i, f := range u.fields {
			src := table.ColumnIndex(schema, f.Name)
			if src < 0 {
				builders[i].AppendNulls(n)
				continue
			}
			col := rec.Column(src)
			for r := 0; r < n; r++ {
				if err := table.AppendValue(builders[i], col, r); err != nil {
					return nil, 0, fmt.Errorf("snapshot %s column %s: %w", snap.Name, f.Name, err)
				}
			}
		}
		rows += n
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	return cols, rows, nil
}

// materialize writes the surviving clusters in order. winner is derived for
// clusters that never carried one.
func (c *Consolidator) materialize(u *union, cols []arrow.Array, clusters []*cluster, order []int) (arrow.Record, int, error) {
	fields := u.fields
	winnerIdx := u.index(table.WinnerColumn)
	teamIdx := u.index(table.TeamCrownsColumn)
	oppIdx := u.index(table.OpponentCrownsColumn)
	derive := teamIdx >= 0 && oppIdx >= 0
	if winnerIdx < 0 && derive {
		fields = append(fields[:len(fields):len(fields)], arrow.Field{Name: table.WinnerColumn, Type: arrow.BinaryTypes.String, Nullable: true})
		winnerIdx = len(fields) - 1
	}

	out := make([]arrow.Array, 0, len(fields))
	defer func() { releaseAll(out) }()

	backfilled := 0
	for i, f := range fields {
		b := array.NewBuilder(c.mem, f.Type)
		for _, k := range order {
			cl := clusters[k]
			if i == winnerIdx && derive && (i >= len(cols) || table.IsNull(cols[i], cl.chosen[i])) {
				w := table.Winner(cols[teamIdx], cl.chosen[teamIdx], cols[oppIdx], cl.chosen[oppIdx])
				if err := appendWinner(b, w); err != nil {
					b.Release()
					return nil, 0, err
				}
				backfilled++
				continue
			}
			if err := table.AppendValue(b, cols[i], cl.chosen[i]); err != nil {
				b.Release()
				return nil, 0, fmt.Errorf("column %s: %w", f.Name, err)
			}
		}
		out = append(out, b.NewArray())
		b.Release()
	}

	rec := array.NewRecord(arrow.NewSchema(fields, nil), out, int64(len(order)))
	return rec, backfilled, nil
}

func appendWinner(b array.Builder, w string) error {
	sb, ok := b.(*array.StringBuilder)
	if !ok {
		return fmt.Errorf("column %s has type %s, want string", table.WinnerColumn, b.Type())
	}
	sb.Append(w)
	return nil
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}
