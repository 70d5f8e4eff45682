package consolidate

import (
	"errors"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"battlelog/internal/table"
)

// union is the ordered union of snapshot columns with reconciled types.
type union struct {
	fields []arrow.Field
	pos    map[string]int
}

func (u *union) index(name string) int {
	if i, ok := u.pos[name]; ok {
		return i
	}
	return -1
}

func unionSchema(snapshots []Snapshot) (*union, error) {
	u := &union{pos: make(map[string]int)}
	for _, snap := range snapshots {
		for _, f := range snap.Record.Schema().Fields() {
			dt := table.Nullable(f.Type)
			i, seen := u.pos[f.Name]
			if !seen {
				u.pos[f.Name] = len(u.fields)
				u.fields = append(u.fields, arrow.Field{Name: f.Name, Type: dt, Nullable: true})
				continue
			}
			merged, err := table.Unify(f.Name, u.fields[i].Type, dt)
			if err != nil {
				var conflict *table.TypeConflict
				if errors.As(err, &conflict) {
					return nil, &table.SchemaUnionError{
						Column:   conflict.Path,
						Snapshot: snap.Name,
						Left:     conflict.Left,
						Right:    conflict.Right,
					}
				}
				return nil, err
			}
			u.fields[i].Type = merged
		}
	}

	// winner stays a string column even if every snapshot only carried nulls.
	if i := u.index(table.WinnerColumn); i >= 0 && u.fields[i].Type.ID() == arrow.NULL {
		u.fields[i].Type = arrow.BinaryTypes.String
	}
	return u, nil
}

// SnapshotAudit records how one snapshot's columns relate to the union.
type SnapshotAudit struct {
	Snapshot string
	Rows     int64
	Present  []string
	Absent   []string
	// SuspectedRenames pairs a column only this snapshot (or some snapshots)
	// carries with a near-identical union column it lacks, e.g. a typo that
	// was later corrected. They stay separate columns.
	SuspectedRenames []Rename
}

// Rename is a pair of column names that differ by a small edit distance.
type Rename struct {
	Column  string
	Similar string
}

func buildAudit(snapshots []Snapshot, u *union) []SnapshotAudit {
	presentIn := make(map[string]int)
	for _, snap := range snapshots {
		for _, f := range snap.Record.Schema().Fields() {
			presentIn[f.Name]++
		}
	}

	audit := make([]SnapshotAudit, len(snapshots))
	for s, snap := range snapshots {
		schema := snap.Record.Schema()
		a := SnapshotAudit{Snapshot: snap.Name, Rows: snap.Record.NumRows()}
		for _, f := range u.fields {
			if table.ColumnIndex(schema, f.Name) >= 0 {
				a.Present = append(a.Present, f.Name)
			} else {
				a.Absent = append(a.Absent, f.Name)
			}
		}
		for _, p := range a.Present {
			if presentIn[p] == len(snapshots) {
				continue
			}
			for _, abs := range a.Absent {
				if similar(p, abs) {
					a.SuspectedRenames = append(a.SuspectedRenames, Rename{Column: p, Similar: abs})
				}
			}
		}
		audit[s] = a
	}
	return audit
}

func (c *Consolidator) logAudit(audit []SnapshotAudit) {
	for _, a := range audit {
		if len(a.Absent) > 0 {
			c.log.Debug().
				Str("snapshot", a.Snapshot).
				Strs("absent_columns", a.Absent).
				Msg("Snapshot lacks union columns")
		}
		for _, r := range a.SuspectedRenames {
			c.log.Warn().
				Str("snapshot", a.Snapshot).
				Str("column", r.Column).
				Str("similar_to", r.Similar).
				Msg("Possible renamed column kept separate")
		}
	}
}

// driftColumns counts union columns missing from at least one snapshot.
func driftColumns(audit []SnapshotAudit) int {
	drift := make(map[string]struct{})
	for _, a := range audit {
		for _, name := range a.Absent {
			drift[name] = struct{}{}
		}
	}
	return len(drift)
}

// similar reports names within edit distance 2, ignoring case.
func similar(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	if d := len(a) - len(b); d > 2 || d < -2 {
		return false
	}
	return levenshtein(a, b) <= 2
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
