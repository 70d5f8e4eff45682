// Package normalize flattens a parsed battle log into one row per
// (match, side slot) with deterministic column names.
package normalize

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"battlelog/internal/logging"
	"battlelog/internal/table"
)

// Normalizer holds the allocator and the field mappings used to flatten
// records.
type Normalizer struct {
	mem         memory.Allocator
	arena       *Mapping
	gameMode    *Mapping
	participant *Mapping
	log         *logging.ComponentLogger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAllocator sets the allocator for output arrays.
func WithAllocator(mem memory.Allocator) Option {
	return func(n *Normalizer) { n.mem = mem }
}

// WithLogger sets the logger that reports matches dropped for having no
// participants.
func WithLogger(log *logging.ComponentLogger) Option {
	return func(n *Normalizer) { n.log = log }
}

// WithParticipantMapping replaces the mapping applied to team and opponent
// entries.
func WithParticipantMapping(m *Mapping) Option {
	return func(n *Normalizer) { n.participant = m }
}

// New returns a Normalizer using the documented battle-log mappings.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		mem:         memory.DefaultAllocator,
		arena:       ArenaMapping,
		gameMode:    GameModeMapping,
		participant: ParticipantMapping,
		log:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize flattens rec with the default Normalizer.
func Normalize(rec arrow.Record) (arrow.Record, error) {
	return New().Normalize(rec)
}

// column is a pending output column: values are taken from arr at idx, and
// a negative index (or a nil arr) yields null.
type column struct {
	name string
	typ  arrow.DataType
	arr  arrow.Array
	idx  []int
}

// Normalize explodes team and opponent position-wise, unnests arena,
// gameMode, both sides and their clans in place, and appends winner. On
// error no record is returned.
func (n *Normalizer) Normalize(rec arrow.Record) (arrow.Record, error) {
	schema := rec.Schema()
	if schema.NumFields() == 0 {
		return array.NewRecord(arrow.NewSchema(nil, nil), nil, 0), nil
	}

	if table.ColumnIndex(schema, table.WinnerColumn) >= 0 {
		return nil, &table.SchemaMismatchError{Struct: "battle", Field: table.WinnerColumn, Reason: "column is derived and must not be present in the input"}
	}
	for _, name := range []string{n.arena.Name, n.gameMode.Name, table.SideTeam, table.SideOpponent} {
		if table.ColumnIndex(schema, name) < 0 {
			return nil, &table.SchemaMismatchError{Struct: "battle", Field: name, Reason: "missing required column"}
		}
	}

	team, err := sideList(rec, table.SideTeam)
	if err != nil {
		return nil, err
	}
	opponent, err := sideList(rec, table.SideOpponent)
	if err != nil {
		return nil, err
	}

	rows, teamIdx, oppIdx, empty := explode(team, opponent, int(rec.NumRows()))
	if empty > 0 {
		n.log.Warn().Int("matches", empty).Msg("Dropped matches with neither team nor opponent entries")
	}

	var cols []column
	for c, f := range schema.Fields() {
		arr := rec.Column(c)
		switch f.Name {
		case n.arena.Name:
			err = n.unnest(&cols, "arena", f.Name, n.arena, arr, rows)
		case n.gameMode.Name:
			err = n.unnest(&cols, "gamemode", f.Name, n.gameMode, arr, rows)
		case table.SideTeam:
			err = n.unnest(&cols, table.SideTeam, f.Name, n.participant, listValues(team), teamIdx)
		case table.SideOpponent:
			err = n.unnest(&cols, table.SideOpponent, f.Name, n.participant, listValues(opponent), oppIdx)
		default:
			cols = append(cols, column{name: f.Name, typ: f.Type, arr: arr, idx: rows})
		}
		if err != nil {
			return nil, err
		}
	}

	return n.materialize(cols, len(rows))
}

// sideList returns the list column for a side, or nil when the column is
// entirely null.
func sideList(rec arrow.Record, name string) (*array.List, error) {
	arr := rec.Column(table.ColumnIndex(rec.Schema(), name))
	switch v := arr.(type) {
	case *array.List:
		return v, nil
	case *array.Null:
		return nil, nil
	}
	return nil, &table.SchemaMismatchError{Struct: "battle", Field: name, Reason: fmt.Sprintf("expected a list, got %s", arr.DataType())}
}

func listValues(l *array.List) arrow.Array {
	if l == nil {
		return nil
	}
	return l.ListValues()
}

func listLen(l *array.List, i int) (start, length int) {
	if l == nil || l.IsNull(i) {
		return 0, 0
	}
	s, e := l.ValueOffsets(i)
	return int(s), int(e - s)
}

// explode pairs the i-th team entry with the i-th opponent entry of each
// match, producing max(k, m) rows. Missing slots index -1. Matches with
// both sides null or empty produce no row and are counted in empty.
func explode(team, opponent *array.List, nrows int) (rows, teamIdx, oppIdx []int, empty int) {
	for r := 0; r < nrows; r++ {
		ts, k := listLen(team, r)
		ostart, m := listLen(opponent, r)
		if k == 0 && m == 0 {
			empty++
			continue
		}
		for s := 0; s < max(k, m); s++ {
			rows = append(rows, r)
			if s < k {
				teamIdx = append(teamIdx, ts+s)
			} else {
				teamIdx = append(teamIdx, -1)
			}
			if s < m {
				oppIdx = append(oppIdx, ostart+s)
			} else {
				oppIdx = append(oppIdx, -1)
			}
		}
	}
	return rows, teamIdx, oppIdx, empty
}

// unnest validates arr against m and appends one column per mapped field,
// named prefix+Target. arr is nil or of the null type when the struct never
// carried a value.
func (n *Normalizer) unnest(cols *[]column, prefix, path string, m *Mapping, arr arrow.Array, idx []int) error {
	var st *array.Struct
	if arr != nil && arr.DataType().ID() != arrow.NULL {
		var ok bool
		st, ok = arr.(*array.Struct)
		if !ok {
			return &table.SchemaMismatchError{Struct: path, Reason: fmt.Sprintf("expected a struct, got %s", arr.DataType())}
		}
		if err := validate(path, m, st.DataType().(*arrow.StructType)); err != nil {
			return err
		}
	}

	var stType *arrow.StructType
	if st != nil {
		stType = st.DataType().(*arrow.StructType)
	}
	childIdx := make([]int, len(idx))
	for i, j := range idx {
		if st == nil || j < 0 || st.IsNull(j) {
			childIdx[i] = -1
		} else {
			childIdx[i] = j
		}
	}

	for _, f := range m.Fields {
		var child arrow.Array
		if stType != nil {
			if fi, ok := stType.FieldIdx(f.Source); ok {
				child = st.Field(fi)
			}
		}
		if child == nil && f.Sparse {
			continue
		}

		name := prefix + f.Target
		if f.Nested != nil {
			if err := n.unnest(cols, name, path+"."+f.Source, f.Nested, child, childIdx); err != nil {
				return err
			}
			continue
		}

		typ := f.Type
		if child != nil && !untyped(child.DataType()) {
			typ = child.DataType()
		}
		*cols = append(*cols, column{name: name, typ: typ, arr: child, idx: childIdx})
	}
	return nil
}

// validate checks the actual struct fields against the mapping: every field
// must be known and every required field present.
func validate(path string, m *Mapping, st *arrow.StructType) error {
	for _, f := range st.Fields() {
		if _, ok := m.lookup(f.Name); !ok {
			return &table.SchemaMismatchError{
				Struct:   path,
				Field:    f.Name,
				Reason:   "unknown field",
				Expected: len(m.Fields),
				Actual:   st.NumFields(),
			}
		}
	}
	for _, f := range m.Fields {
		if !f.Required {
			continue
		}
		if _, ok := st.FieldIdx(f.Source); !ok {
			return &table.SchemaMismatchError{
				Struct:   path,
				Field:    f.Source,
				Reason:   "missing required field",
				Expected: len(m.Fields),
				Actual:   st.NumFields(),
			}
		}
	}
	return nil
}

// untyped reports whether dt was inferred from nulls only.
func untyped(dt arrow.DataType) bool {
	switch t := dt.(type) {
	case *arrow.NullType:
		return true
	case *arrow.ListType:
		return untyped(t.Elem())
	}
	return false
}

func (n *Normalizer) materialize(cols []column, nrows int) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(cols)+1)
	arrs := make([]arrow.Array, 0, len(cols)+1)
	defer func() {
		for _, a := range arrs {
			a.Release()
		}
	}()

	var teamCrowns, oppCrowns arrow.Array
	for _, c := range cols {
		b := array.NewBuilder(n.mem, c.typ)
		b.Reserve(nrows)
		for _, j := range c.idx {
			if c.arr == nil || j < 0 {
				b.AppendNull()
				continue
			}
			if err := table.AppendValue(b, c.arr, j); err != nil {
				b.Release()
				return nil, fmt.Errorf("column %s: %w", c.name, err)
			}
		}
		arr := b.NewArray()
		b.Release()

		fields = append(fields, arrow.Field{Name: c.name, Type: c.typ, Nullable: true})
		arrs = append(arrs, arr)
		switch c.name {
		case table.TeamCrownsColumn:
			teamCrowns = arr
		case table.OpponentCrownsColumn:
			oppCrowns = arr
		}
	}

	wb := array.NewStringBuilder(n.mem)
	wb.Reserve(nrows)
	for i := 0; i < nrows; i++ {
		wb.Append(table.Winner(teamCrowns, i, oppCrowns, i))
	}
	arrs = append(arrs, wb.NewArray())
	wb.Release()
	fields = append(fields, arrow.Field{Name: table.WinnerColumn, Type: arrow.BinaryTypes.String, Nullable: true})

	return array.NewRecord(arrow.NewSchema(fields, nil), arrs, int64(nrows)), nil
}
