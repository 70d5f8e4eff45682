package table

import (
	"errors"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clanType = arrow.StructOf(
	arrow.Field{Name: "tag", Type: arrow.BinaryTypes.String, Nullable: true},
	arrow.Field{Name: "badgeId", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
)

func fromJSON(t *testing.T, dt arrow.DataType, js string) arrow.Array {
	t.Helper()
	arr, _, err := array.FromJSON(memory.DefaultAllocator, dt, strings.NewReader(js))
	require.NoError(t, err)
	t.Cleanup(arr.Release)
	return arr
}

func TestUnify(t *testing.T) {
	i64 := arrow.PrimitiveTypes.Int64
	f64 := arrow.PrimitiveTypes.Float64
	str := arrow.BinaryTypes.String

	tests := []struct {
		name string
		a, b arrow.DataType
		want arrow.DataType
	}{
		{"identical", str, str, str},
		{"nil left", nil, i64, i64},
		{"null right", i64, arrow.Null, i64},
		{"int widens", i64, f64, f64},
		{"list elements", arrow.ListOf(i64), arrow.ListOf(f64), arrow.ListOf(f64)},
		{"list of null", arrow.ListOf(arrow.Null), arrow.ListOf(str), arrow.ListOf(str)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unify("col", tt.a, tt.b)
			require.NoError(t, err)
			assert.True(t, arrow.TypeEqual(tt.want, got), "got %s", got)
		})
	}
}

func TestUnifyStructUnionsFieldsByName(t *testing.T) {
	a := arrow.StructOf(
		arrow.Field{Name: "tag", Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: "badgeId", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	)
	b := arrow.StructOf(
		arrow.Field{Name: "badgeId", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		arrow.Field{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	)

	got, err := Unify("clan", a, b)
	require.NoError(t, err)

	st := got.(*arrow.StructType)
	require.Equal(t, 3, st.NumFields())
	assert.Equal(t, "tag", st.Field(0).Name)
	assert.Equal(t, "badgeId", st.Field(1).Name)
	assert.Equal(t, arrow.FLOAT64, st.Field(1).Type.ID())
	assert.Equal(t, "name", st.Field(2).Name)
}

func TestUnifyConflictNamesPath(t *testing.T) {
	a := arrow.StructOf(arrow.Field{Name: "tag", Type: arrow.BinaryTypes.String, Nullable: true})
	b := arrow.StructOf(arrow.Field{Name: "tag", Type: arrow.PrimitiveTypes.Int64, Nullable: true})

	_, err := Unify("teamClan", a, b)
	var conflict *TypeConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "teamClan.tag", conflict.Path)
}

func TestAppendValueCastsAndFillsMissingFields(t *testing.T) {
	src := fromJSON(t, arrow.StructOf(
		arrow.Field{Name: "badgeId", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	), `[{"badgeId": 7}, null]`)

	dst := arrow.StructOf(
		arrow.Field{Name: "tag", Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: "badgeId", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	)
	b := array.NewBuilder(memory.DefaultAllocator, dst)
	defer b.Release()

	for i := 0; i < src.Len(); i++ {
		require.NoError(t, AppendValue(b, src, i))
	}
	out := b.NewArray().(*array.Struct)
	defer out.Release()

	require.Equal(t, 2, out.Len())
	assert.True(t, out.Field(0).IsNull(0))
	assert.Equal(t, 7.0, out.Field(1).(*array.Float64).Value(0))
	assert.True(t, out.IsNull(1))
}

func TestAppendValueRejectsIncompatible(t *testing.T) {
	src := fromJSON(t, arrow.BinaryTypes.String, `["x"]`)
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()

	assert.Error(t, AppendValue(b, src, 0))
}

func TestEqualNullTolerance(t *testing.T) {
	arr := fromJSON(t, clanType, `[
		{"tag": "#A", "badgeId": 1},
		{"tag": "#A", "badgeId": null},
		{"tag": "#B", "badgeId": 1}
	]`)

	assert.True(t, Equal(arr, 0, arr, 1, true))
	assert.False(t, Equal(arr, 0, arr, 1, false))
	assert.False(t, Equal(arr, 0, arr, 2, true))
	assert.True(t, Equal(arr, 0, arr, 0, false))
}

func TestEqualLists(t *testing.T) {
	arr := fromJSON(t, arrow.ListOf(arrow.PrimitiveTypes.Int64), `[[1, 2], [1, null], [1], null]`)

	assert.True(t, Equal(arr, 0, arr, 1, true))
	assert.False(t, Equal(arr, 0, arr, 1, false))
	assert.False(t, Equal(arr, 0, arr, 2, true), "different lengths never match")
	assert.True(t, Equal(arr, 0, arr, 3, true))
}

func TestRichness(t *testing.T) {
	arr := fromJSON(t, clanType, `[{"tag": "#A", "badgeId": 1}, {"tag": "#A", "badgeId": null}, null]`)

	assert.Equal(t, 2, Richness(arr, 0))
	assert.Equal(t, 1, Richness(arr, 1))
	assert.Equal(t, 0, Richness(arr, 2))

	lists := fromJSON(t, arrow.ListOf(arrow.PrimitiveTypes.Int64), `[[], null]`)
	assert.Greater(t, Richness(lists, 0), Richness(lists, 1))
}

func TestKeyDistinguishesNullFromValue(t *testing.T) {
	arr := fromJSON(t, clanType, `[
		{"tag": "#A", "badgeId": 1},
		{"tag": "#A", "badgeId": 1},
		{"tag": "#A", "badgeId": null}
	]`)

	assert.Equal(t, Key(arr, 0), Key(arr, 1))
	assert.NotEqual(t, Key(arr, 0), Key(arr, 2))
}

func TestIsNullOnNullType(t *testing.T) {
	arr := array.NewNull(3)
	defer arr.Release()

	assert.True(t, IsNull(arr, 1))
	assert.Nil(t, ToGo(arr, 1))
}

func TestToGo(t *testing.T) {
	arr := fromJSON(t, arrow.ListOf(clanType), `[[{"tag": "#A", "badgeId": 3}]]`)

	got := ToGo(arr, 0)
	assert.Equal(t, []any{map[string]any{"tag": "#A", "badgeId": int64(3)}}, got)
}

func TestWinner(t *testing.T) {
	team := fromJSON(t, arrow.PrimitiveTypes.Int64, `[3, 3, 0, null]`)
	opp := fromJSON(t, arrow.PrimitiveTypes.Float64, `[1, 3, 1, 0]`)

	assert.Equal(t, SideTeam, Winner(team, 0, opp, 0))
	assert.Equal(t, SideOpponent, Winner(team, 1, opp, 1), "ties go to the opponent")
	assert.Equal(t, SideOpponent, Winner(team, 2, opp, 2))
	assert.Equal(t, SideOpponent, Winner(team, 3, opp, 3))
	assert.Equal(t, SideOpponent, Winner(nil, 0, opp, 0))
	assert.Equal(t, SideTeam, Winner(team, 0, opp, 2), "slots are addressed independently")
}
