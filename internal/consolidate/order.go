package consolidate

import (
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"battlelog/internal/table"
)

// timeLayouts are tried in order. The first is the API's compact form,
// e.g. 20241103T201512.000Z.
var timeLayouts = []string{
	"20060102T150405.000Z",
	"20060102T150405Z",
	time.RFC3339Nano,
}

// ParseBattleTime parses the time formats seen in battle logs.
func ParseBattleTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type sortKey struct {
	valid bool
	t     time.Time
	n     float64
}

func keyAt(arr arrow.Array, i int) sortKey {
	if arr == nil || table.IsNull(arr, i) {
		return sortKey{}
	}
	switch v := arr.(type) {
	case *array.String:
		if t, ok := ParseBattleTime(v.Value(i)); ok {
			return sortKey{valid: true, t: t}
		}
	case *array.Int64:
		return sortKey{valid: true, n: float64(v.Value(i))}
	case *array.Float64:
		return sortKey{valid: true, n: v.Value(i)}
	}
	return sortKey{}
}

// after reports whether a sorts before b in descending time order.
func (a sortKey) after(b sortKey) bool {
	if a.valid != b.valid {
		return a.valid
	}
	if !a.valid {
		return false
	}
	if !a.t.IsZero() || !b.t.IsZero() {
		return a.t.After(b.t)
	}
	return a.n > b.n
}

// sortByTime returns cluster indices ordered by time descending. Ties keep
// input order and clusters without a parseable time go last.
func sortByTime(cols []arrow.Array, clusters []*cluster, timeIdx int) []int {
	order := make([]int, len(clusters))
	keys := make([]sortKey, len(clusters))
	var timeCol arrow.Array
	if timeIdx >= 0 {
		timeCol = cols[timeIdx]
	}
	for i, cl := range clusters {
		order[i] = i
		if timeCol != nil {
			keys[i] = keyAt(timeCol, cl.chosen[timeIdx])
		}
	}
	sort.SliceStable(order, func(x, y int) bool {
		return keys[order[x]].after(keys[order[y]])
	})
	return order
}
