package consolidate

import (
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/bits-and-blooms/bloom/v3"

	"battlelog/internal/table"
)

// rowKey renders a whole stacked row. Column values are separated by a
// control character that never appears in a rendered value unquoted.
func rowKey(cols []arrow.Array, r int) string {
	var sb strings.Builder
	for i, c := range cols {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		sb.WriteString(table.Key(c, r))
	}
	return sb.String()
}

// dedupExact drops rows identical to an earlier row, nulls included. The
// bloom filter answers "definitely new" for most rows so the key set is
// only consulted on a possible hit.
func dedupExact(cols []arrow.Array, rows int) (keep []int, dropped int) {
	filter := bloom.NewWithEstimates(uint(max(rows, 1)), 0.001)
	seen := make(map[string]struct{}, rows)

	for r := 0; r < rows; r++ {
		key := rowKey(cols, r)
		if filter.TestString(key) {
			if _, dup := seen[key]; dup {
				dropped++
				continue
			}
		}
		filter.AddString(key)
		seen[key] = struct{}{}
		keep = append(keep, r)
	}
	return keep, dropped
}

// cluster is one logical record: the rows merged into it and, per column,
// the row holding the richest value seen so far.
type cluster struct {
	first  int
	chosen []int
}

func newCluster(ncols, row int) *cluster {
	cl := &cluster{first: row, chosen: make([]int, ncols)}
	for i := range cl.chosen {
		cl.chosen[i] = row
	}
	return cl
}

// matches reports whether row r agrees with the cluster on every column
// where both sides are non-null.
func (cl *cluster) matches(cols []arrow.Array, r int) bool {
	for i, c := range cols {
		if !table.Equal(c, cl.chosen[i], c, r, true) {
			return false
		}
	}
	return true
}

// absorb folds row r into the cluster. On equal richness the smaller
// rendered value wins so the outcome does not depend on arrival order.
func (cl *cluster) absorb(cols []arrow.Array, r int) {
	for i, c := range cols {
		rr, cr := table.Richness(c, r), table.Richness(c, cl.chosen[i])
		if rr > cr || (rr == cr && table.Key(c, r) < table.Key(c, cl.chosen[i])) {
			cl.chosen[i] = r
		}
	}
	cl.first = min(cl.first, r)
}

// canonical orders rows richest first, then by rendered row. Exact
// duplicates are gone by now so the order is total.
func canonical(cols []arrow.Array, rows []int) {
	rich := make(map[int]int, len(rows))
	keys := make(map[int]string, len(rows))
	for _, r := range rows {
		for _, c := range cols {
			rich[r] += table.Richness(c, r)
		}
		keys[r] = rowKey(cols, r)
	}
	sort.Slice(rows, func(a, b int) bool {
		ra, rb := rows[a], rows[b]
		if rich[ra] != rich[rb] {
			return rich[ra] > rich[rb]
		}
		return keys[ra] < keys[rb]
	})
}

// mergeNear folds rows that are equal wherever both are non-null into one
// cluster. Rows are bucketed by their time value and each bucket is walked
// in canonical order, so the clusters depend only on the row set. Rows
// without a time go last and may join any cluster. Clusters come back
// ordered by their earliest input row.
func mergeNear(cols []arrow.Array, rows []int, timeIdx int) (clusters []*cluster, merged int) {
	byTime := make(map[string][]int)
	var untimed []int
	for _, r := range rows {
		if timeIdx < 0 || table.IsNull(cols[timeIdx], r) {
			untimed = append(untimed, r)
			continue
		}
		key := table.Key(cols[timeIdx], r)
		byTime[key] = append(byTime[key], r)
	}

	times := make([]string, 0, len(byTime))
	for k := range byTime {
		times = append(times, k)
	}
	sort.Strings(times)

	fold := func(pool []*cluster, bucket []int) []*cluster {
		canonical(cols, bucket)
		for _, r := range bucket {
			var target *cluster
			for _, cl := range pool {
				if cl.matches(cols, r) {
					target = cl
					break
				}
			}
			if target == nil {
				pool = append(pool, newCluster(len(cols), r))
				continue
			}
			target.absorb(cols, r)
			merged++
		}
		return pool
	}

	for _, k := range times {
		clusters = append(clusters, fold(nil, byTime[k])...)
	}
	clusters = fold(clusters, untimed)

	sort.Slice(clusters, func(a, b int) bool { return clusters[a].first < clusters[b].first })
	return clusters, merged
}
