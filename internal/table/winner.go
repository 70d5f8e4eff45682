package table

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Column names shared by the normalizer and the consolidator.
const (
	BattleTimeColumn     = "battleTime"
	WinnerColumn         = "winner"
	TeamCrownsColumn     = "teamCrowns"
	OpponentCrownsColumn = "opponentCrowns"

	SideTeam     = "team"
	SideOpponent = "opponent"
)

// Winner returns SideTeam iff both crown counts are known and the team's
// (slot ti of teamCrowns) is strictly greater than the opponent's (slot oi of
// opponentCrowns). Ties and unknown counts go to SideOpponent.
func Winner(teamCrowns arrow.Array, ti int, opponentCrowns arrow.Array, oi int) string {
	t, ok := number(teamCrowns, ti)
	if !ok {
		return SideOpponent
	}
	o, ok := number(opponentCrowns, oi)
	if !ok {
		return SideOpponent
	}
	if t > o {
		return SideTeam
	}
	return SideOpponent
}

func number(arr arrow.Array, i int) (float64, bool) {
	if arr == nil || IsNull(arr, i) {
		return 0, false
	}
	switch v := arr.(type) {
	case *array.Int64:
		return float64(v.Value(i)), true
	case *array.Float64:
		return v.Value(i), true
	}
	return 0, false
}
