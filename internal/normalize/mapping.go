package normalize

import "github.com/apache/arrow-go/v18/arrow"

// Field maps one source struct field onto a flat output column.
type Field struct {
	Source string
	Target string
	// Type is used when the source field is absent or carries no type
	// information (all nulls, empty lists).
	Type     arrow.DataType
	Required bool
	// Sparse fields produce a column only when the payload carries them.
	Sparse bool
	// Nested fields are unnested in place with Target as their prefix.
	Nested *Mapping
}

// Mapping is an explicit source-name to target-name table for one struct.
type Mapping struct {
	Name   string
	Fields []Field
}

func (m *Mapping) lookup(source string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Source == source {
			return f, true
		}
	}
	return Field{}, false
}

var (
	i64 = arrow.PrimitiveTypes.Int64
	str = arrow.BinaryTypes.String
)

func nullable(name string, dt arrow.DataType) arrow.Field {
	return arrow.Field{Name: name, Type: dt, Nullable: true}
}

// CardType is the card struct as the API documents it.
var CardType = arrow.StructOf(
	nullable("name", str),
	nullable("id", i64),
	nullable("level", i64),
	nullable("starLevel", i64),
	nullable("evolutionLevel", i64),
	nullable("maxLevel", i64),
	nullable("maxEvolutionLevel", i64),
	nullable("rarity", str),
	nullable("elixirCost", i64),
	nullable("iconUrls", arrow.StructOf(
		nullable("medium", str),
		nullable("evolutionMedium", str),
	)),
)

// ArenaMapping produces arenaId and arenaName.
var ArenaMapping = &Mapping{
	Name: "arena",
	Fields: []Field{
		{Source: "id", Target: "Id", Type: i64, Required: true},
		{Source: "name", Target: "Name", Type: str, Required: true},
		{Source: "rawName", Target: "RawName", Type: str, Sparse: true},
	},
}

// GameModeMapping produces gamemodeId and gamemodeName.
var GameModeMapping = &Mapping{
	Name: "gameMode",
	Fields: []Field{
		{Source: "id", Target: "Id", Type: i64, Required: true},
		{Source: "name", Target: "Name", Type: str, Required: true},
	},
}

// ClanMapping produces the ClanTag, ClanName and ClanBadgeId columns of a side.
var ClanMapping = &Mapping{
	Name: "clan",
	Fields: []Field{
		{Source: "tag", Target: "Tag", Type: str},
		{Source: "name", Target: "Name", Type: str},
		{Source: "badgeId", Target: "BadgeId", Type: i64},
	},
}

// ParticipantMapping covers one entry of the team or opponent list.
var ParticipantMapping = &Mapping{
	Name: "participant",
	Fields: []Field{
		{Source: "tag", Target: "Tag", Type: str, Required: true},
		{Source: "name", Target: "Name", Type: str, Required: true},
		{Source: "startingTrophies", Target: "StartingTrophies", Type: i64},
		{Source: "trophyChange", Target: "TrophyChange", Type: i64},
		{Source: "crowns", Target: "Crowns", Type: i64, Required: true},
		{Source: "kingTowerHitPoints", Target: "KingTowerHitPoints", Type: i64},
		{Source: "princessTowersHitPoints", Target: "PrincessTowerHitPoints", Type: arrow.ListOf(i64)},
		{Source: "clan", Target: "Clan", Nested: ClanMapping},
		{Source: "cards", Target: "Cards", Type: arrow.ListOf(CardType), Required: true},
		{Source: "supportCards", Target: "SupportCards", Type: arrow.ListOf(CardType), Sparse: true},
		{Source: "globalRank", Target: "GlobalRank", Type: i64, Sparse: true},
		{Source: "elixirLeaked", Target: "ElixirLeaked", Type: arrow.PrimitiveTypes.Float64, Sparse: true},
	},
}
