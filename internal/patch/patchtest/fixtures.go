// Package patchtest builds minimal converter-shaped trees for tests.
package patchtest

import (
	"testing"

	"palfix.dev/internal/patch"
	"palfix.dev/internal/savetree"
)

type Character struct {
	PlayerID   string
	InstanceID string
}

type Group struct {
	Type string
	Raw  []byte
}

func guidProp(id string) *savetree.Value {
	return savetree.Object(
		savetree.F("Struct", savetree.Object(
			savetree.F("value", savetree.Object(savetree.F("Guid", savetree.String(id)))),
			savetree.F("struct_type", savetree.String("Guid")),
			savetree.F("struct_id", savetree.String("00000000-0000-0000-0000-000000000000")),
		)),
	)
}

func structProp(fields ...savetree.Field) *savetree.Value {
	return savetree.Object(
		savetree.F("Struct", savetree.Object(
			savetree.F("value", savetree.Object(savetree.F("Struct", savetree.Object(fields...)))),
			savetree.F("struct_type", savetree.Object(savetree.F("Struct", savetree.String("PalIndividualCharacterHandleId")))),
		)),
	)
}

// Player returns a player save tree.
func Player(playerID, instanceID string) *savetree.Value {
	saveData := structProp(
		savetree.F("PlayerUId", guidProp(playerID)),
		savetree.F("IndividualId", structProp(
			savetree.F("PlayerUId", guidProp(playerID)),
			savetree.F("InstanceId", guidProp(instanceID)),
		)),
		savetree.F("LastTransform", savetree.Object(savetree.F("Struct", savetree.Null()))),
	)
	return savetree.Object(
		savetree.F("header", savetree.Object(savetree.F("magic", savetree.Int(1396790855)))),
		savetree.F("root", savetree.Object(
			savetree.F("save_game_type", savetree.String("/Script/Pal.PalWorldPlayerSaveGame")),
			savetree.F("properties", savetree.Object(savetree.F("SaveData", saveData))),
		)),
	)
}

// Level returns a level save tree with the given character index and groups.
func Level(chars []Character, groups []Group) *savetree.Value {
	charEntries := make([]*savetree.Value, 0, len(chars))
	for _, c := range chars {
		charEntries = append(charEntries, savetree.Object(
			savetree.F("key", savetree.Object(savetree.F("Struct", savetree.Object(savetree.F("Struct", savetree.Object(
				savetree.F("PlayerUId", guidProp(c.PlayerID)),
				savetree.F("InstanceId", guidProp(c.InstanceID)),
				savetree.F("DebugName", savetree.Object(savetree.F("Str", savetree.Object(savetree.F("value", savetree.String("")))))),
			)))))),
			savetree.F("value", savetree.Object(savetree.F("Struct", savetree.Object(savetree.F("Struct", savetree.Object()))))),
		))
	}
	groupEntries := make([]*savetree.Value, 0, len(groups))
	for _, g := range groups {
		raw := savetree.Array()
		_ = raw.SetBytes(g.Raw)
		groupEntries = append(groupEntries, savetree.Object(
			savetree.F("key", savetree.Object(savetree.F("Guid", savetree.String("11111111-2222-3333-4444-555555555555")))),
			savetree.F("value", savetree.Object(savetree.F("Struct", savetree.Object(savetree.F("Struct", savetree.Object(
				savetree.F("GroupType", savetree.Object(savetree.F("Enum", savetree.Object(
					savetree.F("value", savetree.String(g.Type)),
					savetree.F("enum_type", savetree.String("EPalGroupType")),
				)))),
				savetree.F("RawData", savetree.Object(savetree.F("Array", savetree.Object(
					savetree.F("array_type", savetree.String("ByteProperty")),
					savetree.F("value", savetree.Object(savetree.F("Base", savetree.Object(savetree.F("Byte", savetree.Object(savetree.F("Byte", raw))))))),
				)))),
			)))))),
		))
	}
	world := savetree.Object(
		savetree.F("Struct", savetree.Object(
			savetree.F("value", savetree.Object(savetree.F("Struct", savetree.Object(
				savetree.F("CharacterSaveParameterMap", savetree.Object(savetree.F("Map", savetree.Object(
					savetree.F("key_type", savetree.String("StructProperty")),
					savetree.F("value", savetree.Array(charEntries...)),
				)))),
				savetree.F("GroupSaveDataMap", savetree.Object(savetree.F("Map", savetree.Object(
					savetree.F("key_type", savetree.String("StructProperty")),
					savetree.F("value", savetree.Array(groupEntries...)),
				)))),
			)))),
		)),
	)
	return savetree.Object(
		savetree.F("root", savetree.Object(
			savetree.F("save_game_type", savetree.String("/Script/Pal.PalWorldSaveGame")),
			savetree.F("properties", savetree.Object(savetree.F("worldSaveData", world))),
		)),
	)
}

// Guild is a Group of the guild type.
func Guild(raw []byte) Group { return Group{Type: patch.GuildGroupType, Raw: raw} }

// PlayerIDs returns the top-level and IndividualId PlayerUId strings.
func PlayerIDs(t testing.TB, player *savetree.Value) (top, nested string) {
	t.Helper()
	sd, err := player.Lookup("root", "properties", "SaveData", "Struct", "value", "Struct")
	if err != nil {
		t.Fatalf("save data: %v", err)
	}
	return str(t, sd, "PlayerUId", "Struct", "value", "Guid"),
		str(t, sd, "IndividualId", "Struct", "value", "Struct", "PlayerUId", "Struct", "value", "Guid")
}

// CharacterPlayerIDs lists the PlayerUId of every character index entry.
func CharacterPlayerIDs(t testing.TB, level *savetree.Value) []string {
	t.Helper()
	entries := items(t, level, "CharacterSaveParameterMap")
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, str(t, e, "key", "Struct", "Struct", "PlayerUId", "Struct", "value", "Guid"))
	}
	return out
}

// GroupRaw returns the raw bytes of group i.
func GroupRaw(t testing.TB, level *savetree.Value, i int) []byte {
	t.Helper()
	entries := items(t, level, "GroupSaveDataMap")
	if i >= len(entries) {
		t.Fatalf("group %d of %d", i, len(entries))
	}
	node, err := entries[i].Lookup("value", "Struct", "Struct", "RawData", "Array", "value", "Base", "Byte", "Byte")
	if err != nil {
		t.Fatalf("group %d raw: %v", i, err)
	}
	b, err := node.Bytes()
	if err != nil {
		t.Fatalf("group %d raw: %v", i, err)
	}
	return b
}

func items(t testing.TB, level *savetree.Value, mapName string) []*savetree.Value {
	t.Helper()
	node, err := level.Lookup("root", "properties", "worldSaveData", "Struct", "value", "Struct", mapName, "Map", "value")
	if err != nil {
		t.Fatalf("%s: %v", mapName, err)
	}
	its, err := node.Items()
	if err != nil {
		t.Fatalf("%s: %v", mapName, err)
	}
	return its
}

func str(t testing.TB, v *savetree.Value, path ...string) string {
	t.Helper()
	node, err := v.Lookup(path...)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	s, err := node.Str()
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return s
}
