// Package patch rewrites a player's identifier inside decoded save trees.
//
// A player is referenced from three places: the player's own save, the
// level's character index (keyed by the immutable instance id) and the raw
// member blobs of every guild the player belongs to.
package patch

import (
	"bytes"
	"fmt"

	"palfix.dev/internal/guid"
	"palfix.dev/internal/savetree"
)

// GuildGroupType marks GroupSaveDataMap entries that carry member blobs.
const GuildGroupType = "EPalGroupType::Guild"

var (
	saveDataPath   = []string{"root", "properties", "SaveData", "Struct", "value", "Struct"}
	playerUIDPath  = []string{"PlayerUId", "Struct", "value", "Guid"}
	individualPath = []string{"IndividualId", "Struct", "value", "Struct"}
	instanceIDPath = []string{"InstanceId", "Struct", "value", "Guid"}

	worldPath         = []string{"root", "properties", "worldSaveData", "Struct", "value", "Struct"}
	characterMapPath  = []string{"CharacterSaveParameterMap", "Map", "value"}
	characterKeyPath  = []string{"key", "Struct", "Struct"}
	groupMapPath      = []string{"GroupSaveDataMap", "Map", "value"}
	groupStructPath   = []string{"value", "Struct", "Struct"}
	groupTypePath     = []string{"GroupType", "Enum", "value"}
	groupRawBytesPath = []string{"RawData", "Array", "value", "Base", "Byte", "Byte"}
)

// Directive is the identifier swap applied to one player.
type Directive struct {
	Old guid.ID
	New guid.ID
}

// Result summarises what Apply changed.
type Result struct {
	InstanceID     string
	CharacterFound bool
	GuildsScanned  int
	GuildWindows   int
}

// Apply patches the player tree, then the level's character index and guilds.
// Both trees are modified in place.
func Apply(player, level *savetree.Value, d Directive) (Result, error) {
	var res Result
	inst, err := PlayerRecord(player, d.New)
	if err != nil {
		return res, fmt.Errorf("player record: %w", err)
	}
	res.InstanceID = inst

	if res.CharacterFound, err = CharacterIndex(level, inst, d.New); err != nil {
		return res, fmt.Errorf("character index: %w", err)
	}
	if res.GuildsScanned, res.GuildWindows, err = Guilds(level, d.Old, d.New); err != nil {
		return res, fmt.Errorf("guilds: %w", err)
	}
	return res, nil
}

// PlayerRecord writes newID into both PlayerUId fields of a player save and
// returns the player's instance id.
func PlayerRecord(player *savetree.Value, newID guid.ID) (string, error) {
	sd, err := player.Lookup(saveDataPath...)
	if err != nil {
		return "", err
	}
	ind, err := sd.Lookup(individualPath...)
	if err != nil {
		return "", err
	}
	instNode, err := ind.Lookup(instanceIDPath...)
	if err != nil {
		return "", err
	}
	inst, err := instNode.Str()
	if err != nil {
		return "", err
	}

	for _, base := range []*savetree.Value{sd, ind} {
		if err := setString(base, playerUIDPath, newID.String()); err != nil {
			return "", err
		}
	}
	return inst, nil
}

// CharacterIndex retargets the level's character entry for instanceID. It
// reports false, without error, when the level has no such entry.
func CharacterIndex(level *savetree.Value, instanceID string, newID guid.ID) (bool, error) {
	entries, err := arrayAt(level, worldPath, characterMapPath)
	if err != nil {
		return false, err
	}
	for i, e := range entries {
		key, err := e.Lookup(characterKeyPath...)
		if err != nil {
			return false, fmt.Errorf("entry %d: %w", i, err)
		}
		instNode, err := key.Lookup(instanceIDPath...)
		if err != nil {
			return false, fmt.Errorf("entry %d: %w", i, err)
		}
		inst, err := instNode.Str()
		if err != nil {
			return false, fmt.Errorf("entry %d: %w", i, err)
		}
		if !sameID(inst, instanceID) {
			continue
		}
		if err := setString(key, playerUIDPath, newID.String()); err != nil {
			return false, fmt.Errorf("entry %d: %w", i, err)
		}
		return true, nil
	}
	return false, nil
}

// Guilds replaces every occurrence of oldID's guild byte sequence in guild
// raw data. It returns the number of guilds scanned and windows replaced.
func Guilds(level *savetree.Value, oldID, newID guid.ID) (guilds, windows int, err error) {
	entries, err := arrayAt(level, worldPath, groupMapPath)
	if err != nil {
		return 0, 0, err
	}
	oldSeq, newSeq := oldID.GuildBytes(), newID.GuildBytes()
	for i, e := range entries {
		group, err := e.Lookup(groupStructPath...)
		if err != nil {
			return guilds, windows, fmt.Errorf("group %d: %w", i, err)
		}
		typNode, err := group.Lookup(groupTypePath...)
		if err != nil {
			return guilds, windows, fmt.Errorf("group %d: %w", i, err)
		}
		if typ, err := typNode.Str(); err != nil || typ != GuildGroupType {
			continue
		}
		rawNode, err := group.Lookup(groupRawBytesPath...)
		if err != nil {
			return guilds, windows, fmt.Errorf("group %d: %w", i, err)
		}
		raw, err := rawNode.Bytes()
		if err != nil {
			return guilds, windows, fmt.Errorf("group %d: %w", i, err)
		}
		guilds++
		if n := ReplaceWindows(raw, oldSeq[:], newSeq[:]); n > 0 {
			if err := rawNode.SetBytes(raw); err != nil {
				return guilds, windows, fmt.Errorf("group %d: %w", i, err)
			}
			windows += n
		}
	}
	return guilds, windows, nil
}

// ReplaceWindows slides a len(old) window over buf one byte at a time and
// overwrites each match with repl in place. Scanning resumes at the next
// byte, so a window overlapping freshly written bytes is compared against the
// patched contents.
func ReplaceWindows(buf, old, repl []byte) int {
	n := 0
	w := len(old)
	for i := 0; i+w <= len(buf); i++ {
		if bytes.Equal(buf[i:i+w], old) {
			copy(buf[i:i+w], repl)
			n++
		}
	}
	return n
}

func arrayAt(root *savetree.Value, paths ...[]string) ([]*savetree.Value, error) {
	var path []string
	for _, p := range paths {
		path = append(path, p...)
	}
	node, err := root.Lookup(path...)
	if err != nil {
		return nil, err
	}
	return node.Items()
}

func setString(base *savetree.Value, path []string, s string) error {
	node, err := base.Lookup(path...)
	if err != nil {
		return err
	}
	return node.SetString(s)
}

func sameID(a, b string) bool {
	if a == b {
		return true
	}
	x, err := guid.Parse(a)
	if err != nil {
		return false
	}
	y, err := guid.Parse(b)
	if err != nil {
		return false
	}
	return x == y
}
