// Package directive loads the list of identifier swaps to apply.
//
// The input is the same list the host hands out after players rejoin a
// migrated server: [{"name": "...", "old": "<guid>", "new": "<guid>"}].
package directive

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"palfix.dev/internal/guid"
)

//go:embed directives.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("directives.schema.json", schemaJSON)

var (
	ErrSameIdentifier = errors.New("old and new identifiers are equal")
	ErrOverlap        = errors.New("directives share an identifier")
)

// Entry is one raw element of the input list.
type Entry struct {
	Name string `json:"name" yaml:"name"`
	Old  string `json:"old" yaml:"old"`
	New  string `json:"new" yaml:"new"`
}

type Directive struct {
	Name string
	Old  guid.ID
	New  guid.ID
}

// Skip records a directive dropped because it could not be parsed.
type Skip struct {
	Index int
	Name  string
	Err   error
}

type Set struct {
	Directives []Directive
	// Incomplete counts entries without both identifiers.
	Incomplete int
	Skipped    []Skip
}

// Load reads a JSON or YAML (by extension) directive list.
func Load(path string) (Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Set{}, err
	}
	name := filepath.Base(path)

	var (
		doc     any
		entries []Entry
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Scalars are taken as written so an unquoted all-digit identifier
		// is an identifier, not a number.
		var root yaml.Node
		if err := yaml.Unmarshal(b, &root); err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
		doc = scalarText(&root)
		if err := schema.Validate(doc); err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(b, &doc); err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
		if err := schema.Validate(doc); err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
		if err := json.Unmarshal(b, &entries); err != nil {
			return Set{}, fmt.Errorf("%s: %w", name, err)
		}
	}

	set, err := Build(entries)
	if err != nil {
		return set, fmt.Errorf("%s: %w", name, err)
	}
	return set, nil
}

// scalarText converts a YAML tree to plain values, keeping every non-null
// scalar as its source string.
func scalarText(n *yaml.Node) any {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil
		}
		return scalarText(n.Content[0])
	case yaml.AliasNode:
		return scalarText(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			out = append(out, scalarText(c))
		}
		return out
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			out[n.Content[i].Value] = scalarText(n.Content[i+1])
		}
		return out
	default:
		if n.Tag == "!!null" {
			return nil
		}
		return n.Value
	}
}

// Build turns raw entries into directives, keeping input order. Entries
// missing either identifier are dropped; entries with an unparsable or
// degenerate identifier are reported in Skipped. Directives that share an
// identifier would race on the same files, so they fail the whole set.
func Build(entries []Entry) (Set, error) {
	var set Set
	seen := make(map[guid.ID]int)
	for i, e := range entries {
		if strings.TrimSpace(e.Old) == "" || strings.TrimSpace(e.New) == "" {
			set.Incomplete++
			continue
		}
		oldID, err := guid.Parse(e.Old)
		if err != nil {
			set.Skipped = append(set.Skipped, Skip{Index: i, Name: e.Name, Err: fmt.Errorf("old: %w", err)})
			continue
		}
		newID, err := guid.Parse(e.New)
		if err != nil {
			set.Skipped = append(set.Skipped, Skip{Index: i, Name: e.Name, Err: fmt.Errorf("new: %w", err)})
			continue
		}
		if oldID == newID {
			set.Skipped = append(set.Skipped, Skip{Index: i, Name: e.Name, Err: ErrSameIdentifier})
			continue
		}
		for _, id := range []guid.ID{oldID, newID} {
			if j, ok := seen[id]; ok {
				return set, fmt.Errorf("%w: entries %d and %d both name %s", ErrOverlap, j, i, id)
			}
			seen[id] = i
		}
		set.Directives = append(set.Directives, Directive{Name: e.Name, Old: oldID, New: newID})
	}
	return set, nil
}
