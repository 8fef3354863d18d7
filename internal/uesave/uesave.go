// Package uesave runs the external uesave converter to turn GVAS save bodies
// into property-tree JSON and back.
package uesave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"palfix.dev/internal/savetree"
)

// DefaultTypeMaps are the struct-typed map keys uesave cannot infer for
// world saves.
var DefaultTypeMaps = []string{
	".worldSaveData.CharacterSaveParameterMap.Key=Struct",
	".worldSaveData.FoliageGridSaveDataMap.Key=Struct",
	".worldSaveData.FoliageGridSaveDataMap.ModelMap.InstanceDataMap.Key=Struct",
	".worldSaveData.MapObjectSpawnerInStageSaveData.Key=Struct",
	".worldSaveData.ItemContainerSaveData.Key=Struct",
	".worldSaveData.CharacterContainerSaveData.Key=Struct",
}

var ErrNotExecutable = errors.New("uesave: converter path must point at the executable")

// Exec invokes the converter binary at Path. Intermediate files live in a
// fresh directory under TempDir (os.TempDir when empty) and are removed
// after each call.
type Exec struct {
	Path     string
	TypeMaps []string
	TempDir  string
}

// New checks path before any save is touched. A bare name is looked up in
// PATH.
func New(path string, typeMaps []string) (*Exec, error) {
	if path != "" && filepath.Base(path) == path {
		if p, err := exec.LookPath(path); err == nil {
			path = p
		}
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotExecutable, path)
	}
	if len(typeMaps) == 0 {
		typeMaps = DefaultTypeMaps
	}
	return &Exec{Path: path, TypeMaps: typeMaps}, nil
}

// ToJSONArgs builds the to-json command line.
func (e *Exec) ToJSONArgs(out string) []string {
	args := []string{"to-json", "--output", out}
	for _, m := range e.TypeMaps {
		args = append(args, "--type", m)
	}
	return args
}

// FromJSONArgs builds the from-json command line.
func (e *Exec) FromJSONArgs(in, out string) []string {
	return []string{"from-json", "--input", in, "--output", out}
}

func (e *Exec) DecodeTree(ctx context.Context, gvas []byte) (*savetree.Value, error) {
	dir, err := os.MkdirTemp(e.TempDir, "palfix-uesave-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "save.json")
	if err := e.run(ctx, bytes.NewReader(gvas), e.ToJSONArgs(out)); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("uesave to-json: %w", err)
	}
	tree, err := savetree.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("uesave to-json: %w", err)
	}
	return tree, nil
}

func (e *Exec) EncodeTree(ctx context.Context, tree *savetree.Value) ([]byte, error) {
	dir, err := os.MkdirTemp(e.TempDir, "palfix-uesave-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "save.json")
	out := filepath.Join(dir, "save.gvas")
	if err := os.WriteFile(in, tree.AppendJSON(nil), 0o600); err != nil {
		return nil, err
	}
	if err := e.run(ctx, nil, e.FromJSONArgs(in, out)); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("uesave from-json: %w", err)
	}
	return b, nil
}

func (e *Exec) run(ctx context.Context, stdin *bytes.Reader, args []string) error {
	cmd := exec.CommandContext(ctx, e.Path, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("uesave %s: %w", args[0], err)
		}
		return fmt.Errorf("uesave %s: %w: %s", args[0], err, msg)
	}
	return nil
}
