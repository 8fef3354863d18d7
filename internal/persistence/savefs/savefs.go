// Package savefs maps identifiers onto the files of a world save directory:
//
//	<root>/Level.sav
//	<root>/Players/<UPPERHEX>.sav
package savefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"palfix.dev/internal/directive"
	"palfix.dev/internal/guid"
)

const (
	LevelFile  = "Level.sav"
	PlayersDir = "Players"
)

type Dir struct {
	Root string
}

// Open checks that root looks like a world save directory.
func Open(root string) (*Dir, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", root)
	}
	if _, err := os.Stat(filepath.Join(root, LevelFile)); err != nil {
		return nil, fmt.Errorf("%s: %w", root, err)
	}
	return &Dir{Root: root}, nil
}

func (d *Dir) LevelPath() string { return filepath.Join(d.Root, LevelFile) }

func (d *Dir) PlayerPath(id guid.ID) string {
	return filepath.Join(d.Root, PlayersDir, id.FileStem()+".sav")
}

// RelPlayerPath is PlayerPath relative to Root.
func RelPlayerPath(id guid.ID) string {
	return filepath.Join(PlayersDir, id.FileStem()+".sav")
}

func (d *Dir) ReadLevel() ([]byte, error) { return os.ReadFile(d.LevelPath()) }

func (d *Dir) WriteLevel(b []byte) error { return writeAtomic(d.LevelPath(), b) }

func (d *Dir) PlayerExists(id guid.ID) (bool, error) {
	st, err := os.Stat(d.PlayerPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !st.IsDir(), nil
}

func (d *Dir) ReadPlayer(id guid.ID) ([]byte, error) { return os.ReadFile(d.PlayerPath(id)) }

// ReplacePlayer writes b as newID's save, replacing the placeholder the
// server created when the player rejoined, then removes oldID's save.
func (d *Dir) ReplacePlayer(oldID, newID guid.ID, b []byte) error {
	if err := writeAtomic(d.PlayerPath(newID), b); err != nil {
		return err
	}
	if oldID == newID {
		return nil
	}
	if err := os.Remove(d.PlayerPath(oldID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Paths lists, relative to Root, every file a run over ds reads or
// writes. Missing files are skipped.
func (d *Dir) Paths(ds []directive.Directive) []string {
	out := []string{LevelFile}
	seen := map[string]bool{LevelFile: true}
	for _, dv := range ds {
		for _, id := range []guid.ID{dv.Old, dv.New} {
			rel := RelPlayerPath(id)
			if seen[rel] {
				continue
			}
			seen[rel] = true
			if _, err := os.Stat(filepath.Join(d.Root, rel)); err == nil {
				out = append(out, rel)
			}
		}
	}
	return out
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
