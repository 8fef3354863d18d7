// Package archive keeps zstd-compressed copies of the save files a run is
// about to rewrite, so a failed or unwanted run can be rolled back.
//
// Layout:
//
//	<backupDir>/<runID>/meta.json
//	<backupDir>/<runID>/Level.sav.zst
//	<backupDir>/<runID>/Players/<UPPERHEX>.sav.zst
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	metaFile   = "meta.json"
	timeFormat = "2006-01-02T15:04:05.000000000Z"
)

var ErrNoMeta = errors.New("archive: backup has no meta.json")

type Meta struct {
	RunID     string      `json:"run_id"`
	CreatedAt string      `json:"created_at"`
	SaveDir   string      `json:"save_dir"`
	Files     []FileEntry `json:"files"`
}

type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Backup compresses each rel (relative to saveDir) into backupDir/runID and
// writes meta.json last. It returns the run's backup directory.
func Backup(backupDir, runID, saveDir string, rels []string) (string, Meta, error) {
	meta := Meta{
		RunID:     runID,
		CreatedAt: time.Now().UTC().Format(timeFormat),
		SaveDir:   saveDir,
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", meta, fmt.Errorf("archive: bad run id %q", runID)
	}
	dir := filepath.Join(backupDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", meta, err
	}
	for _, rel := range rels {
		if !filepath.IsLocal(rel) {
			return "", meta, fmt.Errorf("archive: %s: path escapes save dir", rel)
		}
		n, err := compressFile(filepath.Join(saveDir, rel), filepath.Join(dir, rel+".zst"))
		if err != nil {
			return "", meta, fmt.Errorf("archive: backup %s: %w", rel, err)
		}
		meta.Files = append(meta.Files, FileEntry{Path: filepath.ToSlash(rel), Size: n})
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", meta, err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), b, 0o644); err != nil {
		return "", meta, err
	}
	return dir, meta, nil
}

// Restore inflates every file listed in runDir's meta.json back into saveDir,
// overwriting what is there.
func Restore(runDir, saveDir string) (Meta, error) {
	meta, err := ReadMeta(runDir)
	if err != nil {
		return meta, err
	}
	for _, fe := range meta.Files {
		rel := filepath.FromSlash(fe.Path)
		if !filepath.IsLocal(rel) {
			return meta, fmt.Errorf("archive: %s: path escapes save dir", fe.Path)
		}
		n, err := decompressFile(filepath.Join(runDir, rel+".zst"), filepath.Join(saveDir, rel))
		if err != nil {
			return meta, fmt.Errorf("archive: restore %s: %w", fe.Path, err)
		}
		if n != fe.Size {
			return meta, fmt.Errorf("archive: restore %s: size %d, meta says %d", fe.Path, n, fe.Size)
		}
	}
	return meta, nil
}

func ReadMeta(runDir string) (Meta, error) {
	var meta Meta
	b, err := os.ReadFile(filepath.Join(runDir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return meta, fmt.Errorf("%s: %w", runDir, ErrNoMeta)
	}
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("archive: %s: %w", metaFile, err)
	}
	return meta, nil
}

// List returns the backups under backupDir, newest first.
func List(backupDir string) ([]Meta, error) {
	ents, err := os.ReadDir(backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		m, err := ReadMeta(filepath.Join(backupDir, e.Name()))
		if errors.Is(err, ErrNoMeta) {
			// Interrupted backup.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func compressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	n, err := io.Copy(bw, in)
	if err != nil {
		_ = enc.Close()
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	return n, out.Close()
}

func decompressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, bufio.NewReaderSize(dec, 256*1024))
	if err != nil {
		return 0, err
	}
	return n, out.Close()
}
