package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSave(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	saveDir := filepath.Join(dir, "save")
	backupDir := filepath.Join(dir, "backups")
	orig := map[string]string{
		"Level.sav": "level bytes",
		"Players/00000000000000000000000000000001.sav": "player bytes",
	}
	writeSave(t, saveDir, orig)

	rels := []string{"Level.sav", filepath.Join("Players", "00000000000000000000000000000001.sav")}
	runDir, meta, err := Backup(backupDir, "run-1", saveDir, rels)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if runDir != filepath.Join(backupDir, "run-1") {
		t.Fatalf("runDir=%q", runDir)
	}
	if len(meta.Files) != 2 || meta.Files[1].Path != "Players/00000000000000000000000000000001.sav" {
		t.Fatalf("meta files=%+v", meta.Files)
	}
	if meta.Files[0].Size != int64(len(orig["Level.sav"])) {
		t.Fatalf("size=%d", meta.Files[0].Size)
	}

	// Clobber the save as a run would.
	writeSave(t, saveDir, map[string]string{"Level.sav": "patched"})
	if err := os.Remove(filepath.Join(saveDir, "Players", "00000000000000000000000000000001.sav")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, err := Restore(runDir, saveDir)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.RunID != "run-1" || got.SaveDir != saveDir {
		t.Fatalf("restored meta=%+v", got)
	}
	for rel, want := range orig {
		b, err := os.ReadFile(filepath.Join(saveDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		if string(b) != want {
			t.Fatalf("%s: got %q want %q", rel, b, want)
		}
	}
}

func TestBackup_RejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Backup(dir, "run-1", dir, []string{"../x"}); err == nil {
		t.Fatalf("expected error for ../x")
	}
	if _, _, err := Backup(dir, "a/b", dir, nil); err == nil {
		t.Fatalf("expected error for run id with separator")
	}
}

func TestBackup_MissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Backup(filepath.Join(dir, "b"), "run-1", dir, []string{"Level.sav"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(filepath.Join(dir, "b", "run-1", metaFile)); !os.IsNotExist(err) {
		t.Fatalf("meta.json must not exist after a failed backup: %v", err)
	}
}

func TestList_SkipsIncompleteAndSortsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	saveDir := filepath.Join(dir, "save")
	backupDir := filepath.Join(dir, "backups")
	writeSave(t, saveDir, map[string]string{"Level.sav": "x"})

	if _, _, err := Backup(backupDir, "a", saveDir, []string{"Level.sav"}); err != nil {
		t.Fatalf("backup a: %v", err)
	}
	if _, _, err := Backup(backupDir, "b", saveDir, []string{"Level.sav"}); err != nil {
		t.Fatalf("backup b: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(backupDir, "partial"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := List(backupDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want 2", len(got))
	}
	if got[0].CreatedAt < got[1].CreatedAt {
		t.Fatalf("not newest first: %+v", got)
	}

	none, err := List(filepath.Join(dir, "missing"))
	if err != nil || none != nil {
		t.Fatalf("missing dir: %v %v", none, err)
	}
}

func TestRestore_NoMeta(t *testing.T) {
	if _, err := Restore(t.TempDir(), t.TempDir()); err == nil {
		t.Fatalf("expected ErrNoMeta")
	}
}
