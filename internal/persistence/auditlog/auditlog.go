// Package auditlog appends one JSON line per migration to daily-rotated,
// zstd-compressed files: <dir>/audit-YYYY-MM-DD.jsonl.zst.
package auditlog

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
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"palfix.dev/internal/fix"
)

const prefix = "audit"

var ErrTruncated = errors.New("auditlog: damaged tail")

type Entry struct {
	Time           string `json:"time"`
	RunID          string `json:"run_id"`
	Seq            int    `json:"seq"`
	Name           string `json:"name,omitempty"`
	Old            string `json:"old"`
	New            string `json:"new"`
	InstanceID     string `json:"instance_id,omitempty"`
	CharacterFound bool   `json:"character_found"`
	GuildsScanned  int    `json:"guilds_scanned"`
	GuildWindows   int    `json:"guild_windows"`
	Written        bool   `json:"written"`
}

// Writer is safe for concurrent use. Every entry is written as its own
// complete zstd frame, so a process killed mid-run loses at most the entry
// being written and earlier entries stay readable.
type Writer struct {
	dir   string
	runID string
	now   func() time.Time

	mu     sync.Mutex
	curDay string
	f      *os.File
	enc    *zstd.Encoder
}

func New(dir, runID string) *Writer {
	return &Writer{dir: dir, runID: runID, now: time.Now}
}

// RecordMigration implements fix.Recorder.
func (w *Writer) RecordMigration(o fix.Outcome) error {
	return w.Write(Entry{
		Seq:            o.Seq,
		Name:           o.Name,
		Old:            o.Old.String(),
		New:            o.New.String(),
		InstanceID:     o.InstanceID,
		CharacterFound: o.CharacterFound,
		GuildsScanned:  o.GuildsScanned,
		GuildWindows:   o.GuildWindows,
		Written:        o.Written,
	})
}

func (w *Writer) Write(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	if e.Time == "" {
		e.Time = now.Format(time.RFC3339Nano)
	}
	if e.RunID == "" {
		e.RunID = w.runID
	}
	day := now.Format("2006-01-02")
	if day != w.curDay {
		if err := w.rotateLocked(day); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.enc.Reset(w.f)
	if _, err := w.enc.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := w.enc.Close(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) rotateLocked(day string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(pathForDay(w.dir, day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if w.enc == nil {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			return err
		}
		w.enc = enc
	}
	w.f = f
	w.curDay = day
	return nil
}

// closeLocked leaves the encoder alone: it is already closed after every
// entry and is reset onto the next file.
func (w *Writer) closeLocked() error {
	var err error
	if w.f != nil {
		err = w.f.Close()
		w.f = nil
	}
	w.curDay = ""
	return err
}

func pathForDay(dir, day string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl.zst", prefix, day))
}

// ReadAll returns every entry under dir in file (day) order. A missing dir
// yields no entries. A file with a damaged tail contributes the entries
// before the damage; the returned error then matches ErrTruncated and the
// entries are still returned.
func ReadAll(dir string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var (
		out  []Entry
		errs []error
	)
	for _, p := range paths {
		es, err := readFile(p)
		out = append(out, es...)
		if errors.Is(err, ErrTruncated) {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(p), err))
			continue
		}
		if err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}
	return out, errors.Join(errs...)
}

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	br := bufio.NewReader(dec)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			// Partial line from a frame cut short.
			return out, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if s := strings.TrimSpace(line); s != "" {
			var e Entry
			if jerr := json.Unmarshal([]byte(s), &e); jerr != nil {
				return out, fmt.Errorf("%w: %v", ErrTruncated, jerr)
			}
			out = append(out, e)
		}
		if err != nil {
			return out, nil
		}
	}
}
