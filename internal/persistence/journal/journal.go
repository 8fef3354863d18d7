// Package journal indexes runs and their migrations in SQLite. The audit log
// stays the source of truth; the journal answers "what ran, when, on what".
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"palfix.dev/internal/fix"
)

var ErrClosed = errors.New("journal: closed")

// Fixed width so timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

type Journal struct {
	db  *sql.DB
	now func() time.Time

	ch chan req
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	errMu sync.Mutex
	err   error
}

type reqKind int

const (
	reqBegin reqKind = iota + 1
	reqMigration
	reqFinish
	reqSync
)

type req struct {
	kind reqKind
	at   string

	run       RunRow
	migration MigrationRow

	done chan error
}

type RunRow struct {
	RunID      string
	SaveDir    string
	DryRun     bool
	StartedAt  string
	FinishedAt string
	Status     string
	Error      string
}

type MigrationRow struct {
	RunID          string
	Seq            int
	Name           string
	OldGUID        string
	NewGUID        string
	InstanceID     string
	CharacterFound bool
	GuildWindows   int
	Written        bool
	RecordedAt     string
}

func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &Journal{
		db:  db,
		now: time.Now,
		ch:  make(chan req, 256),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			save_dir TEXT NOT NULL,
			dry_run INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
		`CREATE TABLE IF NOT EXISTS migrations (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			old_guid TEXT NOT NULL,
			new_guid TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			character_found INTEGER NOT NULL,
			guild_windows INTEGER NOT NULL,
			written INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_old ON migrations(old_guid);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending writes, then closes the database. It returns the
// first write error the journal hit, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	err := j.db.Close()
	if werr := j.writeErr(); werr != nil {
		return werr
	}
	return err
}

func (j *Journal) send(r req) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	r.at = j.now().UTC().Format(timeFormat)
	j.ch <- r
	return nil
}

// call sends r and waits for the writer to apply it.
func (j *Journal) call(r req) error {
	r.done = make(chan error, 1)
	if err := j.send(r); err != nil {
		return err
	}
	return <-r.done
}

func (j *Journal) BeginRun(runID, saveDir string, dryRun bool) (*Run, error) {
	err := j.call(req{kind: reqBegin, run: RunRow{RunID: runID, SaveDir: saveDir, DryRun: dryRun}})
	if err != nil {
		return nil, fmt.Errorf("journal: begin run: %w", err)
	}
	return &Run{j: j, id: runID}, nil
}

// FinishRun marks the run ok, or failed with runErr's text.
func (j *Journal) FinishRun(runID string, runErr error) error {
	row := RunRow{RunID: runID, Status: StatusOK}
	if runErr != nil {
		row.Status = StatusFailed
		row.Error = runErr.Error()
	}
	if err := j.call(req{kind: reqFinish, run: row}); err != nil {
		return fmt.Errorf("journal: finish run: %w", err)
	}
	return nil
}

// RecordMigration queues o under runID. Write failures surface from Close.
func (j *Journal) RecordMigration(runID string, o fix.Outcome) error {
	return j.send(req{kind: reqMigration, migration: MigrationRow{
		RunID:          runID,
		Seq:            o.Seq,
		Name:           o.Name,
		OldGUID:        o.Old.String(),
		NewGUID:        o.New.String(),
		InstanceID:     o.InstanceID,
		CharacterFound: o.CharacterFound,
		GuildWindows:   o.GuildWindows,
		Written:        o.Written,
	}})
}

// Run binds a journal to one run id so it can serve as a fix.Recorder.
type Run struct {
	j  *Journal
	id string
}

func (r *Run) ID() string { return r.id }

func (r *Run) RecordMigration(o fix.Outcome) error { return r.j.RecordMigration(r.id, o) }

func (r *Run) Finish(runErr error) error { return r.j.FinishRun(r.id, runErr) }

func (j *Journal) setErr(err error) {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	if j.err == nil {
		j.err = err
	}
}

func (j *Journal) writeErr() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

func (j *Journal) loop() {
	ctx := context.Background()

	insertRun, _ := j.db.Prepare(`INSERT INTO runs(run_id,save_dir,dry_run,started_at,status) VALUES(?,?,?,?,?)`)
	finishRun, _ := j.db.Prepare(`UPDATE runs SET finished_at=?, status=?, error=? WHERE run_id=?`)
	insertMigration, _ := j.db.Prepare(`INSERT OR REPLACE INTO migrations(run_id,seq,name,old_guid,new_guid,instance_id,character_found,guild_windows,written,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, finishRun, insertMigration} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	for r := range j.ch {
		var err error
		switch r.kind {
		case reqBegin:
			err = exec(ctx, insertRun, r.run.RunID, r.run.SaveDir, r.run.DryRun, r.at, StatusRunning)
		case reqFinish:
			var res sql.Result
			if finishRun == nil {
				err = errors.New("statement not prepared")
				break
			}
			res, err = finishRun.ExecContext(ctx, r.at, r.run.Status, nullString(r.run.Error), r.run.RunID)
			if err == nil {
				if n, _ := res.RowsAffected(); n == 0 {
					err = fmt.Errorf("unknown run %q", r.run.RunID)
				}
			}
		case reqMigration:
			m := r.migration
			err = exec(ctx, insertMigration, m.RunID, m.Seq, m.Name, m.OldGUID, m.NewGUID,
				m.InstanceID, m.CharacterFound, m.GuildWindows, m.Written, r.at)
		case reqSync:
		}
		if err != nil && r.done == nil {
			j.setErr(fmt.Errorf("journal: %w", err))
		}
		if r.done != nil {
			r.done <- err
		}
	}
}

func exec(ctx context.Context, st *sql.Stmt, args ...any) error {
	if st == nil {
		return errors.New("statement not prepared")
	}
	_, err := st.ExecContext(ctx, args...)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Runs returns up to limit runs, newest first. limit <= 0 means all.
func (j *Journal) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	if err := j.call(req{kind: reqSync}); err != nil {
		return nil, err
	}
	q := `SELECT run_id,save_dir,dry_run,started_at,finished_at,status,error FROM runs ORDER BY started_at DESC, run_id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r        RunRow
			finished sql.NullString
			msg      sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.SaveDir, &r.DryRun, &r.StartedAt, &finished, &r.Status, &msg); err != nil {
			return nil, err
		}
		r.FinishedAt = finished.String
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Migrations returns runID's migrations in directive order.
func (j *Journal) Migrations(ctx context.Context, runID string) ([]MigrationRow, error) {
	if err := j.call(req{kind: reqSync}); err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id,seq,name,old_guid,new_guid,instance_id,character_found,guild_windows,written,recorded_at
		 FROM migrations WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MigrationRow
	for rows.Next() {
		var m MigrationRow
		if err := rows.Scan(&m.RunID, &m.Seq, &m.Name, &m.OldGUID, &m.NewGUID, &m.InstanceID,
			&m.CharacterFound, &m.GuildWindows, &m.Written, &m.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
