package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"palfix.dev/internal/directive"
	"palfix.dev/internal/fix"
	"palfix.dev/internal/persistence/archive"
	"palfix.dev/internal/persistence/auditlog"
	"palfix.dev/internal/persistence/journal"
	"palfix.dev/internal/persistence/savefs"
	"palfix.dev/internal/uesave"
)

type fixOptions struct {
	saveDir    string
	uesavePath string
	directives string
	dryRun     bool
	noBackup   bool
}

type fixSummary struct {
	RunID        string        `json:"run_id"`
	DryRun       bool          `json:"dry_run"`
	BackupDir    string        `json:"backup_dir,omitempty"`
	Migrated     []fixMigrated `json:"migrated"`
	Skipped      []fixSkipped  `json:"skipped,omitempty"`
	Incomplete   int           `json:"incomplete,omitempty"`
	LevelWritten bool          `json:"level_written"`
	Phase        string        `json:"phase"`
	Error        string        `json:"error,omitempty"`
}

type fixMigrated struct {
	Name           string `json:"name,omitempty"`
	Old            string `json:"old"`
	New            string `json:"new"`
	CharacterFound bool   `json:"character_found"`
	GuildWindows   int    `json:"guild_windows"`
	Written        bool   `json:"written"`
}

type fixSkipped struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

func newFixCmd(a *app) *cobra.Command {
	var o fixOptions
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Migrate players from old to new identifiers in a world save",
		Long: `Runs every directive in order against the world save directory.

The directives file is a JSON (or YAML) list of {"name", "old", "new"} entries.
Each new identifier must already have a player file, which the game creates
when the player joins once after the identifier change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFix(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.saveDir, "save-dir", "", "world save directory (holds Level.sav and Players/)")
	f.StringVar(&o.uesavePath, "uesave", "", "path to the uesave converter")
	f.StringVar(&o.directives, "directives", "", "directives file (.json, .yaml)")
	f.BoolVar(&o.dryRun, "dry-run", false, "run every step but write nothing")
	f.BoolVar(&o.noBackup, "no-backup", false, "skip the backup of touched files")
	_ = cmd.MarkFlagRequired("directives")
	return cmd
}

func (a *app) runFix(cmd *cobra.Command, o fixOptions) error {
	cfg := a.cfg
	flags := cmd.Flags()
	if flags.Changed("save-dir") {
		cfg.SaveDir = o.saveDir
	}
	if flags.Changed("uesave") {
		cfg.UesavePath = o.uesavePath
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = o.dryRun
	}
	if flags.Changed("no-backup") {
		cfg.Backup = !o.noBackup
	}
	cfg.Normalize()
	if err := cfg.RequireSaveDir(); err != nil {
		return err
	}
	log := a.logger

	set, err := directive.Load(o.directives)
	if err != nil {
		return err
	}
	sum := fixSummary{DryRun: cfg.DryRun, Incomplete: set.Incomplete}
	for _, s := range set.Skipped {
		log.Warn("skipping directive", zap.Int("index", s.Index), zap.String("player", s.Name), zap.Error(s.Err))
		sum.Skipped = append(sum.Skipped, fixSkipped{Index: s.Index, Name: s.Name, Error: s.Err.Error()})
	}
	if len(set.Directives) == 0 {
		log.Info("no directives to apply")
		sum.Phase = fix.PhaseInit.String()
		printJSON(cmd.OutOrStdout(), sum)
		return nil
	}

	store, err := savefs.Open(cfg.SaveDir)
	if err != nil {
		return err
	}
	codec, err := uesave.New(cfg.UesavePath, cfg.TypeMaps)
	if err != nil {
		return err
	}

	runID := newRunID(time.Now())
	sum.RunID = runID
	log = log.With(zap.String("run_id", runID))

	if cfg.Backup && !cfg.DryRun {
		dir, meta, err := archive.Backup(cfg.BackupDir, runID, store.Root, store.Paths(set.Directives))
		if err != nil {
			return err
		}
		sum.BackupDir = dir
		log.Info("backup written", zap.String("dir", dir), zap.Int("files", len(meta.Files)))
	} else if !cfg.DryRun {
		log.Warn("backup disabled; touched files cannot be restored by palfix")
	}

	jr, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer func() {
		if err := jr.Close(); err != nil {
			log.Error("close journal", zap.Error(err))
		}
	}()
	run, err := jr.BeginRun(runID, store.Root, cfg.DryRun)
	if err != nil {
		return err
	}
	audit := auditlog.New(cfg.AuditDir, runID)
	defer func() {
		if err := audit.Close(); err != nil {
			log.Error("close audit log", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := &fix.Migrator{
		Store:    store,
		Codec:    codec,
		Log:      log,
		Recorder: fix.Recorders{audit, run},
		DryRun:   cfg.DryRun,
	}
	rep, runErr := m.Run(ctx, set.Directives)
	if err := run.Finish(runErr); err != nil {
		log.Error("finish run", zap.Error(err))
	}

	sum.Phase = rep.Phase.String()
	sum.LevelWritten = rep.LevelWritten
	sum.Migrated = make([]fixMigrated, 0, len(rep.Outcomes))
	for _, out := range rep.Outcomes {
		sum.Migrated = append(sum.Migrated, fixMigrated{
			Name:           out.Name,
			Old:            out.Old.String(),
			New:            out.New.String(),
			CharacterFound: out.CharacterFound,
			GuildWindows:   out.GuildWindows,
			Written:        out.Written,
		})
	}
	if runErr != nil {
		sum.Error = runErr.Error()
		var se *fix.StepError
		if errors.As(runErr, &se) && sum.BackupDir != "" {
			log.Error("run aborted; restore with palfix restore",
				zap.String("backup", sum.BackupDir), zap.Stringer("phase", se.Phase))
		}
	}
	printJSON(cmd.OutOrStdout(), sum)
	return runErr
}

// newRunID sorts by start time and stays unique across hosts.
func newRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}
