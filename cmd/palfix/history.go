package main

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"palfix.dev/internal/persistence/archive"
	"palfix.dev/internal/persistence/auditlog"
	"palfix.dev/internal/persistence/journal"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit int
		runID string
		audit bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs, or one run's migrations",
		Long: `Without flags, prints the newest runs from the journal.
--run prints the migrations of one run; --audit reads the audit log instead
of the journal (the audit log survives a lost or rebuilt journal).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if audit {
				entries, err := auditlog.ReadAll(a.cfg.AuditDir)
				if err != nil && !errors.Is(err, auditlog.ErrTruncated) {
					return err
				}
				for _, e := range entries {
					if runID == "" || e.RunID == runID {
						printJSON(w, e)
					}
				}
				if err != nil {
					a.logger.Warn("audit log has a damaged tail", zap.Error(err))
				}
				return nil
			}

			jr, err := journal.Open(a.cfg.JournalPath)
			if err != nil {
				return err
			}
			defer jr.Close()

			if runID != "" {
				ms, err := jr.Migrations(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, m := range ms {
					printJSON(w, migrationJSON(m))
				}
				return nil
			}
			runs, err := jr.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				printJSON(w, runJSON(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 for all)")
	cmd.Flags().StringVar(&runID, "run", "", "show migrations of this run id")
	cmd.Flags().BoolVar(&audit, "audit", false, "read the audit log instead of the journal")
	return cmd
}

type runRow struct {
	RunID      string `json:"run_id"`
	SaveDir    string `json:"save_dir"`
	DryRun     bool   `json:"dry_run"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func runJSON(r journal.RunRow) runRow { return runRow(r) }

type migrationRow struct {
	RunID          string `json:"run_id"`
	Seq            int    `json:"seq"`
	Name           string `json:"name,omitempty"`
	OldGUID        string `json:"old"`
	NewGUID        string `json:"new"`
	InstanceID     string `json:"instance_id"`
	CharacterFound bool   `json:"character_found"`
	GuildWindows   int    `json:"guild_windows"`
	Written        bool   `json:"written"`
	RecordedAt     string `json:"recorded_at"`
}

func migrationJSON(m journal.MigrationRow) migrationRow { return migrationRow(m) }

func newBackupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metas, err := archive.List(a.cfg.BackupDir)
			if err != nil {
				return err
			}
			for _, m := range metas {
				printJSON(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var saveDir string
	cmd := &cobra.Command{
		Use:   "restore <run-id|backup-dir>",
		Short: "Copy a backup's files back into a save directory",
		Long: `Restores every file recorded in a backup. The argument is a run id
(looked up under the configured backup_dir) or a backup directory path.
--save-dir defaults to the directory the backup was taken from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := args[0]
			if _, err := archive.ReadMeta(runDir); errors.Is(err, archive.ErrNoMeta) && filepath.Base(runDir) == runDir {
				runDir = filepath.Join(a.cfg.BackupDir, runDir)
			}
			meta, err := archive.ReadMeta(runDir)
			if err != nil {
				return err
			}
			dst := saveDir
			if dst == "" {
				dst = meta.SaveDir
			}
			if dst == "" {
				return errors.New("missing --save-dir")
			}
			if _, err := archive.Restore(runDir, dst); err != nil {
				return err
			}
			a.logger.Info("restored", zap.String("run_id", meta.RunID), zap.String("save_dir", dst), zap.Int("files", len(meta.Files)))
			printJSON(cmd.OutOrStdout(), meta)
			return nil
		},
	}
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "save directory to restore into")
	return cmd
}
