// Package config loads palfix settings: built-in defaults, then an optional
// YAML file, then PALFIX_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"palfix.dev/internal/uesave"
)

const EnvPrefix = "PALFIX_"

type Config struct {
	SaveDir    string   `yaml:"save_dir" env:"SAVE_DIR"`
	UesavePath string   `yaml:"uesave_path" env:"UESAVE_PATH"`
	TypeMaps   []string `yaml:"type_maps" env:"TYPE_MAPS" envSeparator:";"`

	// StateDir anchors BackupDir, JournalPath and AuditDir when they are unset.
	StateDir    string `yaml:"state_dir" env:"STATE_DIR"`
	Backup      bool   `yaml:"backup" env:"BACKUP"`
	BackupDir   string `yaml:"backup_dir" env:"BACKUP_DIR"`
	JournalPath string `yaml:"journal_path" env:"JOURNAL_PATH"`
	AuditDir    string `yaml:"audit_dir" env:"AUDIT_DIR"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	LogJSON  bool   `yaml:"log_json" env:"LOG_JSON"`
	DryRun   bool   `yaml:"dry_run" env:"DRY_RUN"`
}

func Default() Config {
	return Config{
		UesavePath: "uesave",
		TypeMaps:   append([]string(nil), uesave.DefaultTypeMaps...),
		StateDir:   ".palfix",
		Backup:     true,
		LogLevel:   "info",
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment, then normalizes and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseEnv overlays PALFIX_* variables onto target. Unset variables leave
// fields alone.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.SaveDir = strings.TrimSpace(c.SaveDir)
	c.UesavePath = strings.TrimSpace(c.UesavePath)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	maps := c.TypeMaps[:0]
	for _, m := range c.TypeMaps {
		if m = strings.TrimSpace(m); m != "" {
			maps = append(maps, m)
		}
	}
	c.TypeMaps = maps

	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = ".palfix"
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.StateDir, "backups")
	}
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(c.StateDir, "journal.db")
	}
	if c.AuditDir == "" {
		c.AuditDir = filepath.Join(c.StateDir, "audit")
	}
}

func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.UesavePath == "" {
		errs = append(errs, errors.New("uesave_path: required"))
	}
	for i, m := range c.TypeMaps {
		if k, v, ok := strings.Cut(m, "="); !ok || k == "" || v == "" {
			errs = append(errs, fmt.Errorf("type_maps[%d]: %q is not key=Type", i, m))
		}
	}
	return errors.Join(errs...)
}

// RequireSaveDir is checked by commands that touch a save.
func (c Config) RequireSaveDir() error {
	if c.SaveDir == "" {
		return errors.New("save_dir: required (flag --save-dir, config save_dir or " + EnvPrefix + "SAVE_DIR)")
	}
	return nil
}
