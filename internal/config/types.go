package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"snapkeep/internal/backup"
	"snapkeep/internal/storage"
	logx "snapkeep/pkg/logx"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Log      LogConfig      `json:"log,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	AutoSave AutoSaveConfig `json:"autosave,omitempty"`
	Backup   BackupConfig   `json:"backup,omitempty"`

	Retention RetentionConfig `json:"retention,omitempty"`

	// Watch configures the optional directory watcher that feeds the
	// registry in daemon mode. Omitted means no watcher.
	Watch *WatchConfig `json:"watch,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`

	// Console is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	Console *bool         `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver is "file" (Path is a directory) or "sqlite" (Path is a db file).
	// Defaults to "file".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type AutoSaveConfig struct {
	// Mode is one of: off, on_focus_change, on_window_change,
	// after_short_delay, after_long_delay. Defaults to off.
	Mode string `json:"mode,omitempty"`
}

// BackupConfig tunes the debounce windows.
//
// Defaults (when fields are omitted/zero):
//   - delay: "1s"
//   - short_delay_autosave_delay: "2s" (must stay strictly greater than delay)
//   - discard_timeout: "10s"
type BackupConfig struct {
	Delay                   string `json:"delay,omitempty"`
	ShortDelayAutoSaveDelay string `json:"short_delay_autosave_delay,omitempty"`
	DiscardTimeout          string `json:"discard_timeout,omitempty"`
}

// RetentionConfig controls the scheduled sweep of stale stored backups.
//
// Defaults: max_age "168h" (7 days), schedule "@every 1h".
type RetentionConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	MaxAge   string `json:"max_age,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type WatchConfig struct {
	Dir string `json:"dir"`
}

// Validate checks everything that can be checked without touching the
// filesystem. Used both at startup and as the watch-reload gate.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := c.StorageConfig(); err != nil {
		return err
	}
	if _, err := c.AutoSaveMode(); err != nil {
		return err
	}
	if _, err := c.BackupSchedulerConfig(); err != nil {
		return err
	}
	if c.Retention.Enabled {
		if _, err := c.RetentionMaxAge(); err != nil {
			return err
		}
	}
	if c.Watch != nil && strings.TrimSpace(c.Watch.Dir) == "" {
		return errors.New("watch.dir is required when watch is set")
	}
	return nil
}

func (c *Config) LogxConfig() logx.Config {
	console := true
	if c.Log.Console != nil {
		console = *c.Log.Console
	}
	return logx.Config{
		Level:   c.Log.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Log.File.Enabled,
			Path:    c.Log.File.Path,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.TrimSpace(c.Storage.Driver)
	if driver == "" {
		driver = "file"
	}
	switch strings.ToLower(driver) {
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) AutoSaveMode() (backup.AutoSaveMode, error) {
	mode, err := backup.ParseAutoSaveMode(strings.TrimSpace(c.AutoSave.Mode))
	if err != nil {
		return backup.AutoSaveOff, fmt.Errorf("autosave.mode: %w", err)
	}
	return mode, nil
}

func (c *Config) BackupSchedulerConfig() (backup.Config, error) {
	baseline, err := ParseDurationOrDefault("backup.delay", c.Backup.Delay, backup.DefaultBaselineDelay)
	if err != nil {
		return backup.Config{}, err
	}
	short, err := ParseDurationOrDefault("backup.short_delay_autosave_delay",
		c.Backup.ShortDelayAutoSaveDelay, backup.DefaultShortDelayAutoSaveDelay)
	if err != nil {
		return backup.Config{}, err
	}
	if c.Backup.ShortDelayAutoSaveDelay != "" && short <= baseline {
		return backup.Config{}, fmt.Errorf(
			"backup.short_delay_autosave_delay (%s) must be greater than backup.delay (%s)", short, baseline)
	}
	discard, err := ParseDurationField("backup.discard_timeout", c.Backup.DiscardTimeout)
	if err != nil {
		return backup.Config{}, err
	}
	return backup.Config{
		Delays: backup.Delays{
			Baseline:           baseline,
			ShortDelayAutoSave: short,
		},
		DiscardTimeout: discard,
	}, nil
}

func (c *Config) RetentionMaxAge() (time.Duration, error) {
	return ParseDurationOrDefault("retention.max_age", c.Retention.MaxAge, 7*24*time.Hour)
}

func (c *Config) RetentionSchedule() string {
	s := strings.TrimSpace(c.Retention.Schedule)
	if s == "" {
		return "@every 1h"
	}
	return s
}
