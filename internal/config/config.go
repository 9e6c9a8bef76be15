package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = "127.0.0.1:8080"
	defaultDatabase      = "schedcal.db"
	defaultTimezone      = "UTC"
	defaultUpcomingLimit = 50
	defaultScanBudget    = 100000
	defaultLogLevel      = "info"
	defaultICSCacheDir   = "cache/ics"

	defaultReminderCron  = "@every 1m"
	defaultCleanupCron   = "0 3 * * *"
	defaultSyncCron      = "*/15 * * * *"
	defaultRetentionDays = 730
	defaultReminderBatch = 100
)

// FeedConfig describes an ICS subscription imported into the store.
type FeedConfig struct {
	// ID is stored as the events' external source and must be unique.
	ID   string `yaml:"id" json:"id"`
	URL  string `yaml:"url" json:"url"`
	Name string `yaml:"name" json:"name"`
	// OwnerID is the user that imported events belong to.
	OwnerID int64 `yaml:"owner_id" json:"owner_id"`
	// Timezone is used for floating times in the feed.
	Timezone string `yaml:"timezone" json:"timezone"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// JobsConfig holds the cron specs (robfig/cron syntax, descriptors allowed)
// for background jobs. An empty spec disables the job.
type JobsConfig struct {
	ReminderCron  string `yaml:"reminder_cron" json:"reminder_cron"`
	CleanupCron   string `yaml:"cleanup_cron" json:"cleanup_cron"`
	SyncCron      string `yaml:"sync_cron" json:"sync_cron"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
	ReminderBatch int    `yaml:"reminder_batch" json:"reminder_batch"`
}

type Config struct {
	Listen   string `yaml:"listen" json:"listen"`
	Database string `yaml:"database" json:"database"`

	// Timezone is applied to events created without one.
	Timezone string `yaml:"timezone" json:"timezone"`

	// UpcomingLimit caps the occurrences returned when no window is given.
	UpcomingLimit int `yaml:"upcoming_limit" json:"upcoming_limit"`

	// ScanBudget caps the candidates examined per event expansion.
	ScanBudget int `yaml:"scan_budget" json:"scan_budget"`

	LogLevel    string       `yaml:"log_level" json:"log_level"`
	ICSCacheDir string       `yaml:"ics_cache_dir" json:"ics_cache_dir"`
	Jobs        JobsConfig   `yaml:"jobs" json:"jobs"`
	Feeds       []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Database:      defaultDatabase,
		Timezone:      defaultTimezone,
		UpcomingLimit: defaultUpcomingLimit,
		ScanBudget:    defaultScanBudget,
		LogLevel:      defaultLogLevel,
		ICSCacheDir:   defaultICSCacheDir,
		Jobs: JobsConfig{
			ReminderCron:  defaultReminderCron,
			CleanupCron:   defaultCleanupCron,
			SyncCron:      defaultSyncCron,
			RetentionDays: defaultRetentionDays,
			ReminderBatch: defaultReminderBatch,
		},
		Feeds: []FeedConfig{},
	}
}

// Normalize fills in zero values so that partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.UpcomingLimit <= 0 {
		c.UpcomingLimit = defaultUpcomingLimit
	}
	if c.ScanBudget <= 0 {
		c.ScanBudget = defaultScanBudget
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
	if c.Jobs.RetentionDays <= 0 {
		c.Jobs.RetentionDays = defaultRetentionDays
	}
	if c.Jobs.ReminderBatch <= 0 {
		c.Jobs.ReminderBatch = defaultReminderBatch
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		if c.Feeds[i].ID == "" {
			c.Feeds[i].ID = c.Feeds[i].URL
		}
		if c.Feeds[i].Timezone == "" {
			c.Feeds[i].Timezone = c.Timezone
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Load reads the YAML config at path. A missing file is created with
// defaults (0600) and the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// The caller may still run on defaults.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Start from defaults so that job crons left out of the file stay on;
	// an explicit empty string still disables a job.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

// ApplyEnv overlays SCHEDCAL_* environment variables on c.
func (c *Config) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix("SCHEDCAL")
	v.AutomaticEnv()

	_ = v.BindEnv("listen")
	_ = v.BindEnv("database")
	_ = v.BindEnv("timezone")
	_ = v.BindEnv("log_level")
	_ = v.BindEnv("upcoming_limit")
	_ = v.BindEnv("scan_budget")
	_ = v.BindEnv("ics_cache_dir")
	_ = v.BindEnv("reminder_cron")
	_ = v.BindEnv("cleanup_cron")
	_ = v.BindEnv("sync_cron")
	_ = v.BindEnv("retention_days")
	_ = v.BindEnv("basic_auth_username")
	_ = v.BindEnv("basic_auth_password")

	v.SetDefault("listen", c.Listen)
	v.SetDefault("database", c.Database)
	v.SetDefault("timezone", c.Timezone)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("upcoming_limit", c.UpcomingLimit)
	v.SetDefault("scan_budget", c.ScanBudget)
	v.SetDefault("ics_cache_dir", c.ICSCacheDir)
	v.SetDefault("reminder_cron", c.Jobs.ReminderCron)
	v.SetDefault("cleanup_cron", c.Jobs.CleanupCron)
	v.SetDefault("sync_cron", c.Jobs.SyncCron)
	v.SetDefault("retention_days", c.Jobs.RetentionDays)

	c.Listen = strings.TrimSpace(v.GetString("listen"))
	c.Database = strings.TrimSpace(v.GetString("database"))
	c.Timezone = strings.TrimSpace(v.GetString("timezone"))
	c.LogLevel = v.GetString("log_level")
	c.UpcomingLimit = v.GetInt("upcoming_limit")
	c.ScanBudget = v.GetInt("scan_budget")
	c.ICSCacheDir = strings.TrimSpace(v.GetString("ics_cache_dir"))
	c.Jobs.ReminderCron = strings.TrimSpace(v.GetString("reminder_cron"))
	c.Jobs.CleanupCron = strings.TrimSpace(v.GetString("cleanup_cron"))
	c.Jobs.SyncCron = strings.TrimSpace(v.GetString("sync_cron"))
	c.Jobs.RetentionDays = v.GetInt("retention_days")

	user := v.GetString("basic_auth_username")
	pass := v.GetString("basic_auth_password")
	if user != "" || pass != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}

	c.Normalize()
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".schedcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
