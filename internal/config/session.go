package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as a string ("30s", "10m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// SyncConfig tunes the delta-sync loop.
type SyncConfig struct {
	MinBackoff   Duration `toml:"min_backoff"`
	MaxBackoff   Duration `toml:"max_backoff"`
	PollInterval Duration `toml:"poll_interval"`
	// TriggerRate is the number of explicit sync triggers allowed per second.
	TriggerRate  float64 `toml:"trigger_rate"`
	TriggerBurst int     `toml:"trigger_burst"`
}

// SettingsConfig tunes settings replication.
type SettingsConfig struct {
	PeriodicCron    string   `toml:"periodic_cron"`
	Debounce        Duration `toml:"debounce"`
	RetryBackoff    Duration `toml:"retry_backoff"`
	MaxRetryBackoff Duration `toml:"max_retry_backoff"`
}

// Session is the per-session config.toml.
type Session struct {
	UserID    string         `toml:"user_id"`
	RemoteURL string         `toml:"remote_url"`
	Token     string         `toml:"token"`
	LogLevel  string         `toml:"log_level"`
	AdminAddr string         `toml:"admin_addr"`
	Sync      SyncConfig     `toml:"sync"`
	Settings  SettingsConfig `toml:"settings"`
}

// DefaultSession returns the built-in session configuration.
func DefaultSession() *Session {
	return &Session{
		RemoteURL: "http://127.0.0.1:8080",
		LogLevel:  "info",
		Sync: SyncConfig{
			MinBackoff:   Duration{time.Second},
			MaxBackoff:   Duration{time.Minute},
			PollInterval: Duration{30 * time.Second},
			TriggerRate:  1,
			TriggerBurst: 3,
		},
		Settings: SettingsConfig{
			PeriodicCron:    "*/15 * * * *",
			Debounce:        Duration{500 * time.Millisecond},
			RetryBackoff:    Duration{15 * time.Second},
			MaxRetryBackoff: Duration{10 * time.Minute},
		},
	}
}

// LoadSession reads a session config on top of the defaults. A missing file
// yields the defaults.
func LoadSession(path string) (*Session, error) {
	cfg := DefaultSession()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from CHATSYNC_* variables.
func (s *Session) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"CHATSYNC_USER_ID":       &s.UserID,
		"CHATSYNC_REMOTE_URL":    &s.RemoteURL,
		"CHATSYNC_TOKEN":         &s.Token,
		"CHATSYNC_LOG_LEVEL":     &s.LogLevel,
		"CHATSYNC_ADMIN_ADDR":    &s.AdminAddr,
		"CHATSYNC_SETTINGS_CRON": &s.Settings.PeriodicCron,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	dur := map[string]*Duration{
		"CHATSYNC_SYNC_MIN_BACKOFF":   &s.Sync.MinBackoff,
		"CHATSYNC_SYNC_MAX_BACKOFF":   &s.Sync.MaxBackoff,
		"CHATSYNC_SYNC_POLL_INTERVAL": &s.Sync.PollInterval,
	}
	for name, dst := range dur {
		if v := getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	if v := getenv("CHATSYNC_SYNC_TRIGGER_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHATSYNC_SYNC_TRIGGER_RATE: %w", err)
		}
		s.Sync.TriggerRate = r
	}
	return nil
}

// Validate checks the values a daemon cannot start without.
func (s *Session) Validate() error {
	var errs []error
	if s.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	u, err := url.Parse(s.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote_url %q must be an http(s) URL", s.RemoteURL))
	}
	if s.Settings.PeriodicCron != "" && !gronx.IsValid(s.Settings.PeriodicCron) {
		errs = append(errs, fmt.Errorf("settings.periodic_cron %q is not a valid cron expression", s.Settings.PeriodicCron))
	}
	if s.Sync.MinBackoff.Duration <= 0 || s.Sync.MaxBackoff.Duration < s.Sync.MinBackoff.Duration {
		errs = append(errs, fmt.Errorf("sync backoff must satisfy 0 < min_backoff (%s) <= max_backoff (%s)", s.Sync.MinBackoff, s.Sync.MaxBackoff))
	}
	if s.Settings.RetryBackoff.Duration <= 0 || s.Settings.MaxRetryBackoff.Duration < s.Settings.RetryBackoff.Duration {
		errs = append(errs, fmt.Errorf("settings backoff must satisfy 0 < retry_backoff (%s) <= max_retry_backoff (%s)", s.Settings.RetryBackoff, s.Settings.MaxRetryBackoff))
	}
	return errors.Join(errs...)
}
