package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are kept as strings in the wire config ("500ms", "1m")
// and parsed on use. Empty means unset; negatives are configuration
// mistakes, not valid values.

func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset (empty or zero) fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Validate checks the parts of the config that would otherwise fail deep
// inside a service at an awkward time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(cfg.Telegram.AdminUserIDs) == 0 {
		return fmt.Errorf("telegram.admin_user_ids must list at least one operator")
	}
	if cfg.Telegram.SendRatePerSec < 0 {
		return fmt.Errorf("telegram.send_rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if _, err := ParseDurationField("store.ttl", cfg.Store.TTL); err != nil {
		return err
	}
	if _, err := ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return err
	}

	for _, t := range []struct {
		path string
		cfg  CampaignTuning
	}{
		{"dispatch.channels", cfg.Dispatch.Channels},
		{"dispatch.users", cfg.Dispatch.Users},
		{"dispatch.quick", cfg.Dispatch.Quick},
	} {
		if t.cfg.BatchSize < 0 {
			return fmt.Errorf("%s.batch_size must be >= 0", t.path)
		}
		if t.cfg.ProgressEvery < 0 {
			return fmt.Errorf("%s.progress_every must be >= 0", t.path)
		}
		if _, err := ParseDurationField(t.path+".delay", t.cfg.Delay); err != nil {
			return err
		}
	}
	return nil
}
