package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store"`

	// Dispatch tunes batching per campaign kind. Omitted sections keep
	// the built-in pacing.
	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	Access  AccessConfig  `json:"access,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendRatePerSec caps outgoing API calls. 0 keeps the default.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the dataset backend.
//
// Example:
//
//	"store": { "driver": "file", "path": "./herald_data" }
type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// TTL is a Go duration string; cached dataset snapshots older than
	// this are reloaded on next read. "0s" keeps the default.
	TTL         string `json:"ttl,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type DispatchConfig struct {
	Channels CampaignTuning `json:"channels,omitempty"`
	Users    CampaignTuning `json:"users,omitempty"`
	Quick    CampaignTuning `json:"quick,omitempty"`
}

// CampaignTuning overrides the per-kind batch pacing. Zero fields keep
// the kind's built-in value.
type CampaignTuning struct {
	BatchSize int `json:"batch_size,omitempty"`
	// Delay is a Go duration string applied between batches.
	Delay         string `json:"delay,omitempty"`
	ProgressEvery int    `json:"progress_every,omitempty"`
}

// AccessConfig controls the periodic broadcast-target re-check.
type AccessConfig struct {
	// RecheckCron is a standard 5-field cron spec. Empty disables the
	// periodic re-check; accessibility is then resolved only on demand.
	RecheckCron string `json:"recheck_cron,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9109"
}
