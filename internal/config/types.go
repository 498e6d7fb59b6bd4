package config

// Config is the root of renewd's config file (YAML or JSON).
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1h").
// Unknown keys are rejected so typos surface at load/reload time instead of
// being silently ignored.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Platforms is the fixed set of supported platform identifiers.
	// Subscriptions referencing a platform outside this set are rejected.
	Platforms []string `json:"platforms"`

	// Subscriptions is the desired tracked set. Hot reload syncs the
	// in-memory registry to match it (additions and removals).
	Subscriptions []SubscriptionConfig `json:"subscriptions,omitempty"`

	Client  ClientConfig  `json:"client,omitempty"`
	Renewal RenewalConfig `json:"renewal"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Pprof    PprofConfig     `json:"pprof,omitempty"`
}

type SubscriptionConfig struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
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

// ClientConfig controls the outbound platform HTTP client.
//
// Defaults (when fields are omitted/zero):
//   - request_timeout: "15s"
//   - rate_per_sec: 5 (token bucket per platform)
//   - payment_method: "default"
type ClientConfig struct {
	RequestTimeout string `json:"request_timeout,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`

	// BaseURLs overrides the endpoint base per platform
	// (default "https://{platform}"). Mostly useful for staging and tests.
	BaseURLs map[string]string `json:"base_urls,omitempty"`
}

// RenewalConfig controls the renewal check service.
//
// Defaults (when fields are omitted/zero):
//   - check_interval: "1h"
//   - grace: "168h"
//   - period: "720h"
//   - retry_max: 2
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - history_size: 200
//   - refresh_interval: "0s" (disabled)
type RenewalConfig struct {
	Enabled bool `json:"enabled"`

	// CheckInterval is the cycle cadence. CheckSpec, when set, takes
	// precedence and accepts a cron expression or descriptor
	// (e.g. "0 * * * *", "@hourly").
	CheckInterval string `json:"check_interval,omitempty"`
	CheckSpec     string `json:"check_spec,omitempty"`

	// Trigger timezone (IANA TZ, e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`

	// Grace is how long past expiry a record must be before a renewal is
	// attempted. Negative values renew ahead of expiry ("-72h" renews
	// three days early).
	Grace string `json:"grace,omitempty"`

	// Period is the subscription term; a successful renewal advances
	// expiry by this much.
	Period string `json:"period,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// RefreshInterval enables a periodic fetch of platform-side details
	// for every tracked record. "0s" disables it.
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
//
// If the whole section is omitted, alerting is disabled.
type NotifierConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// StorageConfig controls the optional persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "" or "none": disabled (registry is memory-only, lost on restart)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
