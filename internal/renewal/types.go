package renewal

import (
	"context"
	"time"
)

// Config controls the periodic renewal check.
type Config struct {
	Enabled bool

	// CheckInterval is the cycle cadence. CheckSpec, when non-empty, takes
	// precedence and accepts a cron expression or descriptor ("@hourly",
	// "0 3 * * *").
	CheckInterval time.Duration
	CheckSpec     string
	Timezone      string

	// Grace is how long past expiry a record must be before a renewal is
	// attempted. Negative values renew ahead of expiry.
	Grace time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	HistorySize int

	// RefreshInterval enables a periodic detail fetch for every tracked
	// record. Zero disables it.
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Hour
	}
	if c.Grace == 0 {
		c.Grace = 7 * 24 * time.Hour
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Outcome records one renewal attempt chain for one subscription.
type Outcome struct {
	At         time.Time
	Platform   string
	ID         string
	OK         bool
	HTTPStatus int // last status, 0 on transport error
	Err        string
	Attempts   int
	Took       time.Duration
}

// CycleStats summarizes one check cycle.
type CycleStats struct {
	StartedAt time.Time
	Took      time.Duration
	Tracked   int
	Due       int
	Renewed   int
	Failed    int
	Skipped   bool // previous cycle still running
}

// PlatformClient is the outbound API the service needs.
type PlatformClient interface {
	Fetch(ctx context.Context, platform, id string) (map[string]any, error)
	Renew(ctx context.Context, platform, id string) error
}

// AlertSink receives human-readable failure alerts. Implementations must not
// block; nil sinks are allowed.
type AlertSink interface {
	Notify(ctx context.Context, key, text string)
}
