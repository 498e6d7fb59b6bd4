package notify

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Alert is one outbound message. Key groups repeats for dedup; an empty Key
// falls back to hashing the text.
type Alert struct {
	Key  string
	Text string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// AlertEvent is emitted on the event bus for alert lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
