package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": dependency-free file backend (snapshot + jsonl)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SubscriptionRow is the persisted form of a registry record.
// Keep it compact and schema-stable.
type SubscriptionRow struct {
	Platform      string    `json:"platform"`
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	AddedAt       time.Time `json:"added_at"`
	Expiry        time.Time `json:"expiry"`
	LastRenewedAt time.Time `json:"last_renewed_at,omitzero"`
	RenewCount    int       `json:"renew_count,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// RenewalEntry records one renewal attempt (success or failure).
type RenewalEntry struct {
	At             time.Time `json:"at"`
	Platform       string    `json:"platform"`
	SubscriptionID string    `json:"subscription_id"`
	OK             bool      `json:"ok"`
	HTTPStatus     int       `json:"http_status,omitempty"` // 0 on transport error
	Error          string    `json:"err,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	TookMS         int64     `json:"took_ms,omitempty"`
}
