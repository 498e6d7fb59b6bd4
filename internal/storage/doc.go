// Package storage provides renewd's optional persistence layer.
//
// It currently supports:
//   - Subscription records (so the registry survives restarts)
//   - Renewal attempt audit appends
//   - Notifier dedup state (to suppress duplicate alerts across restarts)
package storage
