// Package registry holds the in-memory set of tracked subscription records,
// keyed platform -> subscription id.
//
// The registry is mutated from two sides: config hot reload (desired-state
// sync) and the renewal service (expiry advances). All access goes through
// an RWMutex. Mutations are written through to the optional store;
// persistence failures are logged, never propagated.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"renewd/internal/storage"
	logx "renewd/pkg/logx"
)

type Status string

// StatusActive is the only stored status. Removed records are deleted,
// not marked.
const StatusActive Status = "active"

// Record is the tracked state for one platform+id pair.
type Record struct {
	Platform      string
	ID            string
	Status        Status
	AddedAt       time.Time
	Expiry        time.Time
	LastRenewedAt time.Time
	RenewCount    int
	LastError     string
}

// Key identifies a record.
type Key struct {
	Platform string
	ID       string
}

type Config struct {
	// Platforms is the supported platform set. Adds outside it are rejected.
	Platforms []string
	// Period is the subscription term used for new records and for expiry
	// advances on successful renewal.
	Period time.Duration
}

type Registry struct {
	mu        sync.RWMutex
	supported map[string]struct{}
	period    time.Duration
	recs      map[string]map[string]*Record

	log   logx.Logger
	store storage.Store
}

func New(cfg Config, store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		recs:  map[string]map[string]*Record{},
		log:   log,
		store: store,
	}
	r.Apply(cfg)
	return r
}

// Apply updates the supported platform set and the period.
// Existing records on platforms that are no longer supported stay tracked;
// the desired-state sync is responsible for removals.
func (r *Registry) Apply(cfg Config) {
	sup := make(map[string]struct{}, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		p = strings.TrimSpace(p)
		if p != "" {
			sup[p] = struct{}{}
		}
	}
	period := cfg.Period
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}

	r.mu.Lock()
	r.supported = sup
	r.period = period
	r.mu.Unlock()
}

func (r *Registry) Supported(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.supported[platform]
	return ok
}

// Add starts tracking a subscription. Unsupported platforms are rejected
// (logged, no-op). Adding an already-tracked pair is a no-op, so Add is
// idempotent. Returns true if a record was created.
func (r *Registry) Add(ctx context.Context, platform, id string) bool {
	r.mu.Lock()
	if _, ok := r.supported[platform]; !ok {
		r.mu.Unlock()
		r.log.Warn("platform not supported; subscription rejected",
			logx.String("platform", platform), logx.String("id", id))
		return false
	}
	if _, ok := r.recs[platform][id]; ok {
		r.mu.Unlock()
		return false
	}
	now := time.Now()
	rec := &Record{
		Platform: platform,
		ID:       id,
		Status:   StatusActive,
		AddedAt:  now,
		Expiry:   now.Add(r.period),
	}
	if r.recs[platform] == nil {
		r.recs[platform] = map[string]*Record{}
	}
	r.recs[platform][id] = rec
	cp := *rec
	r.mu.Unlock()

	r.persist(ctx, cp)
	r.log.Info("subscription added",
		logx.String("platform", platform), logx.String("id", id), logx.Time("expiry", cp.Expiry))
	return true
}

// Remove stops tracking a subscription. Unknown pairs are a no-op.
// Returns true if a record was deleted.
func (r *Registry) Remove(ctx context.Context, platform, id string) bool {
	r.mu.Lock()
	if _, ok := r.supported[platform]; !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.recs[platform][id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.recs[platform], id)
	if len(r.recs[platform]) == 0 {
		delete(r.recs, platform)
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteSubscription(ctx, platform, id); err != nil {
			r.log.Warn("subscription delete not persisted",
				logx.String("platform", platform), logx.String("id", id), logx.Err(err))
		}
	}
	r.log.Info("subscription removed", logx.String("platform", platform), logx.String("id", id))
	return true
}

func (r *Registry) Get(platform, id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[platform][id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.recs {
		n += len(m)
	}
	return n
}

// Snapshot returns a stable-ordered copy of all records.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, 8)
	for _, m := range r.recs {
		for _, rec := range m {
			out = append(out, *rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Due returns the records whose expiry is more than grace in the past at
// the given instant. A negative grace selects records ahead of expiry.
func (r *Registry) Due(now time.Time, grace time.Duration) []Record {
	all := r.Snapshot()
	out := all[:0]
	for _, rec := range all {
		if now.After(rec.Expiry.Add(grace)) {
			out = append(out, rec)
		}
	}
	return out
}

// MarkRenewed records a successful renewal: the term restarts at the renewal
// instant, so the new expiry is at + period.
func (r *Registry) MarkRenewed(ctx context.Context, platform, id string, at time.Time) {
	r.mu.Lock()
	rec, ok := r.recs[platform][id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Expiry = at.Add(r.period)
	rec.LastRenewedAt = at
	rec.RenewCount++
	rec.LastError = ""
	cp := *rec
	r.mu.Unlock()

	r.persist(ctx, cp)
}

// MarkFailed records the latest renewal error for operational visibility.
// It does not change expiry, so the record stays due and is retried on the
// next cycle.
func (r *Registry) MarkFailed(ctx context.Context, platform, id, errMsg string) {
	r.mu.Lock()
	rec, ok := r.recs[platform][id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.LastError = errMsg
	cp := *rec
	r.mu.Unlock()

	r.persist(ctx, cp)
}

// SyncDesired reconciles the registry against the configured desired set:
// missing pairs are added, tracked pairs absent from the set are removed.
// Pairs on unsupported platforms are rejected by Add as usual.
func (r *Registry) SyncDesired(ctx context.Context, desired []Key) (added, removed int) {
	want := make(map[Key]struct{}, len(desired))
	for _, k := range desired {
		if k.Platform == "" || k.ID == "" {
			continue
		}
		want[k] = struct{}{}
	}

	for _, rec := range r.Snapshot() {
		if _, ok := want[Key{Platform: rec.Platform, ID: rec.ID}]; !ok {
			if r.Remove(ctx, rec.Platform, rec.ID) {
				removed++
			}
		}
	}
	for k := range want {
		if _, ok := r.Get(k.Platform, k.ID); !ok {
			if r.Add(ctx, k.Platform, k.ID) {
				added++
			}
		}
	}
	return added, removed
}

// Load replaces in-memory records with the persisted set.
// Records on platforms outside the supported set are kept (the desired-state
// sync decides their fate) but logged.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	recs := map[string]map[string]*Record{}
	unsupported := 0
	r.mu.Lock()
	for _, row := range rows {
		if _, ok := r.supported[row.Platform]; !ok {
			unsupported++
		}
		if recs[row.Platform] == nil {
			recs[row.Platform] = map[string]*Record{}
		}
		recs[row.Platform][row.ID] = &Record{
			Platform:      row.Platform,
			ID:            row.ID,
			Status:        Status(row.Status),
			AddedAt:       row.AddedAt,
			Expiry:        row.Expiry,
			LastRenewedAt: row.LastRenewedAt,
			RenewCount:    row.RenewCount,
			LastError:     row.LastError,
		}
	}
	r.recs = recs
	r.mu.Unlock()

	if unsupported > 0 {
		r.log.Warn("loaded records on unsupported platforms", logx.Int("count", unsupported))
	}
	r.log.Info("registry loaded", logx.Int("records", len(rows)))
	return nil
}

func (r *Registry) persist(ctx context.Context, rec Record) {
	if r.store == nil {
		return
	}
	row := storage.SubscriptionRow{
		Platform:      rec.Platform,
		ID:            rec.ID,
		Status:        string(rec.Status),
		AddedAt:       rec.AddedAt,
		Expiry:        rec.Expiry,
		LastRenewedAt: rec.LastRenewedAt,
		RenewCount:    rec.RenewCount,
		LastError:     rec.LastError,
	}
	if err := r.store.UpsertSubscription(ctx, row); err != nil {
		r.log.Warn("subscription not persisted",
			logx.String("platform", rec.Platform), logx.String("id", rec.ID), logx.Err(err))
	}
}
