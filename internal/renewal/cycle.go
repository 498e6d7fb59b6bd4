package renewal

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"renewd/internal/eventbus"
	"renewd/internal/platform"
	"renewd/internal/registry"
	"renewd/internal/storage"
	logx "renewd/pkg/logx"
)

// CheckDue runs one check cycle: snapshot the due records and renew each in
// turn. Overlapping cycles are skipped, not queued; the next trigger picks up
// whatever is still due.
func (s *Service) CheckDue(ctx context.Context) CycleStats {
	if !s.inCycle.CompareAndSwap(false, true) {
		s.log.Warn("check cycle still running; skipping trigger")
		return CycleStats{Skipped: true}
	}
	defer s.inCycle.Store(false)

	s.mu.Lock()
	grace := s.cfg.Grace
	s.mu.Unlock()

	start := time.Now()
	stats := CycleStats{StartedAt: start, Tracked: s.reg.Len()}

	due := s.reg.Due(start, grace)
	stats.Due = len(due)
	s.log.Debug("check cycle started",
		logx.Int("tracked", stats.Tracked), logx.Int("due", stats.Due))

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if s.renewOne(ctx, rec) {
			stats.Renewed++
		} else {
			stats.Failed++
		}
	}

	stats.Took = time.Since(start)
	s.mu.Lock()
	s.lastCycle = stats
	s.mu.Unlock()

	if stats.Failed > 0 {
		s.publish(eventbus.TypeCycleFailed, stats)
	} else {
		s.publish(eventbus.TypeCycleCompleted, stats)
	}
	s.log.Info("check cycle complete",
		logx.Int("tracked", stats.Tracked), logx.Int("due", stats.Due),
		logx.Int("renewed", stats.Renewed), logx.Int("failed", stats.Failed),
		logx.Duration("took", stats.Took))
	return stats
}

// renewOne attempts the renewal with bounded retries. Returns true on
// success. Failures are swallowed: audit, alert, log.
func (s *Service) renewOne(ctx context.Context, rec registry.Record) bool {
	s.mu.Lock()
	cfg := s.cfg
	rng := s.rng
	s.mu.Unlock()

	start := time.Now()
	var lastErr error
	attempts := 0

	for try := 0; try <= cfg.RetryMax; try++ {
		if try > 0 {
			d := backoffDelay(cfg.RetryBase, cfg.RetryMaxDelay, cfg.RetryJitter, try, rng)
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		attempts++
		lastErr = s.client.Renew(ctx, rec.Platform, rec.ID)
		if lastErr == nil {
			break
		}
		// 4xx responses will not improve with retries.
		if code := platform.HTTPStatus(lastErr); code >= 400 && code < 500 {
			break
		}
		s.log.Debug("renew attempt failed",
			logx.String("subscription", subject(rec.Platform, rec.ID)),
			logx.Int("attempt", attempts), logx.Err(lastErr))
	}

	took := time.Since(start)
	o := Outcome{
		At:         start,
		Platform:   rec.Platform,
		ID:         rec.ID,
		OK:         lastErr == nil,
		HTTPStatus: platform.HTTPStatus(lastErr),
		Err:        errString(lastErr),
		Attempts:   attempts,
		Took:       took,
	}
	s.record(o)
	s.audit(ctx, o)

	if lastErr != nil {
		s.reg.MarkFailed(ctx, rec.Platform, rec.ID, lastErr.Error())
		s.log.Warn("renewal failed",
			logx.String("subscription", subject(rec.Platform, rec.ID)),
			logx.Int("attempts", attempts), logx.Err(lastErr))
		s.publish(eventbus.TypeRenewalFailed, o)
		s.alert(ctx, "renewal-failed:"+subject(rec.Platform, rec.ID),
			fmt.Sprintf("Renewal failed for %s after %d attempt(s): %v",
				subject(rec.Platform, rec.ID), attempts, lastErr))
		return false
	}

	now := time.Now()
	s.reg.MarkRenewed(ctx, rec.Platform, rec.ID, now)
	s.log.Info("renewed",
		logx.String("subscription", subject(rec.Platform, rec.ID)),
		logx.Int("attempts", attempts), logx.Duration("took", took))
	s.publish(eventbus.TypeRenewalSucceeded, o)
	return true
}

// RefreshAll fetches platform-side details for every tracked record. Results
// are logged only; the registry stays authoritative for expiry.
func (s *Service) RefreshAll(ctx context.Context) {
	if !s.inRefresh.CompareAndSwap(false, true) {
		return
	}
	defer s.inRefresh.Store(false)

	recs := s.reg.Snapshot()
	missing := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		details := s.Fetch(ctx, rec.Platform, rec.ID)
		if details == nil {
			missing++
			continue
		}
		if status, ok := details["status"].(string); ok && status != string(registry.StatusActive) {
			s.log.Warn("platform reports non-active status",
				logx.String("subscription", subject(rec.Platform, rec.ID)),
				logx.String("status", status))
		}
	}
	s.log.Debug("refresh complete",
		logx.Int("records", len(recs)), logx.Int("unreachable", missing))
}

func (s *Service) audit(ctx context.Context, o Outcome) {
	if s.store == nil {
		return
	}
	e := storage.RenewalEntry{
		At:             o.At,
		Platform:       o.Platform,
		SubscriptionID: o.ID,
		OK:             o.OK,
		HTTPStatus:     o.HTTPStatus,
		Error:          o.Err,
		Attempts:       o.Attempts,
		TookMS:         o.Took.Milliseconds(),
	}
	if err := s.store.AppendRenewal(ctx, e); err != nil {
		s.log.Warn("renewal audit not persisted", logx.Err(err))
	}
}

// backoffDelay returns the delay before retry number `try` (1-based):
// exponential from base, capped at maxD, with +/- jitter fraction.
func backoffDelay(base, maxD time.Duration, jitter float64, try int, rng *rand.Rand) time.Duration {
	d := base
	for i := 1; i < try; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if d > maxD {
		d = maxD
	}
	if jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	return d
}
