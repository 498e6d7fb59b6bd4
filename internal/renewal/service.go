// Package renewal runs the periodic check-and-renew cycle over the registry.
//
// Each cycle snapshots the due records and renews them sequentially with
// bounded retries. Failures never abort the cycle or the daemon: they are
// logged, recorded in the audit trail, and alerted.
package renewal

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"renewd/internal/eventbus"
	"renewd/internal/registry"
	"renewd/internal/storage"
	logx "renewd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	reg    *registry.Registry
	client PlatformClient
	store  storage.Store
	alerts AlertSink

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context

	inCycle   atomic.Bool
	inRefresh atomic.Bool
	rng       *rand.Rand

	hist      []Outcome
	histHead  int
	histCount int
	lastCycle CycleStats
}

func New(cfg Config, reg *registry.Registry, client PlatformClient, store storage.Store, alerts AlertSink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		reg:    reg,
		client: client,
		store:  store,
		alerts: alerts,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		hist:   make([]Outcome, cfg.HistorySize),
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the configuration. If the trigger cadence or timezone changed
// while running, the cron runner is rebuilt.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if cap(s.hist) != cfg.HistorySize {
		s.hist = make([]Outcome, cfg.HistorySize)
		s.histHead, s.histCount = 0, 0
	}
	restart := s.c != nil &&
		(old.CheckInterval != cfg.CheckInterval ||
			old.CheckSpec != cfg.CheckSpec ||
			strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) ||
			old.RefreshInterval != cfg.RefreshInterval)
	s.mu.Unlock()

	if restart {
		s.log.Info("trigger config changed; restarting cron")
		s.stopCron(context.Background())
		s.startCron()
	}
}

// Start registers the cron triggers and runs one immediate check cycle so a
// freshly started daemon does not wait a full interval.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.mu.Unlock()

	s.startCron()

	go func() {
		stats := s.CheckDue(ctx)
		if !stats.Skipped {
			s.log.Info("initial check complete",
				logx.Int("due", stats.Due), logx.Int("renewed", stats.Renewed), logx.Int("failed", stats.Failed))
		}
	}()
}

// Stop halts triggering. A cycle in flight finishes on its own context.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")
	s.stopCron(ctx)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCron() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cfg := s.cfg
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	spec := strings.TrimSpace(cfg.CheckSpec)
	if spec == "" {
		spec = "@every " + cfg.CheckInterval.String()
	}
	if _, err := c.AddFunc(spec, func() { s.CheckDue(ctx) }); err != nil {
		s.log.Error("invalid check spec; falling back to interval",
			logx.String("spec", spec), logx.Err(err))
		_, _ = c.AddFunc("@every "+cfg.CheckInterval.String(), func() { s.CheckDue(ctx) })
	}

	if cfg.RefreshInterval > 0 {
		_, _ = c.AddFunc("@every "+cfg.RefreshInterval.String(), func() { s.RefreshAll(ctx) })
	}

	c.Start()
	s.c = c
	s.log.Info("service started",
		logx.String("spec", spec), logx.String("tz", loc.String()),
		logx.Duration("grace", cfg.Grace))
}

func (s *Service) stopCron(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
}

// Fetch retrieves platform-side subscription details. Any failure is logged
// and reported as absent details, never as an error to the caller.
func (s *Service) Fetch(ctx context.Context, platform, id string) map[string]any {
	details, err := s.client.Fetch(ctx, platform, id)
	if err != nil {
		s.log.Warn("fetch failed",
			logx.String("platform", platform), logx.String("id", id), logx.Err(err))
		return nil
	}
	return details
}

// Snapshot returns the most recent outcomes, newest first, plus the stats of
// the last completed cycle.
func (s *Service) Snapshot() ([]Outcome, CycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outcome, 0, s.histCount)
	for i := 0; i < s.histCount; i++ {
		idx := (s.histHead - 1 - i + len(s.hist)) % len(s.hist)
		out = append(out, s.hist[idx])
	}
	return out, s.lastCycle
}

func (s *Service) record(o Outcome) {
	s.mu.Lock()
	if len(s.hist) > 0 {
		s.hist[s.histHead] = o
		s.histHead = (s.histHead + 1) % len(s.hist)
		if s.histCount < len(s.hist) {
			s.histCount++
		}
	}
	s.mu.Unlock()
}

func (s *Service) alert(ctx context.Context, key, text string) {
	if s.alerts == nil {
		return
	}
	s.alerts.Notify(ctx, key, text)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func subject(platform, id string) string {
	return fmt.Sprintf("%s/%s", platform, id)
}
