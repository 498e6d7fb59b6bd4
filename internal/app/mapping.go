package app

import (
	"fmt"
	"strings"
	"time"

	"renewd/internal/config"
	"renewd/internal/notify"
	"renewd/internal/observability/pprof"
	"renewd/internal/platform"
	"renewd/internal/registry"
	"renewd/internal/renewal"
	"renewd/internal/storage"
	"renewd/internal/transport/telegram"
)

// The config file keeps durations as strings; component configs use
// time.Duration. These helpers translate and validate, so a bad hot-reload is
// rejected before anything is applied.

func mapClientConfig(cfg *config.Config) (platform.Config, error) {
	timeout, err := config.ParseDurationOrDefault("client.request_timeout", cfg.Client.RequestTimeout, 15*time.Second)
	if err != nil {
		return platform.Config{}, err
	}
	if cfg.Client.RatePerSec < 0 {
		return platform.Config{}, fmt.Errorf("client.rate_per_sec must be >= 0")
	}
	return platform.Config{
		RequestTimeout: timeout,
		RatePerSec:     cfg.Client.RatePerSec,
		PaymentMethod:  cfg.Client.PaymentMethod,
		UserAgent:      cfg.Client.UserAgent,
		BaseURLs:       cfg.Client.BaseURLs,
	}, nil
}

func mapRenewalConfig(cfg *config.Config) (renewal.Config, error) {
	interval, err := config.ParseDurationOrDefault("renewal.check_interval", cfg.Renewal.CheckInterval, time.Hour)
	if err != nil {
		return renewal.Config{}, err
	}
	grace, err := config.ParseSignedDurationField("renewal.grace", cfg.Renewal.Grace, 7*24*time.Hour)
	if err != nil {
		return renewal.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("renewal.retry_base", cfg.Renewal.RetryBase, 500*time.Millisecond)
	if err != nil {
		return renewal.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("renewal.retry_max_delay", cfg.Renewal.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return renewal.Config{}, err
	}
	refresh, err := config.ParseDurationField("renewal.refresh_interval", cfg.Renewal.RefreshInterval)
	if err != nil {
		return renewal.Config{}, err
	}
	if cfg.Renewal.RetryMax < 0 {
		return renewal.Config{}, fmt.Errorf("renewal.retry_max must be >= 0")
	}
	if cfg.Renewal.HistorySize < 0 {
		return renewal.Config{}, fmt.Errorf("renewal.history_size must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Renewal.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return renewal.Config{}, fmt.Errorf("renewal.timezone: invalid %q: %w", tz, err)
		}
	}
	return renewal.Config{
		Enabled:         cfg.Renewal.Enabled,
		CheckInterval:   interval,
		CheckSpec:       cfg.Renewal.CheckSpec,
		Timezone:        cfg.Renewal.Timezone,
		Grace:           grace,
		RetryMax:        cfg.Renewal.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		HistorySize:     cfg.Renewal.HistorySize,
		RefreshInterval: refresh,
	}, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	period, err := config.ParseDurationOrDefault("renewal.period", cfg.Renewal.Period, 30*24*time.Hour)
	if err != nil {
		return registry.Config{}, err
	}
	if len(cfg.Platforms) == 0 {
		return registry.Config{}, fmt.Errorf("platforms must not be empty")
	}
	return registry.Config{
		Platforms: cfg.Platforms,
		Period:    period,
	}, nil
}

func desiredKeys(cfg *config.Config) []registry.Key {
	out := make([]registry.Key, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		out = append(out, registry.Key{Platform: s.Platform, ID: s.ID})
	}
	return out
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, telegram.Config, error) {
	if cfg.Notifier == nil {
		return notify.Config{}, telegram.Config{}, nil
	}
	n := cfg.Notifier
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, telegram.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, telegram.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, telegram.Config{}, err
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notify.Config{}, telegram.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	if n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			return notify.Config{}, telegram.Config{}, fmt.Errorf("notifier.telegram.token is required when notifier is enabled")
		}
		if n.Telegram.ChatID == 0 {
			return notify.Config{}, telegram.Config{}, fmt.Errorf("notifier.telegram.chat_id is required when notifier is enabled")
		}
	}
	return notify.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			RetryBase:       retryBase,
			RetryMaxDelay:   retryMaxDelay,
			DedupWindow:     dedupWindow,
			DedupMaxEntries: n.DedupMaxEntries,
			PersistDedup:    n.PersistDedup,
		}, telegram.Config{
			Token:  n.Telegram.Token,
			ChatID: n.Telegram.ChatID,
		}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required for driver %q", driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationField("pprof.idle_timeout", cfg.Pprof.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
