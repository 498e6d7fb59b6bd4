package config

import (
	"encoding/json"

	logx "renewd/pkg/logx"
)

// SummarizeChange reports which top-level config sections differ between two
// configs, plus a few structured attributes for log lines. It never includes
// secret values (tokens) in its output.
func SummarizeChange(old, new *Config) (sections []string, attrs []logx.Field) {
	if old == nil || new == nil {
		if new != nil {
			return []string{"all"}, nil
		}
		return nil, nil
	}

	add := func(name string, a, b any) {
		if !jsonEqual(a, b) {
			sections = append(sections, name)
		}
	}

	add("logging", old.Logging, new.Logging)
	add("platforms", old.Platforms, new.Platforms)
	add("subscriptions", old.Subscriptions, new.Subscriptions)
	add("client", old.Client, new.Client)
	add("renewal", old.Renewal, new.Renewal)
	add("notifier", old.Notifier, new.Notifier)
	add("storage", old.Storage, new.Storage)
	add("pprof", old.Pprof, new.Pprof)

	for _, s := range sections {
		switch s {
		case "platforms":
			attrs = append(attrs, logx.Int("platforms", len(new.Platforms)))
		case "subscriptions":
			attrs = append(attrs, logx.Int("subscriptions", len(new.Subscriptions)))
		}
	}
	return sections, attrs
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
