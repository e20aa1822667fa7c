package config

import (
	"hash/fnv"
	"sort"
	"strings"

	logx "procexec/pkg/logx"
)

// LiveSections are applied without a restart. Everything else is logged as
// "restart required".
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured attrs for logging. NATS URLs may carry credentials and are only
// reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Server != newCfg.Server {
		s := newCfg.Server
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Int("server.workers", s.Workers),
			logx.Int("server.max_queue_size", s.MaxQueueSize),
			logx.String("server.cleanup_interval", strings.TrimSpace(s.CleanupInterval)),
			logx.String("server.restart_monitor", strings.TrimSpace(s.RestartMonitor)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Catalog.Path != newCfg.Catalog.Path ||
		oldCfg.Catalog.BuiltinsEnabled() != newCfg.Catalog.BuiltinsEnabled() {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.path", strings.TrimSpace(newCfg.Catalog.Path)),
			logx.Bool("catalog.builtins", newCfg.Catalog.BuiltinsEnabled()),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Float64("http.execute_rate_per_sec", newCfg.HTTP.ExecuteRatePerSec),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.nats_set", strings.TrimSpace(newCfg.Events.NATSURL) != ""),
			logx.String("events.subject_prefix", strings.TrimSpace(newCfg.Events.SubjectPrefix)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters the sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
