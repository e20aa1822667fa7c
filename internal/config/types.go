package config

// Config is the daemon configuration file.
//
// Durations are Go duration strings (e.g. "500ms", "10s", "24h"). An empty
// string means "use the default".
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Catalog CatalogConfig `json:"catalog"`
	HTTP    HTTPConfig    `json:"http"`
	Events  EventsConfig  `json:"events"`
}

// ServerConfig controls the executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - max_queue_size: 64
//   - workdir: "./workdir"
//   - cleanup_interval: "10m"
//   - response_expiration: "24h"
//   - process_timeout: "30m"
//   - restart_monitor: "" (watch the catalog file, if any)
//   - restart_check_interval: "10s"
type ServerConfig struct {
	Workers      int    `json:"workers,omitempty"`
	MaxQueueSize int    `json:"max_queue_size,omitempty"`
	WorkDir      string `json:"workdir,omitempty"`

	CleanupInterval    string `json:"cleanup_interval,omitempty"`
	ResponseExpiration string `json:"response_expiration,omitempty"`
	ProcessTimeout     string `json:"process_timeout,omitempty"`

	// RestartMonitor is a signal file; touching it reloads the job catalog.
	RestartMonitor       string `json:"restart_monitor,omitempty"`
	RestartCheckInterval string `json:"restart_check_interval,omitempty"`

	MemoryStats bool `json:"memory_stats,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the status store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./procexec.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// CatalogConfig selects where job definitions come from.
// With an empty Path only the builtin jobs are served.
type CatalogConfig struct {
	Path string `json:"path,omitempty"`
	// Builtins registers echo/sleep/fail. Pointer so omission means true.
	Builtins *bool `json:"builtins,omitempty"`
}

// HTTPConfig controls the JSON API server.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// ExecuteRatePerSec limits POST /jobs/{id}/execute. 0 disables the limiter.
	ExecuteRatePerSec float64 `json:"execute_rate_per_sec,omitempty"`
	ExecuteBurst      int     `json:"execute_burst,omitempty"`

	// HostProxy overrides the base URL of status/result links.
	HostProxy string `json:"host_proxy,omitempty"`
	// Pprof mounts the profiler under /debug. Prefer a loopback Addr.
	Pprof bool `json:"pprof,omitempty"`
}

// EventsConfig controls lifecycle event forwarding.
// An empty NATSURL keeps events process-local.
type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// BuiltinsEnabled reports the effective catalog.builtins value.
func (c CatalogConfig) BuiltinsEnabled() bool {
	return c.Builtins == nil || *c.Builtins
}
