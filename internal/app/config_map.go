package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"procexec/internal/catalog"
	"procexec/internal/config"
	"procexec/internal/executor"
	"procexec/internal/httpapi"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return status.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return status.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return status.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return status.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return status.Config{}, err
		}
		return status.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return status.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapCatalogConfig(cfg *config.Config) catalog.Config {
	return catalog.Config{
		Path:     strings.TrimSpace(cfg.Catalog.Path),
		Builtins: cfg.Catalog.BuiltinsEnabled(),
	}
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	s := cfg.Server
	if s.Workers < 0 {
		return executor.Config{}, fmt.Errorf("server.workers must be >= 0")
	}
	if s.MaxQueueSize < 0 {
		return executor.Config{}, fmt.Errorf("server.max_queue_size must be >= 0")
	}
	cleanup, err := config.ParseDurationOrDefault("server.cleanup_interval", s.CleanupInterval, 10*time.Minute)
	if err != nil {
		return executor.Config{}, err
	}
	expiration, err := config.ParseDurationOrDefault("server.response_expiration", s.ResponseExpiration, 24*time.Hour)
	if err != nil {
		return executor.Config{}, err
	}
	processTimeout, err := config.ParseDurationOrDefault("server.process_timeout", s.ProcessTimeout, 30*time.Minute)
	if err != nil {
		return executor.Config{}, err
	}
	checkInterval, err := config.ParseDurationOrDefault("server.restart_check_interval", s.RestartCheckInterval, 10*time.Second)
	if err != nil {
		return executor.Config{}, err
	}
	workdir := strings.TrimSpace(s.WorkDir)
	if workdir == "" {
		workdir = "./workdir"
	}
	return executor.Config{
		Workers:              s.Workers,
		MaxQueueSize:         s.MaxQueueSize,
		WorkDir:              workdir,
		CleanupInterval:      cleanup,
		ResponseExpiration:   expiration,
		ProcessTimeout:       processTimeout,
		RestartMonitorPath:   strings.TrimSpace(s.RestartMonitor),
		RestartCheckInterval: checkInterval,
		MemoryStats:          s.MemoryStats,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Sync executions hold the response open for the whole run, so write
	// timeout defaults to disabled.
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	if h.ExecuteRatePerSec < 0 {
		return httpapi.Config{}, fmt.Errorf("http.execute_rate_per_sec must be >= 0")
	}
	if h.ExecuteBurst < 0 {
		return httpapi.Config{}, fmt.Errorf("http.execute_burst must be >= 0")
	}
	if p := strings.TrimSpace(h.HostProxy); p != "" {
		if u, err := url.Parse(p); err != nil || u.Scheme == "" || u.Host == "" {
			return httpapi.Config{}, fmt.Errorf("http.host_proxy: invalid url %q", p)
		}
	}
	return httpapi.Config{
		Addr:              strings.TrimSpace(h.Addr),
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
		ExecuteRatePerSec: h.ExecuteRatePerSec,
		ExecuteBurst:      h.ExecuteBurst,
		HostProxy:         strings.TrimSpace(h.HostProxy),
		Pprof:             h.Pprof,
	}, nil
}

// validateConfig rejects configs that could not be mapped. It is installed as
// the config manager's validator so a bad hot reload never gets committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if u := strings.TrimSpace(cfg.Events.NATSURL); u != "" {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("events.nats_url: %w", err)
		}
	}
	return nil
}
