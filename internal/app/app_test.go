package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"procexec/internal/config"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{"defaults", config.Config{}, ""},
		{"sqlite needs path", config.Config{Storage: config.StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"file needs path", config.Config{Storage: config.StorageConfig{Driver: "file"}}, "storage.path"},
		{"unknown driver", config.Config{Storage: config.StorageConfig{Driver: "redis"}}, "unknown storage.driver"},
		{"negative workers", config.Config{Server: config.ServerConfig{Workers: -1}}, "server.workers"},
		{"bad interval", config.Config{Server: config.ServerConfig{CleanupInterval: "often"}}, "server.cleanup_interval"},
		{"negative rate", config.Config{HTTP: config.HTTPConfig{ExecuteRatePerSec: -1}}, "execute_rate_per_sec"},
		{"bad proxy", config.Config{HTTP: config.HTTPConfig{HostProxy: "not a url"}}, "http.host_proxy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := validateConfig(context.Background(), &cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapExecutorConfigDefaults(t *testing.T) {
	ec, err := mapExecutorConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if ec.ResponseExpiration != 24*time.Hour || ec.ProcessTimeout != 30*time.Minute ||
		ec.RestartCheckInterval != 10*time.Second || ec.CleanupInterval != 10*time.Minute || ec.WorkDir != "./workdir" {
		t.Fatalf("defaults = %+v", ec)
	}

	ec, err = mapExecutorConfig(&config.Config{Server: config.ServerConfig{
		Workers:            3,
		MaxQueueSize:       7,
		CleanupInterval:    "1m",
		ResponseExpiration: "2h",
		RestartMonitor:     " /run/procexec/reload ",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if ec.Workers != 3 || ec.MaxQueueSize != 7 || ec.CleanupInterval != time.Minute || ec.ResponseExpiration != 2*time.Hour ||
		ec.RestartMonitorPath != "/run/procexec/reload" {
		t.Fatalf("mapped = %+v", ec)
	}
}

func TestAppServesAndStops(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
server:
  workdir: %s
logging:
  level: error
http:
  addr: 127.0.0.1:0
`, filepath.Join(dir, "work")))

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.http.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("http server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post("http://"+a.http.Addr()+"/jobs/echo/execute", "application/json", strings.NewReader(`{"inputs":{"k":"v"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	err = json.NewDecoder(resp.Body).Decode(&doc)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: code=%d err=%v", resp.StatusCode, err)
	}
	if doc["identifier"] != "echo" {
		t.Fatalf("doc = %v", doc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	// second stop is a no-op
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "storage:\n  driver: sqlite\n")
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "storage.path") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunGCReclaimsExpiredRecords(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	workDir := filepath.Join(dir, "work")
	path := writeConfig(t, dir, fmt.Sprintf(`
server:
  workdir: %s
  response_expiration: 1h
storage:
  driver: file
  path: %s
`, workDir, storeDir))

	st, err := status.Open(status.Config{Driver: "file", Path: storeDir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour).Unix()
	fresh := time.Now().Unix()
	for id, ts := range map[string]int64{"old": old, "fresh": fresh} {
		ts := ts
		rec := status.Record{ID: id, Identifier: "echo", Status: status.StatusSucceeded.String(), Timestamp: &ts}
		if err := st.LogRequest(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Join(workDir, id), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Close()

	rep, err := RunGC(ctx, path, logx.Nop())
	if err != nil {
		t.Fatalf("RunGC: %v", err)
	}
	if rep.Scanned != 2 || rep.Reclaimed != 1 || rep.Expired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(workDir, "old")); !os.IsNotExist(err) {
		t.Fatalf("old workdir still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "fresh")); err != nil {
		t.Fatalf("fresh workdir removed: %v", err)
	}

	st, err = status.Open(status.Config{Driver: "file", Path: storeDir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, err := st.Get(ctx, "old"); err != status.ErrNotFound {
		t.Fatalf("old record: %v", err)
	}
	if _, err := st.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh record: %v", err)
	}
}
