package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

func i64(v int64) *int64 { return &v }

func TestReclaimable(t *testing.T) {
	t.Parallel()
	now := time.Unix(10_000, 0)
	day := 24 * time.Hour
	tests := []struct {
		name     string
		rec      status.Record
		reclaim  bool
		dangling bool
	}{
		{name: "never started", rec: status.Record{Status: "ACCEPTED"}, reclaim: true, dangling: true},
		{name: "queued within timeout", rec: status.Record{Status: "ACCEPTED", CreatedAt: time.Unix(9_950, 0), Timeout: i64(60)}},
		{name: "queued past timeout", rec: status.Record{Status: "ACCEPTED", CreatedAt: time.Unix(9_900, 0), Timeout: i64(60)}, reclaim: true, dangling: true},
		{name: "queued without timeout", rec: status.Record{Status: "ACCEPTED", CreatedAt: time.Unix(9_999, 0)}, reclaim: true, dangling: true},
		{name: "never started pinned", rec: status.Record{Status: "ACCEPTED", Pinned: true}, dangling: true},
		{name: "running within timeout", rec: status.Record{Status: "STARTED", Timestamp: i64(9_990), Timeout: i64(60)}},
		{name: "running past timeout", rec: status.Record{Status: "STARTED", Timestamp: i64(9_900), Timeout: i64(60)}, reclaim: true, dangling: true},
		{name: "running without timeout", rec: status.Record{Status: "PAUSED", Timestamp: i64(9_999)}, reclaim: true, dangling: true},
		{name: "done fresh", rec: status.Record{Status: "SUCCEEDED", Timestamp: i64(9_000)}},
		{name: "done expired by default", rec: status.Record{Status: "FAILED", Timestamp: i64(10_000 - 86_400)}, reclaim: true},
		{name: "done expired by own expiration", rec: status.Record{Status: "SUCCEEDED", Timestamp: i64(9_000), Expiration: i64(600)}, reclaim: true},
		{name: "done expired pinned", rec: status.Record{Status: "SUCCEEDED", Timestamp: i64(1), Pinned: true}},
		{name: "legacy status fresh", rec: status.Record{Status: "RUNNING", Timestamp: i64(9_999), Timeout: i64(1)}},
		{name: "legacy status expired", rec: status.Record{Status: "RUNNING", Timestamp: i64(1)}, reclaim: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			v := reclaimable(tt.rec, now, day)
			if v.reclaim != tt.reclaim || v.dangling != tt.dangling {
				t.Fatalf("reclaimable = %+v, want reclaim=%v dangling=%v", v, tt.reclaim, tt.dangling)
			}
		})
	}
}

func TestCleanRemovesRecordsAndWorkdirs(t *testing.T) {
	ctx := context.Background()
	store := status.NewMemory()
	dir := t.TempDir()
	ex, err := New(Config{WorkDir: dir, ResponseExpiration: time.Hour}, Deps{Store: store, Catalog: &fakeCatalog{}, Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100_000, 0)
	ex.now = func() time.Time { return now }

	recs := []status.Record{
		{ID: "dangling", Identifier: "x", Status: "ACCEPTED", CreatedAt: time.Unix(100_000-120, 0), Timeout: i64(60)},
		{ID: "queued", Identifier: "x", Status: "ACCEPTED", CreatedAt: time.Unix(100_000-10, 0), Timeout: i64(60)},
		{ID: "expired", Identifier: "x", Status: "SUCCEEDED", Timestamp: i64(100_000 - 7200)},
		{ID: "fresh", Identifier: "x", Status: "SUCCEEDED", Timestamp: i64(100_000 - 60)},
		{ID: "running", Identifier: "x", Status: "STARTED", Timestamp: i64(100_000 - 5), Timeout: i64(30)},
		{ID: "pinned", Identifier: "x", Status: "FAILED", Timestamp: i64(1), Pinned: true},
	}
	for _, r := range recs {
		if err := store.LogRequest(ctx, r); err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Join(dir, r.ID), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	rep := ex.Clean(ctx)
	if rep.Scanned != 6 || rep.Reclaimed != 2 || rep.Dangling != 1 || rep.Expired != 1 || rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	for _, id := range []string{"dangling", "expired"} {
		if _, err := store.Get(ctx, id); err == nil {
			t.Fatalf("%s still present", id)
		}
		if _, err := os.Stat(filepath.Join(dir, id)); !os.IsNotExist(err) {
			t.Fatalf("%s workdir survived", id)
		}
	}
	for _, id := range []string{"queued", "fresh", "running", "pinned"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("%s reclaimed: %v", id, err)
		}
	}
}

func TestReaperRunsOnSchedule(t *testing.T) {
	store := status.NewMemory()
	ex, err := New(Config{WorkDir: t.TempDir(), CleanupInterval: time.Second}, Deps{Store: store, Catalog: &fakeCatalog{defs: testDefs()}, Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.LogRequest(context.Background(), status.Record{ID: "stale", Identifier: "echo", Status: "ACCEPTED"}); err != nil {
		t.Fatal(err)
	}
	if err := ex.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ex.Shutdown(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.Get(context.Background(), "stale"); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("reaper never reclaimed the dangling record")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// flakyStore fails Delete for one id.
type flakyStore struct {
	status.Store
	failID string
}

func (s *flakyStore) Delete(ctx context.Context, id string) error {
	if id == s.failID {
		return errors.New("disk full")
	}
	return s.Store.Delete(ctx, id)
}

func TestCleanContinuesPastRecordFaults(t *testing.T) {
	ctx := context.Background()
	mem := status.NewMemory()
	dir := t.TempDir()
	store := &flakyStore{Store: mem, failID: "stuck"}
	ex, err := New(Config{WorkDir: dir, ResponseExpiration: time.Hour}, Deps{Store: store, Catalog: &fakeCatalog{}, Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100_000, 0)
	ex.now = func() time.Time { return now }

	for _, id := range []string{"a-old", "stuck", "z-old", "unremovable"} {
		if err := mem.LogRequest(ctx, status.Record{ID: id, Identifier: "x", Status: "SUCCEEDED", Timestamp: i64(1)}); err != nil {
			t.Fatal(err)
		}
	}
	// A read-only subdirectory makes RemoveAll fail for non-root users. The
	// record is reclaimed either way.
	parent := filepath.Join(dir, "unremovable")
	if err := os.MkdirAll(filepath.Join(parent, "locked"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "locked", "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(parent, "locked"), 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(parent, "locked"), 0o755) })

	rep := ex.Clean(ctx)
	if rep.Scanned != 4 || rep.Reclaimed != 3 || rep.Expired != 3 || rep.Errors != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := mem.Get(ctx, "stuck"); err != nil {
		t.Fatalf("stuck record should survive a failed delete: %v", err)
	}
	for _, id := range []string{"a-old", "z-old", "unremovable"} {
		if _, err := mem.Get(ctx, id); !errors.Is(err, status.ErrNotFound) {
			t.Fatalf("%s not reclaimed: %v", id, err)
		}
	}

	_, err = ex.Delete(ctx, "stuck")
	wantKind(t, err, KindInternal, CodeInternal)
}

func TestReaperScheduledByDefault(t *testing.T) {
	ex, err := New(Config{WorkDir: t.TempDir()}, Deps{Store: status.NewMemory(), Catalog: &fakeCatalog{defs: testDefs()}, Log: logx.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	if ex.cfg.CleanupInterval != 10*time.Minute {
		t.Fatalf("CleanupInterval = %v", ex.cfg.CleanupInterval)
	}
	if err := ex.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ex.Shutdown(context.Background())
	if ex.cron == nil || len(ex.cron.Entries()) != 1 {
		t.Fatal("reaper not scheduled")
	}
}
