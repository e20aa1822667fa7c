package status

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "procexec/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "records")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "status.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			timeout := int64(30)
			rec := Record{ID: "job-1", Identifier: "echo", Status: StatusAccepted.String(), Timeout: &timeout, Store: true}
			if err := st.LogRequest(ctx, rec); err != nil {
				t.Fatalf("LogRequest: %v", err)
			}
			if err := st.LogRequest(ctx, rec); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate LogRequest err = %v, want ErrExists", err)
			}

			got, err := st.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Timestamp != nil {
				t.Fatalf("fresh record has timestamp %v", *got.Timestamp)
			}
			if got.Timeout == nil || *got.Timeout != 30 {
				t.Fatalf("timeout = %v", got.Timeout)
			}

			if err := st.UpdateStatus(ctx, "job-1", Update{Status: StatusStarted, Message: "Task started", Progress: 0}); err != nil {
				t.Fatalf("UpdateStatus started: %v", err)
			}
			if err := st.UpdateStatus(ctx, "job-1", Update{Status: StatusSucceeded, Message: "Task finished", Progress: 100}); err != nil {
				t.Fatalf("UpdateStatus succeeded: %v", err)
			}
			if err := st.UpdateStatus(ctx, "job-1", Update{Status: StatusFailed, Message: "late", Progress: NoProgress}); !errors.Is(err, ErrFinalized) {
				t.Fatalf("update after terminal err = %v, want ErrFinalized", err)
			}

			got, err = st.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != "SUCCEEDED" || got.Message != "Task finished" {
				t.Fatalf("record = %s %q", got.Status, got.Message)
			}
			if got.Timestamp == nil {
				t.Fatal("timestamp not set by update")
			}

			doc, err := st.GetResult(ctx, "job-1")
			if err != nil || doc != nil {
				t.Fatalf("GetResult before put = %q, %v", doc, err)
			}
			if err := st.PutResult(ctx, "job-1", []byte(`{"ok":true}`)); err != nil {
				t.Fatalf("PutResult: %v", err)
			}
			doc, err = st.GetResult(ctx, "job-1")
			if err != nil || string(doc) != `{"ok":true}` {
				t.Fatalf("GetResult = %q, %v", doc, err)
			}

			got.Pinned = true
			if err := st.Put(ctx, got); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, _ = st.Get(ctx, "job-1")
			if !got.Pinned {
				t.Fatal("pin not persisted")
			}
			regress := got
			regress.Status = "STARTED"
			if err := st.Put(ctx, regress); !errors.Is(err, ErrFinalized) {
				t.Fatalf("Put regressing terminal record err = %v, want ErrFinalized", err)
			}

			if err := st.Delete(ctx, "job-1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Get(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after delete err = %v", err)
			}
			if err := st.Delete(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second Delete err = %v", err)
			}
		})
	}
}

func TestStoreListOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"c", "a", "b"} {
				rec := Record{ID: id, Identifier: "echo", Status: "ACCEPTED", CreatedAt: base.Add(time.Duration(i) * time.Second)}
				if err := st.LogRequest(ctx, rec); err != nil {
					t.Fatalf("LogRequest %s: %v", id, err)
				}
			}
			recs, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(recs) != 3 || recs[0].ID != "c" || recs[1].ID != "a" || recs[2].ID != "b" {
				t.Fatalf("unexpected order: %+v", recs)
			}
		})
	}
}

func TestStoreToleratesLegacyStatus(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if err := st.LogRequest(ctx, Record{ID: "old", Identifier: "x", Status: "RUNNING"}); err != nil {
				t.Fatalf("LogRequest: %v", err)
			}
			got, err := st.Get(ctx, "old")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if _, ok := got.Phase(); ok {
				t.Fatal("legacy status parsed as known")
			}
		})
	}
}

func TestFileStoreReloadsFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "records")
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.LogRequest(ctx, Record{ID: "persist", Identifier: "echo", Status: "ACCEPTED"}); err != nil {
		t.Fatalf("LogRequest: %v", err)
	}
	if err := st.PutResult(ctx, "persist", []byte("doc")); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, err := st2.Get(ctx, "persist"); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	doc, err := st2.GetResult(ctx, "persist")
	if err != nil || string(doc) != "doc" {
		t.Fatalf("GetResult after reopen = %q, %v", doc, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLogRequestRejectsBadID(t *testing.T) {
	t.Parallel()
	if err := NewMemory().LogRequest(context.Background(), Record{ID: "../x"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("err = %v, want ErrInvalidID", err)
	}
}

func TestSetPinnedKeepsLatestStatus(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if err := st.LogRequest(ctx, Record{ID: "pin-1", Identifier: "echo", Status: "ACCEPTED"}); err != nil {
				t.Fatal(err)
			}
			stale, err := st.Get(ctx, "pin-1")
			if err != nil {
				t.Fatal(err)
			}
			// The worker moves on after the caller read the record.
			if err := st.UpdateStatus(ctx, "pin-1", Update{Status: StatusStarted, Message: "Task started", Progress: 40}); err != nil {
				t.Fatal(err)
			}

			rec, err := st.SetPinned(ctx, stale.ID, true)
			if err != nil {
				t.Fatalf("SetPinned: %v", err)
			}
			if !rec.Pinned || rec.Status != "STARTED" || rec.Progress == nil || *rec.Progress != 40 || rec.Timestamp == nil {
				t.Fatalf("SetPinned returned %+v", rec)
			}
			got, _ := st.Get(ctx, "pin-1")
			if !got.Pinned || got.Status != "STARTED" {
				t.Fatalf("stored %+v", got)
			}

			if err := st.UpdateStatus(ctx, "pin-1", Update{Status: StatusSucceeded, Progress: 100}); err != nil {
				t.Fatal(err)
			}
			if rec, err := st.SetPinned(ctx, "pin-1", false); err != nil || rec.Pinned || rec.Status != "SUCCEEDED" {
				t.Fatalf("unpin terminal record = %+v, %v", rec, err)
			}
			if _, err := st.SetPinned(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
				t.Fatalf("SetPinned missing err = %v", err)
			}
		})
	}
}

func TestFileStoreHandlesShareDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	daemon, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer daemon.Close()
	gc, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer gc.Close()

	// Records created after the second handle opened are visible to it.
	if err := daemon.LogRequest(ctx, Record{ID: "late", Identifier: "echo", Status: "SUCCEEDED"}); err != nil {
		t.Fatal(err)
	}
	recs, err := gc.List(ctx)
	if err != nil || len(recs) != 1 || recs[0].ID != "late" {
		t.Fatalf("List from second handle = %+v, %v", recs, err)
	}

	if err := gc.Delete(ctx, "late"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := daemon.Get(ctx, "late"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("daemon still sees deleted record: %v", err)
	}
	if err := daemon.UpdateStatus(ctx, "late", Update{Status: StatusFailed, Progress: NoProgress}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of deleted record err = %v", err)
	}
	if err := daemon.LogRequest(ctx, Record{ID: "late", Identifier: "echo", Status: "ACCEPTED"}); err != nil {
		t.Fatalf("id reusable after delete: %v", err)
	}
}
