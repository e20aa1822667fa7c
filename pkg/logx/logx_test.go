package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterCarriesDerivedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("executor"))
	log.Info("job accepted", JobID("abc"), Job("echo"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for k, want := range map[string]string{KeyComponent: "executor", KeyJobID: "abc", KeyJob: "echo", "message": "job accepted"} {
		if line[k] != want {
			t.Fatalf("%s = %v, want %q", k, line[k], want)
		}
	}
	if c, _ := line["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatal("Enabled disagrees with level")
	}
}

func TestZeroAndNopAreSilent(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Error("nothing")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
	Nop().With(JobID("x")).Error("nothing")
}

func TestServiceApplySwitchesFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })
	log = log.With(Component("test"))

	log.Info("to first")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: second}})
	log.Info("to second")
	log.Debug("filtered")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(a), "to first") || strings.Contains(string(a), "to second") {
		t.Fatalf("first log = %q", a)
	}
	if !strings.Contains(string(b), "to second") || strings.Contains(string(b), "filtered") {
		t.Fatalf("second log = %q", b)
	}
}
