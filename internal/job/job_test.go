package job

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Mode
		wantErr bool
	}{
		{raw: "", want: ModeSync},
		{raw: "SYNC", want: ModeSync},
		{raw: "async", want: ModeAsync},
		{raw: "later", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseMode(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) err = %v", tt.raw, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("ParseMode(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestWithContextCopies(t *testing.T) {
	t.Parallel()
	base := &Definition{Identifier: "echo", Metadata: map[string]string{"k": "v"}}
	sp := base.WithContext("ctx-1")
	sp.Metadata["k"] = "changed"
	if base.ContextKey != "" || base.Metadata["k"] != "v" {
		t.Fatal("base definition mutated")
	}
	if sp.ContextKey != "ctx-1" {
		t.Fatalf("ContextKey = %q", sp.ContextKey)
	}
}

func TestAsProcessError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", Fail("bad input %d", 3))
	pe, ok := AsProcessError(err)
	if !ok || pe.Message != "bad input 3" {
		t.Fatalf("AsProcessError = %v, %v", pe, ok)
	}
	if _, ok := AsProcessError(errors.New("plain")); ok {
		t.Fatal("plain error reported as process error")
	}
}

func TestResponseUpdateStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := status.NewMemory()
	if err := st.LogRequest(ctx, status.Record{ID: "r1", Identifier: "echo", Status: "ACCEPTED"}); err != nil {
		t.Fatal(err)
	}
	resp := NewResponse("r1", st, logx.Nop())
	if err := resp.UpdateStatus(ctx, "halfway", 50); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec, _ := st.Get(ctx, "r1")
	if rec.Status != "STARTED" || rec.Message != "halfway" || *rec.Progress != 50 {
		t.Fatalf("record = %+v", rec)
	}
	if err := resp.SetJSON(map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if string(resp.Document()) != `{"n":1}` {
		t.Fatalf("document = %s", resp.Document())
	}
}
