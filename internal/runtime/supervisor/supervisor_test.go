package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("bad") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic to be recorded as error")
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fail", func(ctx context.Context) error { return errors.New("x") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestGoRestartRestartsAfterFailure(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	b := NewBackoff(10*time.Millisecond, 40*time.Millisecond)
	first := b.Next()
	if first < 10*time.Millisecond || first > 12*time.Millisecond {
		t.Fatalf("first wait = %v", first)
	}
	b.Next()
	b.Next()
	if w := b.Next(); w < 40*time.Millisecond || w > 48*time.Millisecond {
		t.Fatalf("capped wait = %v", w)
	}
	b.Reset()
	if w := b.Next(); w > 12*time.Millisecond {
		t.Fatalf("wait after reset = %v", w)
	}
}
