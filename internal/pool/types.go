package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSaturated = errors.New("pool: too many outstanding units")
	ErrDuplicate = errors.New("pool: unit with the same key is still active")
	ErrStopped   = errors.New("pool: stopped")
	ErrTimeout   = errors.New("pool: unit timed out")
	ErrInvalid   = errors.New("pool: invalid unit")
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of units that may run at once.
	Workers int
	// MaxQueueSize bounds outstanding units (queued plus running).
	MaxQueueSize int
	// DefaultTimeout applies to units submitted without a timeout.
	// 0 leaves such units unbounded.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 64
	}
	return c
}

// Unit is one piece of work. Run must honour ctx; a unit that ignores it is
// abandoned once its deadline passes.
type Unit struct {
	Key     string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) ([]byte, error)
}

// WorkerError wraps a failure raised inside a unit.
type WorkerError struct {
	Err   error
	Panic bool
	Stack string
}

func (e *WorkerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("pool: unit panicked: %v", e.Err)
	}
	return fmt.Sprintf("pool: unit failed: %v", e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Future resolves once with the unit's artifact or error.
type Future struct {
	once     sync.Once
	done     chan struct{}
	artifact []byte
	err      error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

// resolve reports whether this call won.
func (f *Future) resolve(artifact []byte, err error) bool {
	won := false
	f.once.Do(func() {
		f.artifact = artifact
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

func (f *Future) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the unit resolves or ctx is done. In the latter case the
// unit keeps running and the future can be waited on again.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.artifact, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UnitEvent is published on the event bus for unit lifecycle changes.
type UnitEvent struct {
	Key        string        `json:"key"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Workers      int    `json:"workers"`
	MaxQueueSize int    `json:"max_queue_size"`
	Outstanding  int    `json:"outstanding"`
	Running      int    `json:"running"`
	ActiveKeys   int    `json:"active_keys"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	Rejected     uint64 `json:"rejected"`
	DroppedStale uint64 `json:"dropped_stale"`
	Abandoned    uint64 `json:"abandoned"`
}
