// Package pool runs units of work on a bounded set of supervised workers.
//
// Admission is fail-fast: at most MaxQueueSize units may be outstanding and
// at most one unit per key may be active. Each unit's deadline is measured
// from submission, so a unit that waited too long in the queue is dropped
// without running.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"procexec/internal/eventbus"
	rtsup "procexec/internal/runtime/supervisor"
	logx "procexec/pkg/logx"
)

type Pool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu          sync.Mutex
	sup         *rtsup.Supervisor
	ctx         context.Context
	queue       chan *item
	running     bool
	stopped     bool
	outstanding int
	keys        map[string]struct{}
	items       map[*item]struct{}

	busy atomic.Int32

	completed    atomic.Uint64
	failed       atomic.Uint64
	rejected     atomic.Uint64
	droppedStale atomic.Uint64
	abandoned    atomic.Uint64
}

type item struct {
	unit       Unit
	fut        *Future
	enqueuedAt time.Time
	deadline   time.Time // zero means none
	timer      *time.Timer
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		keys:  map[string]struct{}{},
		items: map[*item]struct{}{},
	}
}

// Start launches the workers. It is idempotent; a stopped pool stays stopped.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.queue = make(chan *item, p.cfg.MaxQueueSize)
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	p.ctx = p.sup.Context()
	sup, queue, workers := p.sup, p.queue, p.cfg.Workers
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			p.worker(c, queue)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", workers), logx.Int("max_queue_size", p.cfg.MaxQueueSize))
}

// Stop cancels running units, resolves every pending future with ErrStopped
// and waits for workers to exit or ctx to expire.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	sup := p.sup
	pending := make([]*item, 0, len(p.items))
	for it := range p.items {
		pending = append(pending, it)
	}
	p.mu.Unlock()

	for _, it := range pending {
		if it.timer != nil {
			it.timer.Stop()
		}
		it.fut.resolve(nil, ErrStopped)
	}
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		p.log.Warn("worker pool stop timed out", logx.Err(ctx.Err()))
		return
	}
	p.log.Info("worker pool stopped")
}

// Submit admits u without blocking.
func (p *Pool) Submit(u Unit) (*Future, error) {
	if u.Run == nil {
		return nil, fmt.Errorf("%w: Run is nil", ErrInvalid)
	}
	u.Key = strings.TrimSpace(u.Key)
	if u.Key == "" {
		return nil, fmt.Errorf("%w: Key is required", ErrInvalid)
	}
	if u.Name == "" {
		u.Name = u.Key
	}
	timeout := u.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	now := time.Now()
	it := &item{unit: u, fut: newFuture(), enqueuedAt: now}
	if timeout > 0 {
		it.deadline = now.Add(timeout)
	}

	p.mu.Lock()
	if !p.running || p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	if _, dup := p.keys[u.Key]; dup {
		p.mu.Unlock()
		p.rejected.Add(1)
		return nil, ErrDuplicate
	}
	if p.outstanding >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		p.rejected.Add(1)
		p.log.Debug("unit rejected: pool saturated", logx.String("key", u.Key), logx.Int("outstanding", p.outstanding))
		return nil, ErrSaturated
	}
	p.outstanding++
	p.keys[u.Key] = struct{}{}
	p.items[it] = struct{}{}
	if timeout > 0 {
		it.timer = time.AfterFunc(timeout, func() { it.fut.resolve(nil, ErrTimeout) })
	}
	// Never blocks: the buffer holds MaxQueueSize items and outstanding is bounded by it.
	p.queue <- it
	p.mu.Unlock()
	return it.fut, nil
}

// Snapshot returns current counters.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	out, keys := p.outstanding, len(p.keys)
	p.mu.Unlock()
	return Snapshot{
		Workers:      p.cfg.Workers,
		MaxQueueSize: p.cfg.MaxQueueSize,
		Outstanding:  out,
		Running:      int(p.busy.Load()),
		ActiveKeys:   keys,
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Rejected:     p.rejected.Load(),
		DroppedStale: p.droppedStale.Load(),
		Abandoned:    p.abandoned.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, queue <-chan *item) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case it := <-queue:
			p.exec(ctx, it)
		}
	}
}

func (p *Pool) exec(ctx context.Context, it *item) {
	start := time.Now()
	queueDelay := start.Sub(it.enqueuedAt)
	ev := UnitEvent{Key: it.unit.Key, Name: it.unit.Name, QueueDelay: queueDelay}

	if it.fut.resolved() || (!it.deadline.IsZero() && !start.Before(it.deadline)) {
		it.fut.resolve(nil, ErrTimeout)
		p.droppedStale.Add(1)
		p.releaseSlot(it)
		p.releaseKey(it.unit.Key)
		ev.Reason = "stale"
		eventbus.Emit(p.bus, eventbus.UnitDropped, ev)
		p.log.Warn("unit dropped: deadline passed in queue", logx.String("key", it.unit.Key), logx.Duration("queue_delay", queueDelay))
		return
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if it.deadline.IsZero() {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithDeadline(ctx, it.deadline)
	}
	defer cancel()

	p.busy.Add(1)
	defer p.busy.Add(-1)
	eventbus.Emit(p.bus, eventbus.UnitStarted, ev)
	p.log.Debug("unit started", logx.String("key", it.unit.Key), logx.String("name", it.unit.Name), logx.Duration("queue_delay", queueDelay))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		// The key stays held until the unit's goroutine has actually returned.
		defer p.releaseKey(it.unit.Key)
		art, err := p.run(runCtx, ctx, it.unit)
		if it.timer != nil {
			it.timer.Stop()
		}
		it.fut.resolve(art, err)

		ev.Duration = time.Since(start)
		if err != nil {
			p.failed.Add(1)
			ev.Error = err.Error()
		} else {
			p.completed.Add(1)
		}
		eventbus.Emit(p.bus, eventbus.UnitFinished, ev)
	}()

	select {
	case <-finished:
	case <-runCtx.Done():
		// Give a cooperative unit a moment to observe cancellation.
		t := time.NewTimer(50 * time.Millisecond)
		select {
		case <-finished:
			t.Stop()
		case <-t.C:
			it.fut.resolve(nil, classify(runCtx, ctx, nil))
			p.abandoned.Add(1)
			drop := ev
			drop.Reason = "abandoned"
			eventbus.Emit(p.bus, eventbus.UnitDropped, drop)
			p.log.Warn("unit abandoned after cancellation", logx.String("key", it.unit.Key), logx.String("name", it.unit.Name))
		}
	}
	p.releaseSlot(it)
}

func (p *Pool) run(runCtx, poolCtx context.Context, u Unit) (art []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			p.log.Error("unit panicked", logx.String("key", u.Key), logx.Any("panic", r), logx.Stack(stack))
			art = nil
			err = &WorkerError{Err: fmt.Errorf("%v", r), Panic: true, Stack: stack}
		}
	}()
	art, err = u.Run(runCtx)
	if err == nil {
		return art, nil
	}
	return nil, classify(runCtx, poolCtx, err)
}

// classify maps a unit failure to the pool's error vocabulary.
func classify(runCtx, poolCtx context.Context, err error) error {
	if poolCtx.Err() != nil {
		return ErrStopped
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if err == nil {
		err = runCtx.Err()
	}
	return &WorkerError{Err: err}
}

func (p *Pool) releaseSlot(it *item) {
	p.mu.Lock()
	if p.outstanding > 0 {
		p.outstanding--
	}
	delete(p.items, it)
	p.mu.Unlock()
}

func (p *Pool) releaseKey(key string) {
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
}
