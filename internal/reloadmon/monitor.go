// Package reloadmon watches a single file and invokes a callback when its
// content changes. fsnotify events are debounced; a modification-time poll
// covers filesystems where events are unreliable.
package reloadmon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	rtsup "procexec/internal/runtime/supervisor"
	logx "procexec/pkg/logx"
)

const defaultDebounce = 250 * time.Millisecond

type Monitor struct {
	path     string
	interval time.Duration
	debounce time.Duration
	onChange func(ctx context.Context) error
	log      logx.Logger
}

// New returns a monitor polling every interval. onChange runs on the
// monitor goroutine; a slow callback delays the next check.
func New(path string, interval time.Duration, onChange func(ctx context.Context) error, log logx.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	deb := defaultDebounce
	if interval < deb {
		deb = interval
	}
	return &Monitor{path: path, interval: interval, debounce: deb, onChange: onChange, log: log}
}

type signature struct {
	ok   bool
	mod  time.Time
	size int64
}

func (m *Monitor) stat() signature {
	fi, err := os.Stat(m.path)
	if err != nil {
		return signature{}
	}
	return signature{ok: true, mod: fi.ModTime(), size: fi.Size()}
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	last := m.stat()

	poll := time.NewTicker(m.interval)
	defer poll.Stop()

	bo := rtsup.NewBackoff(250*time.Millisecond, 5*time.Second)
	var (
		w         *fsnotify.Watcher
		retryC    <-chan time.Time
		debounceC <-chan time.Time
	)
	open := func() {
		nw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = nw.Add(dir); err != nil {
				_ = nw.Close()
			}
		}
		if err != nil {
			wait := bo.Next()
			m.log.Warn("reload watch init failed; polling only", logx.String("dir", dir), logx.Duration("retry_in", wait), logx.Err(err))
			retryC = time.After(wait)
			return
		}
		bo.Reset()
		w = nw
		m.log.Debug("reload watcher started", logx.String("dir", dir), logx.String("file", file))
	}
	broken := func() {
		if w != nil {
			_ = w.Close()
			w = nil
		}
		wait := bo.Next()
		m.log.Warn("reload watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		retryC = time.After(wait)
	}
	check := func() {
		sig := m.stat()
		if !sig.ok {
			m.log.Debug("watched file not readable", logx.String("path", m.path))
			return
		}
		if sig == last {
			return
		}
		last = sig
		m.fire(ctx)
	}

	open()
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()

	for {
		var (
			events <-chan fsnotify.Event
			errs   <-chan error
		)
		if w != nil {
			events, errs = w.Events, w.Errors
		}
		select {
		case <-ctx.Done():
			return nil
		case <-retryC:
			retryC = nil
			open()
		case ev, ok := <-events:
			if !ok {
				broken()
				continue
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounceC = time.After(m.debounce)
			}
		case err, ok := <-errs:
			if !ok {
				broken()
				continue
			}
			if err == nil {
				continue
			}
			m.log.Warn("reload watch error", logx.String("dir", dir), logx.Err(err))
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				debounceC = time.After(m.debounce)
			}
		case <-debounceC:
			debounceC = nil
			check()
		case <-poll.C:
			check()
		}
	}
}

// fire runs the callback, containing errors and panics.
func (m *Monitor) fire(ctx context.Context) {
	if m.onChange == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("reload callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return m.onChange(ctx)
	}()
	if err != nil {
		m.log.Warn("reload callback failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.log.Info("watched file changed; reload applied", logx.String("path", m.path))
}
