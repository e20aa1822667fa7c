// Package executor accepts job executions, dispatches them to the worker
// pool, translates failures into caller-facing errors and garbage-collects
// finished work.
//
// Writers of a status record:
//   - Execute writes the ACCEPTED record before the unit is submitted.
//   - The worker (runJob) writes STARTED, progress and its own terminal state.
//   - Execute or an async watcher writes FAILED when the pool reports a
//     timeout, saturation or an unexpected failure.
//   - The reaper deletes records it reclaims.
//
// The first terminal write wins; later ones are rejected by the store.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"procexec/internal/catalog"
	"procexec/internal/eventbus"
	"procexec/internal/job"
	"procexec/internal/jobcache"
	"procexec/internal/pool"
	"procexec/internal/reloadmon"
	rtsup "procexec/internal/runtime/supervisor"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

// Config holds the server settings the executor consumes.
type Config struct {
	Workers      int
	MaxQueueSize int
	WorkDir      string

	CleanupInterval    time.Duration
	ResponseExpiration time.Duration
	ProcessTimeout     time.Duration

	// RestartMonitorPath is watched for changes that trigger a catalog
	// reload. Empty falls back to the catalog's own file, if it has one.
	RestartMonitorPath   string
	RestartCheckInterval time.Duration

	MemoryStats   bool
	CacheCapacity int
}

func (c Config) withDefaults() Config {
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "procexec")
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.ResponseExpiration <= 0 {
		c.ResponseExpiration = 24 * time.Hour
	}
	if c.RestartCheckInterval <= 0 {
		c.RestartCheckInterval = 10 * time.Second
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = jobcache.DefaultCapacity
	}
	return c
}

// Deps are the collaborators owned by the caller.
type Deps struct {
	Store   status.Store
	Catalog catalog.Catalog
	Log     logx.Logger
	Bus     eventbus.Bus
	// Probe samples memory around each run. Nil uses the Go runtime probe
	// when Config.MemoryStats is set.
	Probe MemoryProbe
}

// Outcome is the result of Execute.
type Outcome struct {
	JobID    string
	Mode     job.Mode
	Document []byte
	Record   status.Record
}

type snapshot struct {
	index  map[string]*job.Definition
	sorted []*job.Definition
	loaded time.Time
}

type Executor struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   status.Store
	catalog catalog.Catalog
	probe   MemoryProbe

	pool *pool.Pool
	snap atomic.Pointer[snapshot]

	// cacheMu orders cache fills against reloads. gen counts reloads; a
	// specialization computed under an older gen is never cached.
	cacheMu sync.Mutex
	gen     uint64
	cache   *jobcache.Cache[jobcache.Key, *job.Definition]

	sup     *rtsup.Supervisor
	cron    *cron.Cron
	started atomic.Bool
	ready   atomic.Bool

	shutdownOnce sync.Once
	now          func() time.Time
}

func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Store == nil {
		return nil, errors.New("executor: status store is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("executor: catalog is required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	cfg.WorkDir = abs

	log := deps.Log.With(logx.Component("executor"))
	probe := deps.Probe
	if probe == nil && cfg.MemoryStats {
		probe = RuntimeProbe{}
	}
	e := &Executor{
		cfg:     cfg,
		log:     log,
		bus:     deps.Bus,
		store:   deps.Store,
		catalog: deps.Catalog,
		probe:   probe,
		pool: pool.New(pool.Config{
			Workers:        cfg.Workers,
			MaxQueueSize:   cfg.MaxQueueSize,
			DefaultTimeout: cfg.ProcessTimeout,
		}, deps.Log.With(logx.Component("pool")), deps.Bus),
		cache: jobcache.New[jobcache.Key, *job.Definition](cfg.CacheCapacity),
		sup:   rtsup.New(context.Background(), rtsup.WithLogger(log)),
		now:   time.Now,
	}
	e.snap.Store(&snapshot{index: map[string]*job.Definition{}})
	return e, nil
}

// Start loads the catalog and starts the pool, the reaper and the reload
// monitor. A catalog that fails to load is fatal here.
func (e *Executor) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := os.MkdirAll(e.cfg.WorkDir, 0o755); err != nil {
		return err
	}
	defs, err := e.catalog.Load(ctx)
	if err != nil {
		return err
	}
	e.swap(defs)
	e.pool.Start(context.Background())

	e.startReaper()
	if path := e.monitorPath(); path != "" {
		mon := reloadmon.New(path, e.cfg.RestartCheckInterval, e.ReloadCatalog, e.log.With(logx.Component("reloadmon")))
		e.sup.GoRestart("reloadmon", mon.Run, rtsup.WithPublishFirstError(true))
	}
	e.ready.Store(true)
	e.log.Info("executor started",
		logx.Int("jobs", len(defs)),
		logx.String("workdir", e.cfg.WorkDir),
		logx.Duration("process_timeout", e.cfg.ProcessTimeout),
		logx.Duration("cleanup_interval", e.cfg.CleanupInterval),
	)
	return nil
}

// monitorPath is the file whose changes reload the catalog, or "" when the
// catalog cannot be reloaded.
func (e *Executor) monitorPath() string {
	if !e.catalog.SupportsSpecialization() {
		return ""
	}
	if e.cfg.RestartMonitorPath != "" {
		return e.cfg.RestartMonitorPath
	}
	if p, ok := e.catalog.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

// Shutdown stops the reload monitor, the reaper and the pool. In-flight
// async watchers are abandoned. It is safe to call more than once.
func (e *Executor) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		e.ready.Store(false)
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
		e.sup.Cancel()
		e.pool.Stop(ctx)
		if err := e.sup.Wait(ctx); err != nil && ctx.Err() != nil {
			e.log.Warn("executor shutdown timed out", logx.Err(err))
		}
		e.log.Info("executor stopped")
	})
}

// Pool exposes pool counters for diagnostics.
func (e *Executor) Pool() pool.Snapshot { return e.pool.Snapshot() }

// Execute records and dispatches one job.
func (e *Executor) Execute(ctx context.Context, jobID string, def *job.Definition, req *job.Request, mode job.Mode) (*Outcome, error) {
	if !e.ready.Load() {
		return nil, newError(KindInternal, "executor not started", nil)
	}
	if def == nil || def.Handler == nil {
		return nil, newError(KindInvalid, "job definition has no handler", nil)
	}
	if req == nil {
		req = &job.Request{}
	}
	if !status.ValidID(jobID) {
		return nil, newError(KindInvalid, "invalid job id", nil)
	}
	if req.Timeout < 0 {
		return nil, newError(KindInvalid, "timeout must not be negative", nil)
	}
	if req.Expiration < 0 {
		return nil, newError(KindInvalid, "expiration must not be negative", nil)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.cfg.ProcessTimeout
	}
	r := *req
	r.JobID = jobID
	r.Identifier = def.Identifier
	r.Timeout = timeout
	if r.ContextKey == "" {
		r.ContextKey = def.ContextKey
	}

	secs := status.Seconds(timeout)
	rec := status.Record{
		ID:         jobID,
		Identifier: def.Identifier,
		Status:     status.StatusAccepted.String(),
		Timeout:    &secs,
		Pinned:     r.Pinned,
		Store:      r.Store,
		ContextKey: r.ContextKey,
		Request:    r.Encode(),
	}
	if r.Expiration > 0 {
		exp := status.Seconds(r.Expiration)
		rec.Expiration = &exp
	}
	if err := e.store.LogRequest(ctx, rec); err != nil {
		if errors.Is(err, status.ErrExists) {
			return nil, newError(KindConflict, "job id already in use", err)
		}
		return nil, newError(KindInternal, "cannot record request", err)
	}
	eventbus.Emit(e.bus, eventbus.JobAccepted, map[string]string{"uuid": jobID, "identifier": def.Identifier, "mode": mode.String()})

	unit := pool.Unit{
		Key:     jobID,
		Name:    def.Identifier,
		Timeout: timeout,
		Run:     func(c context.Context) ([]byte, error) { return e.runJob(c, def, &r) },
	}

	if mode == job.ModeAsync {
		return e.executeAsync(ctx, jobID, unit)
	}
	return e.executeSync(ctx, jobID, unit)
}

func (e *Executor) executeSync(ctx context.Context, jobID string, unit pool.Unit) (*Outcome, error) {
	fut, err := e.pool.Submit(unit)
	if err != nil {
		if errors.Is(err, pool.ErrSaturated) {
			// The record is left ACCEPTED without a timestamp; the reaper
			// reclaims it as dangling.
			return nil, newError(KindOverloaded, msgBusy, err)
		}
		e.fail(jobID, msgInternalAsync)
		return nil, newError(KindInternal, msgInternalWorker, err)
	}

	doc, err := fut.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The caller went away; the unit keeps running under a watcher.
		e.watch(jobID, fut)
		return nil, err
	}
	if err != nil {
		return nil, e.syncFailure(jobID, unit.Name, err)
	}

	rec, gerr := e.store.Get(ctx, jobID)
	if gerr != nil {
		e.log.Debug("record vanished after run", logx.JobID(jobID), logx.Err(gerr))
	}
	return &Outcome{JobID: jobID, Mode: job.ModeSync, Document: doc, Record: rec}, nil
}

func (e *Executor) syncFailure(jobID, identifier string, err error) error {
	switch {
	case errors.Is(err, pool.ErrTimeout):
		e.fail(jobID, msgTimeout)
		return newError(KindTimeout, msgExecuteTimeout, err)
	case errors.Is(err, pool.ErrStopped):
		return newError(KindInternal, msgInternalWorker, err)
	}
	if pe, ok := job.AsProcessError(err); ok {
		return newError(KindProcess, pe.Message, nil)
	}
	e.log.Error("job failed", logx.JobID(jobID), logx.Job(identifier), logx.Err(err))
	e.fail(jobID, msgInternalWorker)
	return newError(KindProcess, msgInternalWorker, nil)
}

func (e *Executor) executeAsync(ctx context.Context, jobID string, unit pool.Unit) (*Outcome, error) {
	// Acknowledge before submitting so the worker's STARTED write comes after.
	if err := e.store.UpdateStatus(ctx, jobID, status.Update{Status: status.StatusAccepted, Message: msgAccepted, Progress: status.NoProgress}); err != nil {
		e.log.Warn("cannot acknowledge async job", logx.JobID(jobID), logx.Err(err))
	}
	fut, err := e.pool.Submit(unit)
	if err != nil {
		if errors.Is(err, pool.ErrSaturated) {
			e.fail(jobID, msgBusy)
		} else {
			e.log.Error("async submit failed", logx.JobID(jobID), logx.Err(err))
			e.fail(jobID, msgInternalAsync)
		}
	} else {
		e.watch(jobID, fut)
	}

	rec, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, newError(KindInternal, "cannot read status", err)
	}
	return &Outcome{JobID: jobID, Mode: job.ModeAsync, Record: rec}, nil
}

// watch records the pool's verdict for a unit nobody waits on.
func (e *Executor) watch(jobID string, fut *pool.Future) {
	e.sup.Go0("watch."+jobID, func(ctx context.Context) {
		_, err := fut.Wait(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, pool.ErrStopped):
			return
		case errors.Is(err, pool.ErrTimeout):
			e.fail(jobID, msgTimeout)
		case errors.Is(err, pool.ErrSaturated):
			e.fail(jobID, msgBusy)
		default:
			if pe, ok := job.AsProcessError(err); ok {
				e.fail(jobID, pe.Message)
				return
			}
			e.log.Error("async job failed", logx.JobID(jobID), logx.Err(err))
			e.fail(jobID, msgInternalAsync)
		}
	})
}

// fail writes a FAILED status unless the record already reached a terminal
// state or was reclaimed.
func (e *Executor) fail(jobID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.store.UpdateStatus(ctx, jobID, status.Update{Status: status.StatusFailed, Message: msg, Progress: status.NoProgress})
	switch {
	case err == nil:
		eventbus.Emit(e.bus, eventbus.JobFailed, map[string]string{"uuid": jobID, "message": msg})
	case errors.Is(err, status.ErrFinalized), errors.Is(err, status.ErrNotFound):
	default:
		e.log.Warn("cannot record failure", logx.JobID(jobID), logx.Err(err))
	}
}

// ResolveJobs returns one definition per id, specialized for contextKey
// when the catalog supports it.
func (e *Executor) ResolveJobs(ctx context.Context, ids []string, contextKey string) ([]*job.Definition, error) {
	snap := e.snap.Load()
	base, err := catalog.Lookup(snap.index, ids)
	if err != nil {
		return nil, newError(KindUnknownJob, err.Error(), err)
	}
	if contextKey == "" || !e.catalog.SupportsSpecialization() {
		return base, nil
	}

	out := make([]*job.Definition, len(ids))
	for i, id := range ids {
		d, ok := e.cache.Get(jobcache.Key{Context: contextKey, Job: id})
		if !ok {
			return e.specialize(ctx, ids, contextKey)
		}
		out[i] = d
	}
	return out, nil
}

func (e *Executor) specialize(ctx context.Context, ids []string, contextKey string) ([]*job.Definition, error) {
	e.cacheMu.Lock()
	gen := e.gen
	e.cacheMu.Unlock()

	defs, err := e.catalog.Specialize(ctx, ids, contextKey)
	if err != nil {
		var ue *catalog.UnknownError
		if errors.As(err, &ue) {
			return nil, newError(KindUnknownJob, err.Error(), err)
		}
		return nil, newError(KindInternal, "cannot specialize jobs", err)
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.gen != gen {
		e.log.Debug("catalog reloaded during specialization; not caching", logx.String("context", contextKey))
		return defs, nil
	}
	for i, d := range defs {
		e.cache.Put(jobcache.Key{Context: contextKey, Job: ids[i]}, d)
	}
	return defs, nil
}

// ListJobs returns the live definitions ordered by identifier.
func (e *Executor) ListJobs() []*job.Definition {
	return append([]*job.Definition(nil), e.snap.Load().sorted...)
}

// CachedSpecializations reports the job cache size.
func (e *Executor) CachedSpecializations() int { return e.cache.Len() }

// ReloadCatalog swaps in a freshly loaded catalog and clears the cache.
// On failure the previous catalog stays live.
func (e *Executor) ReloadCatalog(ctx context.Context) error {
	if !e.catalog.SupportsSpecialization() {
		e.log.Debug("catalog is static; reload skipped")
		return nil
	}
	defs, err := e.catalog.Load(ctx)
	if err != nil {
		e.log.Error("catalog reload failed; keeping previous definitions", logx.Err(err))
		return err
	}
	e.cacheMu.Lock()
	e.swap(defs)
	e.gen++
	e.cache.Clear()
	e.cacheMu.Unlock()
	eventbus.Emit(e.bus, eventbus.CatalogReloaded, map[string]int{"jobs": len(defs)})
	e.log.Info("catalog reloaded", logx.Int("jobs", len(defs)))
	return nil
}

func (e *Executor) swap(defs []*job.Definition) {
	e.snap.Store(&snapshot{index: catalog.Index(defs), sorted: catalog.Sorted(defs), loaded: e.now()})
}

// Status returns the record for id.
func (e *Executor) Status(ctx context.Context, id string) (status.Record, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return status.Record{}, e.storeError(err)
	}
	return rec, nil
}

// StatusAll returns every record, oldest first.
func (e *Executor) StatusAll(ctx context.Context) ([]status.Record, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return nil, e.storeError(err)
	}
	return recs, nil
}

// Request returns the request stored with the record.
func (e *Executor) Request(ctx context.Context, id string) (json.RawMessage, error) {
	rec, err := e.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Request, nil
}

// Result returns the stored result document, or nil when none was kept.
func (e *Executor) Result(ctx context.Context, id string) ([]byte, error) {
	doc, err := e.store.GetResult(ctx, id)
	if err != nil {
		return nil, e.storeError(err)
	}
	return doc, nil
}

// StoreFile resolves name to a regular file inside the job working
// directory. Names that escape the directory resolve to KindNotFound.
func (e *Executor) StoreFile(ctx context.Context, id, name string) (string, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return "", e.storeError(err)
	}
	dir := e.workDir(id)
	name = filepath.FromSlash(name)
	if dir == "" || name == "" || filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return "", newError(KindNotFound, "file not found", nil)
	}
	path := filepath.Join(dir, name)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", newError(KindNotFound, "file not found", err)
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", newError(KindNotFound, "file not found", err)
	}
	if rel, err := filepath.Rel(realDir, resolved); err != nil || !filepath.IsLocal(rel) {
		return "", newError(KindNotFound, "file not found", nil)
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		return "", newError(KindNotFound, "file not found", err)
	}
	return resolved, nil
}

// Delete removes a finished job. It returns false when the job is still
// running.
func (e *Executor) Delete(ctx context.Context, id string) (bool, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return false, e.storeError(err)
	}
	if st, ok := rec.Phase(); ok && !st.Done() {
		return false, nil
	}
	e.removeWorkDir(id)
	if err := e.store.Delete(ctx, id); err != nil {
		return false, e.storeError(err)
	}
	eventbus.Emit(e.bus, eventbus.JobDeleted, map[string]string{"uuid": id})
	e.log.Info("job deleted", logx.JobID(id))
	return true, nil
}

// Pin sets or clears the pinned flag, which exempts a record from reclamation.
func (e *Executor) Pin(ctx context.Context, id string, pinned bool) (status.Record, error) {
	rec, err := e.store.SetPinned(ctx, id, pinned)
	if err != nil {
		return status.Record{}, e.storeError(err)
	}
	return rec, nil
}

func (e *Executor) storeError(err error) error {
	if errors.Is(err, status.ErrNotFound) || errors.Is(err, status.ErrInvalidID) {
		return newError(KindNotFound, "job not found", err)
	}
	return newError(KindInternal, "status store failure", err)
}

// workDir returns the job working directory, or "" for ids that are not a
// single safe path element.
func (e *Executor) workDir(id string) string {
	if !status.ValidID(id) {
		return ""
	}
	return filepath.Join(e.cfg.WorkDir, id)
}

func (e *Executor) removeWorkDir(id string) {
	dir := e.workDir(id)
	if dir == "" {
		e.log.Warn("refusing to remove working directory for unsafe id", logx.JobID(id))
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		e.log.Error("unable to remove working directory", logx.String("dir", dir), logx.Err(err))
	}
}
