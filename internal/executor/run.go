package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"procexec/internal/job"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

// RunLogName is the per-run log kept in each working directory.
const RunLogName = "processing.log"

// runJob is the worker side of an execution. It owns the record from
// STARTED until its own terminal write.
func (e *Executor) runJob(ctx context.Context, def *job.Definition, req *job.Request) (doc []byte, err error) {
	id := req.JobID
	log := e.log.With(logx.JobID(id), logx.Job(def.Identifier))

	dir := e.workDir(id)
	if dir == "" {
		return nil, fmt.Errorf("unsafe job id %q", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.fail(id, msgInternalWorker)
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	run := *req
	run.WorkDir = dir

	if err := e.store.UpdateStatus(ctx, id, status.Update{Status: status.StatusStarted, Message: msgStarted, Progress: 0}); err != nil {
		if errors.Is(err, status.ErrNotFound) || errors.Is(err, status.ErrFinalized) {
			// Reclaimed or failed while queued; nothing left to do.
			return nil, fmt.Errorf("job record no longer runnable: %w", err)
		}
		log.Warn("cannot record start", logx.Err(err))
	}

	defer func() {
		if r := recover(); r != nil {
			e.fail(id, msgInternalWorker)
			panic(r)
		}
	}()

	runLog, closeLog := e.openRunLog(dir, id, def.Identifier)
	defer closeLog()
	runLog.Info("job started", logx.Any("inputs", req.Inputs), logx.String("context_key", req.ContextKey))

	resp := job.NewResponse(id, e.store, runLog)
	err = e.withMemoryScope(log, func() error { return def.Handler(ctx, &run, resp) })
	if err != nil {
		runLog.Error("job failed", logx.Err(err))
		if ctx.Err() != nil {
			// Deadline or shutdown: the executor side records the outcome.
			return nil, ctx.Err()
		}
		if pe, ok := job.AsProcessError(err); ok {
			e.fail(id, pe.Message)
		} else {
			log.Error("handler failed", logx.Err(err))
			e.fail(id, msgInternalWorker)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	doc = resp.Document()
	if req.Store {
		if err := e.store.PutResult(ctx, id, doc); err != nil {
			log.Error("cannot store result", logx.Err(err))
			e.fail(id, msgInternalWorker)
			return nil, fmt.Errorf("store result: %w", err)
		}
	}
	if err := e.store.UpdateStatus(ctx, id, status.Update{Status: status.StatusSucceeded, Message: msgFinished, Progress: 100}); err != nil {
		log.Warn("cannot record completion", logx.Err(err))
	}
	runLog.Info("job finished", logx.Int("bytes", len(doc)))
	return doc, nil
}

// openRunLog opens processing.log in dir. When the file cannot be created
// the run goes on with a discarding logger.
func (e *Executor) openRunLog(dir, id, identifier string) (logx.Logger, func()) {
	f, err := os.OpenFile(filepath.Join(dir, RunLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Warn("cannot open run log", logx.JobID(id), logx.Err(err))
		return logx.Nop(), func() {}
	}
	return logx.NewWriter(f, "debug").With(logx.JobID(id), logx.Job(identifier)), func() { _ = f.Close() }
}
