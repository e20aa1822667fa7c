package executor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"procexec/internal/eventbus"
	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

// CleanReport summarizes one reaper pass.
type CleanReport struct {
	Scanned   int `json:"scanned"`
	Reclaimed int `json:"reclaimed"`
	Dangling  int `json:"dangling"`
	Expired   int `json:"expired"`
	Errors    int `json:"errors"`
}

// verdict is the reaper's decision for a single record.
type verdict struct {
	reclaim  bool
	dangling bool
}

// reclaimable decides whether rec should be removed at now.
//
// A record without a timestamp has not started yet. It is dangling once its
// timeout elapsed since it was created, and is otherwise left alone so a
// queue backlog is not reaped. A record in a known non-terminal state is
// dangling once its timeout elapsed since the last update, and is otherwise
// left alone. Anything else is reclaimed once
// it outlived its expiration. Pinned records are never reclaimed. Statuses
// that do not parse skip the dangling check.
func reclaimable(rec status.Record, now time.Time, defaultExpiration time.Duration) verdict {
	nowTS := now.Unix()
	dangling := rec.Timestamp == nil
	if dangling {
		if !rec.CreatedAt.IsZero() && rec.Timeout != nil && nowTS-rec.CreatedAt.Unix() < *rec.Timeout {
			return verdict{}
		}
	} else if st, ok := rec.Phase(); ok && !st.Done() {
		dangling = rec.Timeout == nil || nowTS-*rec.Timestamp >= *rec.Timeout
		if !dangling {
			return verdict{}
		}
	}
	if rec.Pinned {
		return verdict{dangling: dangling}
	}
	if dangling {
		return verdict{reclaim: true, dangling: true}
	}
	expiration := int64(defaultExpiration / time.Second)
	if rec.Expiration != nil {
		expiration = *rec.Expiration
	}
	return verdict{reclaim: nowTS-*rec.Timestamp >= expiration}
}

// Clean runs one reaper pass. Per-record faults are logged and counted but
// never stop the scan.
func (e *Executor) Clean(ctx context.Context) CleanReport {
	var rep CleanReport
	recs, err := e.store.List(ctx)
	if err != nil {
		e.log.Error("cleanup: cannot list records", logx.Err(err))
		rep.Errors++
		return rep
	}
	now := e.now()
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		rep.Scanned++
		v := reclaimable(rec, now, e.cfg.ResponseExpiration)
		if !v.reclaim {
			continue
		}
		e.log.Info("cleaning response status", logx.JobID(rec.ID), logx.Bool("dangling", v.dangling))
		e.removeWorkDir(rec.ID)
		if err := e.store.Delete(ctx, rec.ID); err != nil {
			e.log.Warn("cleanup: cannot delete record", logx.JobID(rec.ID), logx.Err(err))
			rep.Errors++
			continue
		}
		rep.Reclaimed++
		if v.dangling {
			rep.Dangling++
		} else {
			rep.Expired++
		}
		eventbus.Emit(e.bus, eventbus.JobReclaimed, map[string]any{"uuid": rec.ID, "dangling": v.dangling})
	}
	if rep.Reclaimed > 0 || rep.Errors > 0 {
		e.log.Info("cleanup pass done",
			logx.Int("scanned", rep.Scanned),
			logx.Int("reclaimed", rep.Reclaimed),
			logx.Int("dangling", rep.Dangling),
			logx.Int("expired", rep.Expired),
			logx.Int("errors", rep.Errors),
		)
	}
	return rep
}

func (e *Executor) startReaper() {
	clog := cronLogger{log: e.log.With(logx.Component("reaper"))}
	e.cron = cron.New(cron.WithLogger(clog))
	ctx := e.sup.Context()
	task := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
		e.Clean(ctx)
	}))
	e.cron.Schedule(cron.Every(e.cfg.CleanupInterval), task)
	e.cron.Start()
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
