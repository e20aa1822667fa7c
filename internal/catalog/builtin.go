package catalog

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"procexec/internal/job"
)

// Builtins returns the in-process jobs shipped with the server.
func Builtins() []*job.Definition {
	return []*job.Definition{
		{
			Identifier: "echo",
			Title:      "Echo",
			Abstract:   "Returns the request inputs and context key as a JSON document.",
			Version:    "1.0",
			Handler:    echoHandler,
		},
		{
			Identifier: "sleep",
			Title:      "Sleep",
			Abstract:   "Waits for inputs.seconds (default 1), reporting progress.",
			Version:    "1.0",
			Inputs:     []string{"seconds"},
			Handler:    sleepHandler,
		},
		{
			Identifier: "fail",
			Title:      "Fail",
			Abstract:   "Fails with inputs.message.",
			Version:    "1.0",
			Inputs:     []string{"message"},
			Handler:    failHandler,
		},
	}
}

func echoHandler(ctx context.Context, req *job.Request, resp *job.Response) error {
	_ = ctx
	return resp.SetJSON(map[string]any{
		"identifier":  req.Identifier,
		"inputs":      req.Inputs,
		"context_key": req.ContextKey,
	})
}

// maxSleepSeconds keeps the converted time.Duration from overflowing.
const maxSleepSeconds = float64(math.MaxInt64 / int64(time.Second))

func sleepHandler(ctx context.Context, req *job.Request, resp *job.Response) error {
	d := time.Second
	if raw := strings.TrimSpace(req.Inputs["seconds"]); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(secs) || secs < 0 || secs > maxSleepSeconds {
			return job.Fail("invalid seconds value %q", raw)
		}
		d = time.Duration(secs * float64(time.Second))
	}

	const steps = 10
	step := d / steps
	for i := 1; i <= steps; i++ {
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if i < steps {
			_ = resp.UpdateStatus(ctx, "Sleeping", i*100/steps)
		}
	}
	return resp.SetJSON(map[string]any{"slept": d.String()})
}

func failHandler(ctx context.Context, req *job.Request, resp *job.Response) error {
	_, _ = ctx, resp
	msg := strings.TrimSpace(req.Inputs["message"])
	if msg == "" {
		msg = "requested failure"
	}
	return &job.ProcessError{Message: msg}
}
