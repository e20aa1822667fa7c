// Package job defines what the executor runs: definitions, the per-run
// request and response context, and the error type a handler raises to
// report a user-facing failure.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"procexec/internal/status"
	logx "procexec/pkg/logx"
)

// Mode selects how Execute waits for a job.
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// ParseMode accepts "sync" and "async" (case-insensitive). Empty means sync.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "sync":
		return ModeSync, nil
	case "async":
		return ModeAsync, nil
	default:
		return ModeSync, fmt.Errorf("unknown execution mode %q", raw)
	}
}

// Handler computes a job. It reports progress through resp and returns a
// *ProcessError for failures that should reach the caller verbatim.
type Handler func(ctx context.Context, req *Request, resp *Response) error

// Definition is an immutable description of a runnable job.
type Definition struct {
	Identifier string            `json:"identifier"`
	Title      string            `json:"title,omitempty"`
	Abstract   string            `json:"abstract,omitempty"`
	Version    string            `json:"version,omitempty"`
	ContextKey string            `json:"context_key,omitempty"`
	Inputs     []string          `json:"inputs,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	Handler Handler `json:"-"`
}

// WithContext returns a copy bound to contextKey.
func (d *Definition) WithContext(contextKey string) *Definition {
	cp := *d
	cp.ContextKey = contextKey
	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Inputs = append([]string(nil), d.Inputs...)
	return &cp
}

// Request is the caller-supplied context of one execution.
type Request struct {
	JobID      string            `json:"job_id"`
	Identifier string            `json:"identifier"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	ContextKey string            `json:"context_key,omitempty"`
	// Timeout bounds the run. Zero means the server default.
	Timeout time.Duration `json:"timeout"`
	// Expiration is the retention after the last update. Zero means the server default.
	Expiration time.Duration `json:"expiration,omitempty"`
	Store      bool          `json:"store"`
	Pinned     bool          `json:"pinned,omitempty"`
	HostURL    string        `json:"host_url,omitempty"`

	// WorkDir is filled in by the executor before the handler runs.
	WorkDir string `json:"-"`
}

// Encode returns the JSON form persisted with the status record.
func (r *Request) Encode() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

// Response collects the result document and forwards progress to the store.
type Response struct {
	id    string
	store status.Store
	log   logx.Logger

	mu  sync.Mutex
	doc []byte
}

// NewResponse binds a response to one execution. log is the per-run log the
// handler writes to; the zero Logger discards.
func NewResponse(id string, store status.Store, log logx.Logger) *Response {
	return &Response{id: id, store: store, log: log}
}

// Log is the per-run log, kept as processing.log in the working directory.
func (r *Response) Log() logx.Logger { return r.log }

// UpdateStatus writes a non-terminal progress update for the running job.
func (r *Response) UpdateStatus(ctx context.Context, message string, progress int) error {
	if r.store == nil {
		return nil
	}
	return r.store.UpdateStatus(ctx, r.id, status.Update{Status: status.StatusStarted, Message: message, Progress: progress})
}

// SetDocument sets the result document.
func (r *Response) SetDocument(doc []byte) {
	r.mu.Lock()
	r.doc = append([]byte(nil), doc...)
	r.mu.Unlock()
}

// SetJSON marshals v as the result document.
func (r *Response) SetJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.SetDocument(b)
	return nil
}

func (r *Response) Document() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

// ProcessError is raised by a handler to report a failure whose message is
// safe to return to the caller.
type ProcessError struct {
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Fail builds a ProcessError from a format string.
func Fail(format string, args ...any) error {
	return &ProcessError{Message: fmt.Sprintf(format, args...)}
}

// AsProcessError unwraps err to a *ProcessError if it carries one.
func AsProcessError(err error) (*ProcessError, bool) {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
