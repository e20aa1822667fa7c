// Package status holds the job status records and the stores that persist them.
//
// A record is created when an execute request is accepted and is deleted when
// the job is reclaimed or explicitly removed. Writers are the job's own worker,
// the executor's failure path, and the cleanup reaper.
package status

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("status: record not found")
	ErrExists    = errors.New("status: record already exists")
	ErrFinalized = errors.New("status: record already in a terminal state")
	ErrInvalidID = errors.New("status: invalid job id")
	ErrClosed    = errors.New("status: store closed")
)

// Status is the ordered lifecycle of a job.
// Values >= DoneThreshold are terminal.
type Status int

const (
	StatusUnknown Status = iota
	StatusAccepted
	StatusStarted
	StatusPaused
	StatusSucceeded
	StatusFailed
)

const DoneThreshold = StatusSucceeded

var statusNames = map[Status]string{
	StatusAccepted:  "ACCEPTED",
	StatusStarted:   "STARTED",
	StatusPaused:    "PAUSED",
	StatusSucceeded: "SUCCEEDED",
	StatusFailed:    "FAILED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Done reports whether s is terminal.
func (s Status) Done() bool { return s >= DoneThreshold }

// ParseStatus maps a stored status string to a Status.
// Records written under an older scheme carry values that do not map; those
// return ok=false and callers must not assume anything about their phase.
func ParseStatus(raw string) (Status, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for s, n := range statusNames {
		if n == raw {
			return s, true
		}
	}
	return StatusUnknown, false
}

// Record is the persisted state of one job.
//
// Timeout and Expiration are seconds. Timestamp is the unix time of the last
// status update; nil means no worker (or async acknowledgement) touched it yet.
type Record struct {
	ID         string          `json:"uuid"`
	Identifier string          `json:"identifier"`
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Progress   *int            `json:"progress,omitempty"`
	Timestamp  *int64          `json:"timestamp,omitempty"`
	Timeout    *int64          `json:"timeout,omitempty"`
	Expiration *int64          `json:"expiration,omitempty"`
	Pinned     bool            `json:"pinned"`
	Store      bool            `json:"store"`
	ContextKey string          `json:"context_key,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Request    json.RawMessage `json:"request,omitempty"`
}

// Phase parses the record status.
func (r *Record) Phase() (Status, bool) { return ParseStatus(r.Status) }

// Clone returns a deep copy so callers never alias store-owned memory.
func (r Record) Clone() Record {
	cp := r
	if r.Progress != nil {
		v := *r.Progress
		cp.Progress = &v
	}
	if r.Timestamp != nil {
		v := *r.Timestamp
		cp.Timestamp = &v
	}
	if r.Timeout != nil {
		v := *r.Timeout
		cp.Timeout = &v
	}
	if r.Expiration != nil {
		v := *r.Expiration
		cp.Expiration = &v
	}
	if r.Request != nil {
		cp.Request = append(json.RawMessage(nil), r.Request...)
	}
	return cp
}

// Update is a status transition written by a worker or by the executor.
// Progress < 0 leaves the current progress untouched.
type Update struct {
	Status   Status
	Message  string
	Progress int
}

// NoProgress is used for updates that carry no percentage.
const NoProgress = -1

// apply mutates rec according to u. It enforces the monotonic lifecycle:
// a terminal record never changes again.
func apply(rec *Record, u Update, now time.Time) error {
	cur, known := rec.Phase()
	if known && cur.Done() {
		return ErrFinalized
	}
	// A zero status is a progress-only update.
	if u.Status == StatusUnknown {
		u.Status = StatusStarted
		if known {
			u.Status = cur
		}
	}
	if _, ok := statusNames[u.Status]; !ok {
		return errors.New("status: invalid status value")
	}
	rec.Status = u.Status.String()
	if u.Message != "" {
		rec.Message = u.Message
	}
	if u.Progress >= 0 {
		p := u.Progress
		if p > 100 {
			p = 100
		}
		rec.Progress = &p
	}
	ts := now.Unix()
	rec.Timestamp = &ts
	return nil
}

// ValidID reports whether id can be used as a single path element.
func ValidID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

// Seconds converts a duration to whole seconds, rounding up so sub-second
// timeouts never collapse to zero.
func Seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// checkReplace rejects a whole-record replacement that would change the
// status of a terminal record.
func checkReplace(cur, next Record) error {
	if st, ok := cur.Phase(); ok && st.Done() && next.Status != cur.Status {
		return ErrFinalized
	}
	return nil
}
