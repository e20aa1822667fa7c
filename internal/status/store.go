package status

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "procexec/pkg/logx"
)

// Store is the persistence API shared by workers, the executor and the reaper.
//
// Implementations must be safe for concurrent use. Whole-record replacement is
// the unit of consistency; UpdateStatus is atomic per record.
type Store interface {
	// LogRequest creates the record for a freshly accepted job.
	// It fails with ErrExists if a record with the same id is present.
	LogRequest(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, id string, u Update) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	// Put replaces an existing record.
	Put(ctx context.Context, rec Record) error
	// SetPinned changes only the pinned flag, leaving status and timestamp
	// as the latest writer left them.
	SetPinned(ctx context.Context, id string, pinned bool) (Record, error)
	PutResult(ctx context.Context, id string, doc []byte) error
	// GetResult returns (nil, nil) when the job exists but stored no result.
	GetResult(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Config configures the status store.
//
// Driver values:
//   - "memory": process-local map (default; lost on restart)
//   - "file": one JSON document per record under Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func checkID(id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	return nil
}
