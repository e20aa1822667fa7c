package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "procexec/pkg/logx"
)

// fileStore keeps one JSON document per job under a directory.
//
// Files:
//   - <dir>/<id>.json    (record, replaced atomically via tmp + rename)
//   - <dir>/<id>.result  (result document, optional)
//
// The directory is the only copy of the data: every call reads the files
// it needs, so a daemon and an out-of-process `procexecd gc` see each
// other's writes. mu serializes read-modify-write within one process only.
type fileStore struct {
	log logx.Logger
	dir string
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

const (
	recordExt = ".json"
	resultExt = ".result"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, now: time.Now}, nil
}

func (s *fileStore) recordPath(id string) string { return filepath.Join(s.dir, id+recordExt) }
func (s *fileStore) resultPath(id string) string { return filepath.Join(s.dir, id+resultExt) }

func (s *fileStore) read(id string) (Record, error) {
	if err := checkID(id); err != nil {
		return Record{}, ErrNotFound
	}
	b, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *fileStore) write(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.recordPath(rec.ID), b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// modify runs fn on the current record and writes the result back.
func (s *fileStore) modify(id string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	rec, err := s.read(id)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *fileStore) LogRequest(ctx context.Context, rec Record) error {
	_ = ctx
	if err := checkID(rec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := os.Stat(s.recordPath(rec.ID)); err == nil {
		return ErrExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	return s.write(rec)
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, u Update) error {
	_ = ctx
	_, err := s.modify(id, func(rec *Record) error { return apply(rec, u, s.now()) })
	return err
}

func (s *fileStore) Get(ctx context.Context, id string) (Record, error) {
	_ = ctx
	return s.read(id)
}

func (s *fileStore) List(ctx context.Context) ([]Record, error) {
	_ = ctx
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(name, recordExt))
		if errors.Is(err, ErrNotFound) {
			// deleted since ReadDir
			continue
		}
		if err != nil || rec.ID == "" {
			s.log.Warn("skipping corrupt status record", logx.String("file", name), logx.Any("err", err))
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *fileStore) Put(ctx context.Context, rec Record) error {
	_ = ctx
	_, err := s.modify(rec.ID, func(cur *Record) error {
		if err := checkReplace(*cur, rec); err != nil {
			return err
		}
		*cur = rec.Clone()
		return nil
	})
	return err
}

func (s *fileStore) SetPinned(ctx context.Context, id string, pinned bool) (Record, error) {
	_ = ctx
	return s.modify(id, func(rec *Record) error {
		rec.Pinned = pinned
		return nil
	})
}

func (s *fileStore) PutResult(ctx context.Context, id string, doc []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.read(id); err != nil {
		return err
	}
	return writeAtomic(s.resultPath(id), doc)
}

func (s *fileStore) GetResult(ctx context.Context, id string) ([]byte, error) {
	_ = ctx
	if _, err := s.read(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.resultPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	if err := checkID(id); err != nil {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := os.Remove(s.resultPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Debug("result removal failed", logx.JobID(id), logx.Err(err))
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
