package status

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Records do not survive restarts.
type Memory struct {
	mu      sync.Mutex
	recs    map[string]Record
	results map[string][]byte
	closed  bool

	// Now is the clock used to stamp updates. Tests may override it.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		recs:    map[string]Record{},
		results: map[string][]byte{},
		Now:     time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) LogRequest(ctx context.Context, rec Record) error {
	_ = ctx
	if err := checkID(rec.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.recs[rec.ID]; ok {
		return ErrExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	m.recs[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id string, u Update) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	if err := apply(&rec, u, m.now()); err != nil {
		return err
	}
	m.recs[id] = rec
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (Record, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) List(ctx context.Context) ([]Record, error) {
	_ = ctx
	m.mu.Lock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r.Clone())
	}
	m.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, rec Record) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.recs[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkReplace(cur, rec); err != nil {
		return err
	}
	m.recs[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) SetPinned(ctx context.Context, id string, pinned bool) (Record, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, ErrClosed
	}
	rec, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Pinned = pinned
	m.recs[id] = rec
	return rec.Clone(), nil
}

func (m *Memory) PutResult(ctx context.Context, id string, doc []byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}
	m.results[id] = append([]byte(nil), doc...)
	return nil
}

func (m *Memory) GetResult(ctx context.Context, id string) ([]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return nil, ErrNotFound
	}
	doc, ok := m.results[id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}
	delete(m.recs, id)
	delete(m.results, id)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// sortRecords orders by creation time, oldest first, then id.
func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
