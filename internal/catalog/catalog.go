// Package catalog provides the job definitions the executor can run.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"procexec/internal/job"
	logx "procexec/pkg/logx"
)

// Catalog loads base definitions and produces context-specialized ones.
type Catalog interface {
	Load(ctx context.Context) ([]*job.Definition, error)
	// Specialize returns one definition per id, bound to contextKey.
	Specialize(ctx context.Context, ids []string, contextKey string) ([]*job.Definition, error)
	// SupportsSpecialization reports whether definitions depend on the
	// context key and can be reloaded.
	SupportsSpecialization() bool
}

// UnknownError names identifiers missing from the catalog.
type UnknownError struct {
	IDs []string
}

func (e *UnknownError) Error() string {
	if len(e.IDs) == 1 {
		return fmt.Sprintf("unknown job identifier: %s", e.IDs[0])
	}
	return fmt.Sprintf("unknown job identifiers: %s", strings.Join(e.IDs, ", "))
}

// Config selects the catalog implementation.
type Config struct {
	// Path to a YAML catalog of command jobs. Empty means builtins only.
	Path string
	// Builtins registers the in-process echo, sleep and fail jobs.
	Builtins bool
}

// New builds the configured catalog.
func New(cfg Config, log logx.Logger) (Catalog, error) {
	reg := NewRegistry()
	if cfg.Builtins {
		for _, d := range Builtins() {
			if err := reg.Register(d); err != nil {
				return nil, err
			}
		}
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return reg, nil
	}
	return NewFileCatalog(cfg.Path, reg, log), nil
}

// Index maps definitions by identifier.
func Index(defs []*job.Definition) map[string]*job.Definition {
	m := make(map[string]*job.Definition, len(defs))
	for _, d := range defs {
		if d != nil {
			m[d.Identifier] = d
		}
	}
	return m
}

// Lookup resolves ids against idx, reporting every missing id at once.
func Lookup(idx map[string]*job.Definition, ids []string) ([]*job.Definition, error) {
	out := make([]*job.Definition, 0, len(ids))
	var missing []string
	for _, id := range ids {
		d, ok := idx[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, d)
	}
	if len(missing) > 0 {
		return nil, &UnknownError{IDs: missing}
	}
	return out, nil
}

// Sorted returns defs ordered by identifier.
func Sorted(defs []*job.Definition) []*job.Definition {
	out := append([]*job.Definition(nil), defs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Registry holds in-process Go handlers. Its definitions do not vary by
// context, so it does not support specialization.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*job.Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*job.Definition{}}
}

// Register adds def. Identifiers must be unique.
func (r *Registry) Register(def *job.Definition) error {
	if def == nil || strings.TrimSpace(def.Identifier) == "" {
		return fmt.Errorf("catalog: definition requires an identifier")
	}
	if def.Handler == nil {
		return fmt.Errorf("catalog: %s has no handler", def.Identifier)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Identifier]; ok {
		return fmt.Errorf("catalog: duplicate identifier %s", def.Identifier)
	}
	r.defs[def.Identifier] = def
	return nil
}

func (r *Registry) Load(ctx context.Context) ([]*job.Definition, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*job.Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return Sorted(out), nil
}

func (r *Registry) Specialize(ctx context.Context, ids []string, contextKey string) ([]*job.Definition, error) {
	_ = ctx
	r.mu.RLock()
	found, err := Lookup(r.defs, ids)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]*job.Definition, len(found))
	for i, d := range found {
		out[i] = d.WithContext(contextKey)
	}
	return out, nil
}

func (r *Registry) SupportsSpecialization() bool { return false }
