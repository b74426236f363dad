package step

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/resource"
)

// Deps are the collaborators steps are built with.
type Deps struct {
	Ledger          *resource.Ledger
	Backends        BackendLookup
	Objects         objectstore.Store
	CallbackChannel string
	SyncTimeout     time.Duration
	DispatchTimeout time.Duration
	WorkDir         string
	Logger          *zap.Logger
}

func (d Deps) lookup(id string) (Backend, bool) {
	if d.Backends == nil {
		return nil, false
	}
	return d.Backends(id)
}

func (d Deps) dbOptions() []DBOption {
	return []DBOption{
		WithCallbackChannel(d.CallbackChannel),
		WithSyncTimeout(d.SyncTimeout),
		WithDispatchTimeout(d.DispatchTimeout),
	}
}

// Factory builds a step from its persisted record.
type Factory func(rec *Record, deps Deps) (Step, error)

// Registry maps step types to factories.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in step types.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, factories: make(map[string]Factory)}
	r.Register(TypeAsyncSQL, newAsyncSQL)
	r.Register(TypeTableStats, newTableStats)
	r.Register(TypeRunProcess, newRunProcess)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(stepType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stepType] = f
}

// Types lists the registered step types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build creates a step from a record. The step owns a copy of the record.
func (r *Registry) Build(rec *Record) (Step, error) {
	if rec == nil {
		return nil, fmt.Errorf("step record is nil")
	}
	r.mu.RLock()
	f, ok := r.factories[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", rec.Type)
	}
	return f(rec.Clone(), r.deps)
}
