package strategy

import (
	"sort"
	"sync"

	apperrors "qtune/internal/errors"
	"qtune/internal/strategy/params"
)

// Registry holds strategies by name.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	spaces     map[string]map[string][]params.Value
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		spaces:     make(map[string]map[string][]params.Value),
	}
}

// NewDefaultRegistry returns a registry with the built-in strategies and
// their default search spaces.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTrendFollowing(), trendFollowingSpace())
	r.Register(NewMeanReversion(), meanReversionSpace())
	return r
}

// Register adds or replaces a strategy. space may be nil.
func (r *Registry) Register(s Strategy, space map[string][]params.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
	if space != nil {
		r.spaces[s.Name()] = space
	}
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeStrategyNotFound, "strategy %q is not registered", name)
	}
	return s, nil
}

// DefaultSearchSpace returns a copy of the default grid for name, or nil.
func (r *Registry) DefaultSearchSpace(name string) map[string][]params.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	space, ok := r.spaces[name]
	if !ok {
		return nil
	}
	out := make(map[string][]params.Value, len(space))
	for k, v := range space {
		out[k] = append([]params.Value(nil), v...)
	}
	return out
}

// List describes every registered strategy, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:          s.Name(),
			Description:   s.Description(),
			Schema:        s.Schema(),
			Defaults:      s.Defaults(),
			DefaultSearch: r.DefaultSearchSpace(name),
		})
	}
	return out
}
