// Package optimizer defines the contract shared by every answer-optimisation
// strategy and a registry to look them up by name.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrNotFound  = errors.New("optimizer not found")
	ErrDuplicate = errors.New("optimizer already registered")
)

// Result is the outcome of one optimisation.
type Result struct {
	Optimizer   string         `json:"optimizer"`
	Answer      string         `json:"answer"`
	Reasoning   string         `json:"reasoning"`
	TotalTokens int            `json:"total_tokens"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Optimizer interface {
	Name() string
	Description() string
	Optimize(ctx context.Context, query string) (Result, error)
}

// Registry is a name-keyed set of optimizers safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	optimizers map[string]Optimizer
}

func NewRegistry() *Registry {
	return &Registry{optimizers: make(map[string]Optimizer)}
}

func (r *Registry) Register(o Optimizer) error {
	name := o.Name()
	if name == "" {
		return errors.New("register optimizer: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.optimizers[name]; ok {
		return fmt.Errorf("register optimizer %s: %w", name, ErrDuplicate)
	}
	r.optimizers[name] = o
	return nil
}

func (r *Registry) Get(name string) (Optimizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.optimizers[name]
	if !ok {
		return nil, fmt.Errorf("get optimizer %s: %w", name, ErrNotFound)
	}
	return o, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.optimizers))
	for name := range r.optimizers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Optimize runs the named optimizer.
func (r *Registry) Optimize(ctx context.Context, name, query string) (Result, error) {
	o, err := r.Get(name)
	if err != nil {
		return Result{}, err
	}
	res, err := o.Optimize(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("optimize with %s: %w", name, err)
	}
	if res.Optimizer == "" {
		res.Optimizer = name
	}
	return res, nil
}
