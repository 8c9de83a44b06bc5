// Package runs executes MARS runs in the background, persisting their
// outputs and publishing their events.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/llm"
	"github.com/mtzanidakis/mars/internal/mars"
	"github.com/mtzanidakis/mars/internal/natsbus"
	"github.com/mtzanidakis/mars/internal/store"
)

var (
	ErrEmptyQuery = errors.New("query is required")
	ErrNotRunning = errors.New("run is not in progress")
)

// Abandoner is implemented by sinks that keep per-run bookkeeping which must
// be released when a run ends without a completed event.
type Abandoner interface {
	Abandon(runID string)
}

type active struct {
	cancel context.CancelFunc
	sub    *nats.Subscription
	done   chan struct{}
}

type Manager struct {
	store  *store.Store
	client *natsbus.Client
	sinks  []mars.EventSink
	log    *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.MarsConfig
	gen   llm.Generator

	mu     sync.Mutex
	active map[string]*active
	wg     sync.WaitGroup
}

// NewManager creates a manager. client may be nil, in which case events go
// only to sinks and runs cannot be cancelled over NATS.
func NewManager(s *store.Store, client *natsbus.Client, cfg config.MarsConfig, gen llm.Generator, log *slog.Logger, sinks ...mars.EventSink) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if client != nil {
		sinks = append(sinks, natsbus.NewEventSink(client, log))
	}
	return &Manager{
		store:  s,
		client: client,
		sinks:  sinks,
		log:    log,
		cfg:    cfg,
		gen:    gen,
		active: make(map[string]*active),
	}
}

// Reload swaps the configuration and generator used by runs started from now
// on. Runs in progress keep theirs. A nil gen keeps the current generator.
func (m *Manager) Reload(cfg config.MarsConfig, gen llm.Generator) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
	if gen != nil {
		m.gen = gen
	}
	return nil
}

func (m *Manager) Config() config.MarsConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Coordinator builds a coordinator from the current configuration, wired to
// the manager's sinks and strategy store.
func (m *Manager) Coordinator(opts ...mars.Option) (*mars.Coordinator, error) {
	m.cfgMu.RLock()
	cfg, gen := m.cfg, m.gen
	m.cfgMu.RUnlock()

	base := []mars.Option{
		mars.WithLogger(m.log),
		mars.WithEventSink(mars.MultiSink(m.sinks)),
	}
	if m.store != nil {
		base = append(base, mars.WithStrategyStore(m.store))
	}
	return mars.New(cfg, gen, append(base, opts...)...)
}

// Start records a new run and executes it in the background. The returned
// record reflects the run as accepted.
func (m *Manager) Start(query string) (*store.Run, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	coord, err := m.Coordinator()
	if err != nil {
		return nil, err
	}

	rec := &store.Run{
		ID:        uuid.New().String(),
		Query:     query,
		Status:    store.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.CreateRun(rec.ID, rec.Query, rec.StartedAt); err != nil {
		return nil, err
	}

	// Use a background context so the run outlives the HTTP request.
	ctx, cancel := context.WithCancel(context.Background())
	a := &active{cancel: cancel, done: make(chan struct{})}
	if m.client != nil {
		sub, err := m.client.OnControl(rec.ID, func(cmd string) {
			if cmd == natsbus.ControlCancel {
				m.log.Info("run cancelled", "run", rec.ID)
				cancel()
			}
		})
		if err != nil {
			m.log.Warn("subscribe run control", "run", rec.ID, "error", err)
		}
		a.sub = sub
	}

	m.mu.Lock()
	m.active[rec.ID] = a
	m.mu.Unlock()

	m.wg.Go(func() {
		defer close(a.done)
		m.execute(ctx, coord, rec)
	})
	return rec, nil
}

func (m *Manager) execute(ctx context.Context, coord *mars.Coordinator, rec *store.Run) {
	defer m.finish(rec.ID)

	out, err := coord.Run(ctx, rec.Query, mars.WithRunID(rec.ID))
	if err != nil {
		m.log.Error("run failed", "run", rec.ID, "error", err)
		if err := m.store.FailRun(rec.ID, err.Error()); err != nil {
			m.log.Error("record failed run", "run", rec.ID, "error", err)
		}
		for _, s := range m.sinks {
			if a, ok := s.(Abandoner); ok {
				a.Abandon(rec.ID)
			}
		}
		return
	}
	if err := m.store.SaveRun(out); err != nil {
		m.log.Error("save run", "run", rec.ID, "error", err)
	}
}

func (m *Manager) finish(id string) {
	m.mu.Lock()
	a, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	a.cancel()
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
}

// Cancel stops a run owned by this manager, or asks the owner over NATS.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	a, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		a.cancel()
		return nil
	}
	if m.client == nil {
		return ErrNotRunning
	}
	if err := m.client.Cancel(id, 2*time.Second); err != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the ids of runs in progress.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every run in progress and waits for them to be recorded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, a := range m.active {
		a.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
