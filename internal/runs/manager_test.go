package runs

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/llm"
	"github.com/mtzanidakis/mars/internal/mars"
	"github.com/mtzanidakis/mars/internal/natsbus"
	"github.com/mtzanidakis/mars/internal/store"
)

var solver = llm.GeneratorFunc(func(_ context.Context, req llm.Request) (string, llm.Usage, error) {
	if strings.HasPrefix(req.Tag, "judge/") {
		return "RESULT: CORRECT\nSCORE: 1\nFEEDBACK: fine", llm.Usage{OutputTokens: 5}, nil
	}
	return "17*23 = 340 + 51\nAnswer: 391", llm.Usage{OutputTokens: 10}, nil
})

var stalled = llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) (string, llm.Usage, error) {
	<-ctx.Done()
	return "", llm.Usage{}, ctx.Err()
})

func testConfig() config.MarsConfig {
	cfg := config.DefaultMars()
	cfg.AgentRetries = 0
	cfg.Timeout = 10 * time.Second
	return cfg
}

type harness struct {
	store  *store.Store
	bus    *natsbus.Bus
	client *natsbus.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "mars.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: filepath.Join(dir, "nats")})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return &harness{store: s, bus: bus, client: client}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []mars.Event
}

func (c *collector) Publish(ev mars.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) has(t mars.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestStartPersistsOutput(t *testing.T) {
	h := newHarness(t)

	published := make(chan mars.Event, 256)
	_, err := h.client.SubscribeEvents(natsbus.TopicEventsRuns, func(ev mars.Event) { published <- ev })
	require.NoError(t, err)
	require.NoError(t, h.client.Flush())

	sink := &collector{}
	m := NewManager(h.store, h.client, testConfig(), solver, quiet(), sink)

	rec, err := m.Start("What is 17*23?")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, rec.ID))

	got, err := h.store.GetRun(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(mars.StatusCompleted), got.Status)
	assert.Equal(t, "391", got.Answer)
	require.NotNil(t, got.Output)
	assert.Equal(t, rec.ID, got.Output.RunID)
	assert.True(t, sink.has(mars.EventCompleted))
	assert.Empty(t, m.Active())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-published:
			if ev.Type == mars.EventCompleted {
				assert.Equal(t, rec.ID, ev.RunID)
				return
			}
		case <-deadline:
			t.Fatal("completed event was not published on NATS")
		}
	}
}

func TestStartRejectsEmptyQuery(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.store, nil, testConfig(), solver, quiet())
	_, err := m.Start("")
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestCancelOverNATS(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.store, h.client, testConfig(), stalled, quiet())

	rec, err := m.Start("What is 17*23?")
	require.NoError(t, err)
	require.NoError(t, h.client.Flush())

	// A second connection stands in for another process.
	other, err := natsbus.NewClient(h.bus)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Cancel(rec.ID, 2*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, rec.ID))

	got, err := h.store.GetRun(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(mars.StatusFailed), got.Status)
	assert.NotEmpty(t, got.FailureReason)

	require.ErrorIs(t, m.Cancel(rec.ID), ErrNotRunning)
}

func TestShutdownCancelsRuns(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.store, nil, testConfig(), stalled, quiet())

	for range 2 {
		_, err := m.Start("q")
		require.NoError(t, err)
	}
	assert.Len(t, m.Active(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.Active())

	counts, err := h.store.CountRuns()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[string(mars.StatusFailed)])
}

func TestReload(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.store, nil, testConfig(), solver, quiet())

	bad := testConfig()
	bad.ConsensusThreshold = 0
	require.Error(t, m.Reload(bad, nil))

	next := testConfig()
	next.Lightweight = true
	require.NoError(t, m.Reload(next, nil))
	assert.Equal(t, 2, m.Config().AgentCount)

	coord, err := m.Coordinator()
	require.NoError(t, err)
	assert.Equal(t, 2, coord.Config().AgentCount)
}
