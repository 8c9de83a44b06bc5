package mars

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/semaphore"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/llm"
)

// scripted is a Generator whose responses are decided by a function of the
// request. Requests are tagged "<op>/<agent id>".
type scripted struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(op, agent string, req llm.Request) (string, error)
}

func newScripted(respond func(op, agent string, req llm.Request) (string, error)) *scripted {
	return &scripted{calls: make(map[string]int), respond: respond}
}

func (s *scripted) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op, agent, _ := strings.Cut(req.Tag, "/")
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()

	text, err := s.respond(op, agent, req)
	if err != nil {
		return nil, err
	}
	return llm.NewSliceStream(
		llm.Event{Delta: text},
		llm.Event{Done: true, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
	), nil
}

func (s *scripted) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// judgeByAnswer accepts exactly the solutions whose final answer is want.
func judgeByAnswer(want string, req llm.Request) string {
	if strings.Contains(req.Prompt, "Final answer: "+want) {
		return "RESULT: CORRECT\nSCORE: 0.9\nFEEDBACK: every step checks out"
	}
	return "RESULT: INCORRECT\nSCORE: 0.8\nFEEDBACK: the final sum is wrong, 17*23 is not this value"
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, et := range l.types() {
		if et == t {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.MarsConfig {
	cfg := config.DefaultMars()
	cfg.Timeout = 10 * time.Second
	cfg.CallTimeout = 2 * time.Second
	cfg.JudgeTimeout = 2 * time.Second
	cfg.AgentRetries = 0
	return cfg
}

func newTestInvoker() *invoker {
	return &invoker{
		log:            quietLogger(),
		sem:            semaphore.NewWeighted(8),
		retryInterval:  time.Millisecond,
		cancelInFlight: true,
	}
}

// assertRunInvariants checks properties every output must satisfy.
func assertRunInvariants(t *testing.T, out *Output, threshold int) {
	t.Helper()
	seen := make(map[string]bool, len(out.Solutions))
	for _, s := range out.Solutions {
		assert.False(t, seen[s.ID], "duplicate solution id %s", s.ID)
		seen[s.ID] = true
		if s.Verified {
			assert.GreaterOrEqual(t, s.VerificationPasses, threshold, "solution %s verified below threshold", s.ID)
			assert.Equal(t, PhaseVerified, s.Phase)
		}
	}
	if out.FinalSolutionID != "" {
		assert.True(t, seen[out.FinalSolutionID], "final solution %s not in snapshot", out.FinalSolutionID)
	}
}
