package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/mars/internal/mars"
)

func TestRecorderCountsRun(t *testing.T) {
	r := NewRecorder()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	r.Publish(mars.Event{Type: mars.EventExplorationStarted, RunID: "run-1", Timestamp: start})
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeRuns))

	r.Publish(mars.Event{Type: mars.EventSolutionVerified, RunID: "run-1", Data: map[string]any{"verified": true}})
	r.Publish(mars.Event{Type: mars.EventSolutionVerified, RunID: "run-1", Data: map[string]any{"verified": false}})
	r.Publish(mars.Event{Type: mars.EventSolutionVerified, RunID: "run-1", Data: map[string]any{"verified": true}})
	r.Publish(mars.Event{Type: mars.EventStrategyExtracted, RunID: "run-1"})
	r.Publish(mars.Event{Type: mars.EventSolutionsAggregated, RunID: "run-1", Data: map[string]any{"best_score": 0.75}})
	r.Publish(mars.Event{Type: mars.EventError, RunID: "run-1", State: mars.StateVerifying})
	r.Publish(mars.Event{Type: mars.EventCompleted, RunID: "run-1", Timestamp: start.Add(42 * time.Second), Data: map[string]any{
		"status":       string(mars.StatusCompleted),
		"method":       string(mars.MethodMajorityVote),
		"total_tokens": 4200,
		"iterations":   2,
	}})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.verified.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verified.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.strategies))
	assert.Equal(t, 0.75, testutil.ToFloat64(r.bestScore))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errors.WithLabelValues("verifying")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("completed", "majority_vote")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.events.WithLabelValues("solution_verified")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.activeRuns))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestRecorderAbandon(t *testing.T) {
	r := NewRecorder()
	r.Publish(mars.Event{Type: mars.EventExplorationStarted, RunID: "run-1", Timestamp: time.Now()})
	r.Abandon("run-1")
	r.Abandon("run-1")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.activeRuns))
}

func TestHandlerServesRegistry(t *testing.T) {
	r := NewRecorder()
	r.Publish(mars.Event{Type: mars.EventStrategyExtracted})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "mars_strategies_extracted_total 1"))
	assert.Contains(t, string(body), "go_goroutines")
}
