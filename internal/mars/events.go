package mars

import "time"

type EventType string

const (
	EventExplorationStarted     EventType = "exploration_started"
	EventSolutionGenerated      EventType = "solution_generated"
	EventAggregationStarted     EventType = "aggregation_started"
	EventSolutionsAggregated    EventType = "solutions_aggregated"
	EventStrategyNetworkStarted EventType = "strategy_network_started"
	EventStrategyExtracted      EventType = "strategy_extracted"
	EventVerificationStarted    EventType = "verification_started"
	EventSolutionVerified       EventType = "solution_verified"
	EventImprovementStarted     EventType = "improvement_started"
	EventSolutionImproved       EventType = "solution_improved"
	EventSynthesisStarted       EventType = "synthesis_started"
	EventAnswerSynthesized      EventType = "answer_synthesized"
	EventCompleted              EventType = "completed"
	EventError                  EventType = "error"
)

// Event is an observability record of run progress. Sinks must not block and
// have no influence on the run.
type Event struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"run_id"`
	State      State          `json:"state"`
	SolutionID string         `json:"solution_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Iteration  int            `json:"iteration,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function into an EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

type discardSink struct{}

func (discardSink) Publish(Event) {}
