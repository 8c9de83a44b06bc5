package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicRunEvents carries the mars.Event stream of one run.
func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

// TopicRunControl carries control commands (cancel) for one run.
func TopicRunControl(runID string) string {
	return fmt.Sprintf("run.%s.control", runID)
}

const (
	TopicEventsAll  = "events.>"
	TopicEventsRuns = "events.run.*"
)
