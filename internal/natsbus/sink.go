package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/mars/internal/mars"
)

// EventSink publishes run events as JSON on TopicRunEvents.
type EventSink struct {
	client *Client
	log    *slog.Logger
}

var _ mars.EventSink = (*EventSink)(nil)

func NewEventSink(client *Client, log *slog.Logger) *EventSink {
	if log == nil {
		log = slog.Default()
	}
	return &EventSink{client: client, log: log}
}

func (s *EventSink) Publish(ev mars.Event) {
	if err := s.client.PublishJSON(TopicRunEvents(ev.RunID), ev); err != nil {
		s.log.Warn("publish event", "type", ev.Type, "run", ev.RunID, "error", err)
	}
}
