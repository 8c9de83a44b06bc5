package natsbus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/mtzanidakis/mars/internal/mars"
)

func newTestBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, _ := newTestBus(t)

	if url := bus.ClientURL(); url == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Errorf("expected a bound port, got %d", bus.Port())
	}
	if bus.NumClients() != 1 {
		t.Errorf("expected 1 client, got %d", bus.NumClients())
	}
}

func TestPubSub(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON("test.json", payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestEventSink(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan mars.Event, 2)
	if _, err := client.SubscribeEvents(TopicEventsRuns, func(ev mars.Event) {
		received <- ev
	}); err != nil {
		t.Fatalf("subscribe events: %v", err)
	}
	// Payloads that do not decode are dropped.
	_ = client.Publish(TopicRunEvents("bad"), []byte("{"))

	sink := NewEventSink(client, nil)
	sink.Publish(mars.Event{
		Type:       mars.EventSolutionVerified,
		RunID:      "run-1",
		State:      mars.StateVerifying,
		SolutionID: "sol-1",
		Data:       map[string]any{"verified": true},
	})
	client.Flush()

	select {
	case ev := <-received:
		if ev.Type != mars.EventSolutionVerified || ev.RunID != "run-1" || ev.SolutionID != "sol-1" {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.Data["verified"] != true {
			t.Errorf("expected data to survive, got %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestCancelControl(t *testing.T) {
	_, client := newTestBus(t)

	cmds := make(chan string, 1)
	sub, err := client.OnControl("run-1", func(cmd string) { cmds <- cmd })
	if err != nil {
		t.Fatalf("on control: %v", err)
	}
	client.Flush()

	if err := client.Cancel("run-1", 2*time.Second); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := <-cmds; got != ControlCancel {
		t.Errorf("expected %q, got %q", ControlCancel, got)
	}

	_ = sub.Unsubscribe()
	if err := client.Cancel("run-1", 200*time.Millisecond); err == nil {
		t.Error("expected error without a run owner")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicRunEvents("r1"); got != "events.run.r1" {
		t.Errorf("expected events.run.r1, got %s", got)
	}
	if got := TopicRunControl("r1"); got != "run.r1.control" {
		t.Errorf("expected run.r1.control, got %s", got)
	}
}
