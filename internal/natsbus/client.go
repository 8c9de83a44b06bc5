package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/mars/internal/mars"
)

// ControlCancel asks the process running a run to cancel it.
const ControlCancel = "cancel"

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name("mars"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// SubscribeEvents delivers decoded run events matching topic. Messages that
// do not decode are logged and dropped.
func (c *Client) SubscribeEvents(topic string, handler func(mars.Event)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, func(msg *nats.Msg) {
		var ev mars.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid event payload", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
}

// Cancel publishes a cancel command for runID and waits for the owner of the
// run to acknowledge it.
func (c *Client) Cancel(runID string, timeout time.Duration) error {
	msg, err := c.conn.Request(TopicRunControl(runID), []byte(ControlCancel), timeout)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if string(msg.Data) != "ok" {
		return fmt.Errorf("cancel run %s: %s", runID, msg.Data)
	}
	return nil
}

// OnControl subscribes the owner of runID to its control topic. Every command
// is passed to fn and acknowledged.
func (c *Client) OnControl(runID string, fn func(cmd string)) (*nats.Subscription, error) {
	return c.conn.Subscribe(TopicRunControl(runID), func(msg *nats.Msg) {
		fn(string(msg.Data))
		if msg.Reply != "" {
			_ = msg.Respond([]byte("ok"))
		}
	})
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
