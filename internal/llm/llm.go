// Package llm defines the text-generation capability the coordinator consumes
// and the providers that implement it.
//
// A Generator streams one completion per request. Callers read events with
// Stream.Recv until a Done event or io.EOF.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyStream is returned by Collect when the provider closed the stream
// without producing any text.
var ErrEmptyStream = errors.New("empty completion stream")

type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// Tag identifies the caller in logs (e.g. "generate/agent-1f3c").
	Tag string
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

type Event struct {
	Delta string
	Done  bool
	Usage *Usage
}

type Stream interface {
	Recv() (Event, error)
	Close() error
}

type Generator interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Completion is a fully drained stream.
type Completion struct {
	Text  string
	Usage Usage
}

// Collect issues req and reads the stream to completion.
func Collect(ctx context.Context, gen Generator, req Request) (Completion, error) {
	stream, err := gen.Stream(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	var (
		sb    strings.Builder
		usage Usage
	)
	for {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Completion{}, fmt.Errorf("recv: %w", err)
		}
		sb.WriteString(ev.Delta)
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		if ev.Done {
			break
		}
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return Completion{}, ErrEmptyStream
	}
	if usage.Total() == 0 {
		// Providers that omit usage still count against the budget.
		usage.OutputTokens = estimateTokens(text)
		usage.InputTokens = estimateTokens(req.System) + estimateTokens(req.Prompt)
	}
	return Completion{Text: text, Usage: usage}, nil
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// SliceStream replays a fixed list of events. It is useful for providers that
// return whole responses and for tests.
type SliceStream struct {
	events []Event
	pos    int
}

func NewSliceStream(events ...Event) *SliceStream {
	return &SliceStream{events: events}
}

func (s *SliceStream) Recv() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *SliceStream) Close() error { return nil }

// GeneratorFunc adapts a plain function into a Generator returning a single
// text delta followed by a Done event.
type GeneratorFunc func(ctx context.Context, req Request) (string, Usage, error)

func (f GeneratorFunc) Stream(ctx context.Context, req Request) (Stream, error) {
	text, usage, err := f(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewSliceStream(Event{Delta: text}, Event{Done: true, Usage: &usage}), nil
}
