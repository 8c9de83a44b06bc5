package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mtzanidakis/mars/internal/config"
	"github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint
// (OpenAI, Ollama, vLLM, llama.cpp server).
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAI(cfg config.ProviderConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, errors.New("provider model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Info("initializing openai-compatible provider", "base_url", oc.BaseURL, "model", cfg.Model)
	return &OpenAI{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:         o.model,
		Messages:      messages,
		Temperature:   float32(req.Temperature),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	} else if o.maxTokens > 0 {
		creq.MaxTokens = o.maxTokens
	}

	slog.Debug("opening completion stream", "model", o.model, "tag", req.Tag, "temperature", req.Temperature)
	stream, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (Event, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return Event{}, io.EOF
	}
	if err != nil {
		return Event{}, fmt.Errorf("openai recv: %w", err)
	}

	var ev Event
	if len(resp.Choices) > 0 {
		ev.Delta = resp.Choices[0].Delta.Content
	}
	// With include_usage the final chunk has no choices and carries usage.
	if resp.Usage != nil {
		ev.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		ev.Done = true
	}
	return ev, nil
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}

// New builds the generator described by cfg, rate limited when
// requests_per_second is set.
func New(cfg config.ProviderConfig) (Generator, error) {
	var gen Generator
	switch cfg.Type {
	case "", "openai", "ollama", "openai-compatible":
		g, err := NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
		gen = g
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}

	if cfg.RequestsPerSecond > 0 {
		gen = RateLimit(gen, cfg.RequestsPerSecond, cfg.Burst)
	}
	return gen, nil
}
