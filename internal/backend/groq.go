package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"LinguaChat/internal/session"
)

const (
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "gemma2-9b-it"
)

// GroqConfig configures the Groq client
type GroqConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	HTTPClient  *http.Client
}

// GroqClient streams completions from Groq's OpenAI-compatible API
type GroqClient struct {
	client *openai.Client
	cfg    GroqConfig
}

// NewGroqClient creates a Groq client. An empty API key is an error.
func NewGroqClient(cfg GroqConfig) (*GroqClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("groq API key not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGroqBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGroqModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &GroqClient{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}, nil
}

// Name returns the backend identifier
func (c *GroqClient) Name() string {
	return BackendGroq
}

// Model returns the configured model name
func (c *GroqClient) Model() string {
	return c.cfg.Model
}

// Stream sends messages to Groq and yields content deltas
func (c *GroqClient) Stream(ctx context.Context, messages []session.Message) Fragments {
	return SingleUse(func(yield func(string, error) bool) {
		reqMessages := make([]openai.ChatCompletionMessage, len(messages))
		for i, msg := range messages {
			reqMessages[i] = openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		req := openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			Messages:    reqMessages,
			Stream:      true,
			MaxTokens:   c.cfg.MaxTokens,
			Temperature: c.cfg.Temperature,
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", invocationError(c.Name(), fmt.Errorf("failed to open stream: %w", err)))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", invocationError(c.Name(), fmt.Errorf("failed to read stream: %w", err)))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}
	})
}
