package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"LinguaChat/internal/session"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOllamaModel   = "gemma2:9b"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse represents one streamed line from the Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaClient streams completions from a local Ollama server
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates an Ollama client. Empty values use the defaults.
func NewOllamaClient(baseURL, model string, httpClient *http.Client) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

// Name returns the backend identifier
func (c *OllamaClient) Name() string {
	return BackendOllama
}

// Model returns the configured model name
func (c *OllamaClient) Model() string {
	return c.model
}

// Stream posts to /api/chat and yields each NDJSON line's content
func (c *OllamaClient) Stream(ctx context.Context, messages []session.Message) Fragments {
	return SingleUse(func(yield func(string, error) bool) {
		fail := func(format string, args ...any) {
			yield("", invocationError(c.Name(), fmt.Errorf(format, args...)))
		}

		reqMessages := make([]map[string]string, len(messages))
		for i, msg := range messages {
			reqMessages[i] = map[string]string{
				"role":    string(msg.Role),
				"content": msg.Content,
			}
		}

		jsonData, err := json.Marshal(OllamaRequest{
			Model:    c.model,
			Messages: reqMessages,
			Stream:   true,
		})
		if err != nil {
			fail("failed to marshal request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
		if err != nil {
			fail("failed to create request: %w", err)
			return
		}
		req.Header.Set("content-type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			fail("failed to send request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			fail("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk OllamaResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				fail("failed to unmarshal response: %w", err)
				return
			}
			if chunk.Error != "" {
				fail("API error: %s", chunk.Error)
				return
			}
			if chunk.Message.Content != "" {
				if !yield(chunk.Message.Content, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail("failed to read response: %w", err)
			return
		}
		fail("stream ended before completion")
	})
}
