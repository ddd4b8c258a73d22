// Package pipeline turns a conversation turn into a model request.
//
// A Pipeline is stateless between calls: the caller decides which history
// accompanies each turn. The language instruction is rendered fresh for
// every request and never stored.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"LinguaChat/internal/backend"
	"LinguaChat/internal/cache"
	"LinguaChat/internal/history"
	"LinguaChat/internal/session"
)

// BotName is how the assistant introduces itself
const BotName = "GemmaBot"

const systemTemplate = "You are a helpful assistant. Answer all questions to the best of your ability in %[1]s. " +
	"Your name is %[2]s. The user's input might be in English, but you MUST respond in the selected %[1]s."

// SystemPrompt renders the instruction for language
func SystemPrompt(language string) session.Message {
	return session.NewMessage(session.RoleSystem, fmt.Sprintf(systemTemplate, language, BotName))
}

// Request is one turn's input
type Request struct {
	History  []session.Message
	Input    string
	Language string
}

// Pipeline composes prompts and forwards them to a backend
type Pipeline struct {
	client    backend.Client
	maxTokens int
	counter   history.Counter
	logger    *slog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithMaxTokens sets the history trim budget
func WithMaxTokens(n int) Option {
	return func(p *Pipeline) {
		p.maxTokens = n
	}
}

// WithCounter overrides token counting
func WithCounter(c history.Counter) Option {
	return func(p *Pipeline) {
		p.counter = c
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New creates a pipeline over client. If client can count its own tokens
// that count is used, otherwise a memoised character heuristic.
func New(client backend.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:    client,
		maxTokens: history.DefaultMaxTokens,
		logger:    slog.Default(),
	}
	if c, ok := client.(history.Counter); ok {
		p.counter = c
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.counter == nil {
		p.counter = cache.NewTokenCache(history.EstimateTokens, 0)
	}
	return p
}

// Backend returns the backend name
func (p *Pipeline) Backend() string {
	return p.client.Name()
}

// Messages builds the full request: system instruction, then the trimmed
// history ending with the new user message.
func (p *Pipeline) Messages(req Request) []session.Message {
	system := SystemPrompt(req.Language)

	conversation := make([]session.Message, 0, len(req.History)+1)
	conversation = append(conversation, req.History...)
	conversation = append(conversation, session.NewMessage(session.RoleUser, req.Input))

	trimmed := history.Trim(system, conversation, p.maxTokens, p.counter)
	if dropped := len(conversation) - len(trimmed); dropped > 0 {
		p.logger.Debug("trimmed history",
			"dropped", dropped,
			"kept", len(trimmed),
			"max_tokens", p.maxTokens,
		)
	}

	out := make([]session.Message, 0, len(trimmed)+1)
	out = append(out, system)
	return append(out, trimmed...)
}

// Stream submits the turn and returns the reply as fragments. Nothing is
// sent until the fragments are ranged over.
func (p *Pipeline) Stream(ctx context.Context, req Request) backend.Fragments {
	return p.client.Stream(ctx, p.Messages(req))
}
