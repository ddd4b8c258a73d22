// Package chatbot drives conversations: it owns session lifecycles and
// turns UI events into rendering instructions.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"LinguaChat/internal/pipeline"
	"LinguaChat/internal/session"
)

// ErrEmptyInput is returned for a submit event with only whitespace
var ErrEmptyInput = errors.New("message is required")

// EventKind identifies a UI event
type EventKind string

const (
	EventLoad           EventKind = "load"
	EventNewChat        EventKind = "new_chat"
	EventChangeLanguage EventKind = "change_language"
	EventSubmit         EventKind = "submit"
)

// Event is one UI interaction
type Event struct {
	Kind     EventKind
	Text     string
	Language string
}

// InstructionKind identifies a rendering instruction
type InstructionKind string

const (
	// InstructionTranscript replaces the whole view with Snapshot
	InstructionTranscript InstructionKind = "transcript"
	// InstructionMessage appends Message to the transcript
	InstructionMessage InstructionKind = "message"
	// InstructionFragment extends the reply being streamed
	InstructionFragment InstructionKind = "fragment"
	// InstructionError shows Message as an inline error
	InstructionError InstructionKind = "error"
	// InstructionDone ends the event; Snapshot holds the settled state
	InstructionDone InstructionKind = "done"
)

// Instruction tells a renderer what to draw
type Instruction struct {
	Kind     InstructionKind `json:"kind"`
	Snapshot *Snapshot       `json:"snapshot,omitempty"`
	Message  *DisplayMessage `json:"message,omitempty"`
	Fragment string          `json:"fragment,omitempty"`
}

// Renderer draws instructions as they are produced
type Renderer interface {
	Render(Instruction) error
}

// RenderFunc adapts a function to Renderer
type RenderFunc func(Instruction) error

// Render calls f(in)
func (f RenderFunc) Render(in Instruction) error {
	return f(in)
}

// Loop handles UI events for any number of conversations. A nil pipeline
// disables inference: input is still accepted but answered with
// NotFunctionalMessage.
type Loop struct {
	pipeline        *pipeline.Pipeline
	defaultLanguage string
	logger          *slog.Logger
	tracer          trace.Tracer
	turns           metric.Int64Counter
	resets          metric.Int64Counter
}

// LoopOption configures a Loop
type LoopOption func(*loopOptions)

type loopOptions struct {
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) LoopOption {
	return func(o *loopOptions) { o.logger = l }
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) LoopOption {
	return func(o *loopOptions) { o.tracer = t }
}

// WithMeter sets the meter
func WithMeter(m metric.Meter) LoopOption {
	return func(o *loopOptions) { o.meter = m }
}

// NewLoop creates a Loop. Conversations start in defaultLanguage.
func NewLoop(p *pipeline.Pipeline, defaultLanguage string, opts ...LoopOption) (*Loop, error) {
	o := loopOptions{
		logger: slog.Default(),
		tracer: otel.Tracer("linguachat"),
		meter:  otel.Meter("linguachat"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	turns, err := o.meter.Int64Counter("chat.turns",
		metric.WithDescription("Submitted chat turns by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn counter: %w", err)
	}
	resets, err := o.meter.Int64Counter("chat.resets",
		metric.WithDescription("Session memory wipes by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reset counter: %w", err)
	}

	return &Loop{
		pipeline:        p,
		defaultLanguage: defaultLanguage,
		logger:          o.logger,
		tracer:          o.tracer,
		turns:           turns,
		resets:          resets,
	}, nil
}

// InferenceEnabled reports whether submits reach a model
func (l *Loop) InferenceEnabled() bool {
	return l.pipeline != nil
}

// Handle applies ev to c and renders the result. An uninitialized
// controller is initialized first, whatever the event. Model failures are
// rendered inline and do not produce an error; a cancelled ctx or a failing
// renderer abandons the turn and is returned.
func (l *Loop) Handle(ctx context.Context, c *Controller, ev Event, r Renderer) error {
	if c.State() == StateUninitialized {
		if err := c.Init(ctx, l.defaultLanguage); err != nil {
			return fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	switch ev.Kind {
	case EventLoad:
		if err := l.renderTranscript(c, r); err != nil {
			return err
		}

	case EventNewChat:
		if err := c.Reset(ctx); err != nil {
			return err
		}
		l.resets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "new_chat")))
		if err := l.renderTranscript(c, r); err != nil {
			return err
		}

	case EventChangeLanguage:
		changed, err := c.ChangeLanguage(ctx, ev.Language)
		if err != nil {
			return err
		}
		if changed {
			l.resets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "language")))
		}
		if err := l.renderTranscript(c, r); err != nil {
			return err
		}

	case EventSubmit:
		if err := l.submit(ctx, c, ev.Text, r); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown event: %q", ev.Kind)
	}

	snapshot := c.Snapshot()
	return r.Render(Instruction{Kind: InstructionDone, Snapshot: &snapshot})
}

func (l *Loop) renderTranscript(c *Controller, r Renderer) error {
	snapshot := c.Snapshot()
	return r.Render(Instruction{Kind: InstructionTranscript, Snapshot: &snapshot})
}

func (l *Loop) show(c *Controller, r Renderer, kind InstructionKind, msg DisplayMessage) error {
	c.Show(msg)
	return r.Render(Instruction{Kind: kind, Message: &msg})
}

func (l *Loop) countTurn(ctx context.Context, outcome string) {
	l.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (l *Loop) submit(ctx context.Context, c *Controller, text string, r Renderer) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	if IsForgetCommand(text) {
		if err := l.show(c, r, InstructionMessage, DisplayMessage{Role: session.RoleUser, Content: text}); err != nil {
			return err
		}
		if err := c.ForgetMemory(ctx); err != nil {
			return err
		}
		l.countTurn(ctx, "forget")
		l.resets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "forget")))
		return l.show(c, r, InstructionMessage, DisplayMessage{Role: session.RoleAssistant, Content: ForgetReply})
	}

	if l.pipeline == nil {
		l.countTurn(ctx, "unavailable")
		msg := DisplayMessage{Role: session.RoleAssistant, Content: NotFunctionalMessage, Error: true}
		return r.Render(Instruction{Kind: InstructionError, Message: &msg})
	}

	ctx, span := l.tracer.Start(ctx, "chat_turn",
		trace.WithAttributes(
			attribute.String("session.id", c.SessionID()),
			attribute.String("chat.language", c.Language()),
		),
	)
	defer span.End()

	if err := l.show(c, r, InstructionMessage, DisplayMessage{Role: session.RoleUser, Content: text}); err != nil {
		return err
	}

	history, err := c.History(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("chat.history.messages", len(history)))

	var reply strings.Builder
	var streamErr, renderErr error
	stream := l.pipeline.Stream(ctx, pipeline.Request{
		History:  history,
		Input:    text,
		Language: c.Language(),
	})
	for fragment, err := range stream {
		if err != nil {
			streamErr = err
			break
		}
		reply.WriteString(fragment)
		if err := r.Render(Instruction{Kind: InstructionFragment, Fragment: fragment}); err != nil {
			renderErr = err
			break
		}
	}

	if err := ctx.Err(); err != nil {
		l.countTurn(ctx, "cancelled")
		span.SetStatus(codes.Error, "cancelled")
		l.logger.Warn("chat turn abandoned", "session_id", c.SessionID(), "received_bytes", reply.Len())
		return err
	}
	if renderErr != nil {
		l.countTurn(ctx, "cancelled")
		span.SetStatus(codes.Error, "render failed")
		l.logger.Warn("chat turn abandoned", "session_id", c.SessionID(), "error", renderErr)
		return renderErr
	}

	if streamErr != nil {
		l.countTurn(ctx, "error")
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		l.logger.Error("failed to send message", "session_id", c.SessionID(), "error", streamErr)

		if partial := reply.String(); partial != "" {
			if err := c.Record(ctx, text, partial); err != nil {
				return err
			}
			if err := l.show(c, r, InstructionMessage, DisplayMessage{Role: session.RoleAssistant, Content: partial}); err != nil {
				return err
			}
		}
		return l.show(c, r, InstructionError, DisplayMessage{
			Role:    session.RoleAssistant,
			Content: ErrorReplyMessage,
			Error:   true,
		})
	}

	if err := c.Record(ctx, text, reply.String()); err != nil {
		return err
	}
	l.countTurn(ctx, "ok")
	l.logger.Info("chat turn complete",
		"session_id", c.SessionID(),
		"language", c.Language(),
		"reply_bytes", reply.Len(),
	)
	if reply.Len() == 0 {
		return nil
	}
	return l.show(c, r, InstructionMessage, DisplayMessage{Role: session.RoleAssistant, Content: reply.String()})
}
