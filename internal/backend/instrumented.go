package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"LinguaChat/internal/session"
)

// Instrumented wraps a Client with a span, latency histogram and counters
type Instrumented struct {
	next      Client
	logger    *slog.Logger
	tracer    trace.Tracer
	duration  metric.Float64Histogram
	fragments metric.Int64Counter
	failures  metric.Int64Counter
}

// NewInstrumented wraps next
func NewInstrumented(next Client, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Instrumented, error) {
	duration, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	fragments, err := meter.Int64Counter(
		"llm.stream.fragments",
		metric.WithDescription("Response fragments received from the model"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment counter: %w", err)
	}

	failures, err := meter.Int64Counter(
		"llm.invocation.failures",
		metric.WithDescription("Model invocations that ended in an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	return &Instrumented{
		next:      next,
		logger:    logger,
		tracer:    tracer,
		duration:  duration,
		fragments: fragments,
		failures:  failures,
	}, nil
}

// Name returns the wrapped backend's name
func (c *Instrumented) Name() string {
	return c.next.Name()
}

// Unwrap returns the wrapped client
func (c *Instrumented) Unwrap() Client {
	return c.next
}

// Stream forwards to the wrapped client, recording the call as it is consumed
func (c *Instrumented) Stream(ctx context.Context, messages []session.Message) Fragments {
	return SingleUse(func(yield func(string, error) bool) {
		ctx, span := c.tracer.Start(ctx, c.next.Name()+"_api_call",
			trace.WithAttributes(
				attribute.String("llm.backend", c.next.Name()),
				attribute.Int("llm.request.messages", len(messages)),
			),
		)
		defer span.End()

		start := time.Now()
		count := 0
		size := 0
		var streamErr error

		for fragment, err := range c.next.Stream(ctx, messages) {
			if err != nil {
				streamErr = err
				yield("", err)
				break
			}
			count++
			size += len(fragment)
			if !yield(fragment, nil) {
				break
			}
		}

		attrs := metric.WithAttributes(attribute.String("llm.backend", c.next.Name()))
		elapsed := time.Since(start)
		c.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
		c.fragments.Add(ctx, int64(count), attrs)
		span.SetAttributes(
			attribute.Int("llm.response.fragments", count),
			attribute.Int("llm.response.bytes", size),
		)

		if streamErr != nil {
			c.failures.Add(ctx, 1, attrs)
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, streamErr.Error())
			c.logger.Error("model invocation failed",
				"backend", c.next.Name(),
				"error", streamErr,
				"fragments", count,
				"duration_ms", elapsed.Milliseconds(),
			)
			return
		}

		c.logger.Info("model invocation complete",
			"backend", c.next.Name(),
			"fragments", count,
			"bytes", size,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
