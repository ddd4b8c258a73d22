// Package backend streams chat completions from hosted and local models.
package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"LinguaChat/internal/session"
)

const (
	BackendGroq   = "groq"
	BackendOllama = "ollama"
)

// ErrStreamConsumed is yielded when a fragment stream is ranged over twice
var ErrStreamConsumed = errors.New("fragment stream already consumed")

// Fragments is a lazy, finite, single-use sequence of response fragments.
// The request is sent when iteration starts. A non-nil error ends the
// sequence.
type Fragments = iter.Seq2[string, error]

// Client submits an ordered conversation to a model
type Client interface {
	// Name identifies the backend in logs, spans and errors
	Name() string

	// Stream sends messages and returns the response as fragments
	Stream(ctx context.Context, messages []session.Message) Fragments
}

// ModelInvocationError reports a failed model call. It is never retried.
type ModelInvocationError struct {
	Backend string
	Cause   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed (%s): %v", e.Backend, e.Cause)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Cause
}

func invocationError(backend string, cause error) error {
	var mie *ModelInvocationError
	if errors.As(cause, &mie) {
		return cause
	}
	return &ModelInvocationError{Backend: backend, Cause: cause}
}

// SingleUse makes seq yield ErrStreamConsumed on every range after the first.
// Every Client returns its fragments through it.
func SingleUse(seq Fragments) Fragments {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}

// Collect drains fragments into a single string. On error the text
// received so far is returned with it.
func Collect(fragments Fragments) (string, error) {
	var out []byte
	for fragment, err := range fragments {
		if err != nil {
			return string(out), err
		}
		out = append(out, fragment...)
	}
	return string(out), nil
}
