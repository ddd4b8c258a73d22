// Package backendtest provides a scripted backend.Client for tests.
package backendtest

import (
	"context"
	"sync"

	"LinguaChat/internal/backend"
	"LinguaChat/internal/session"
)

// Reply scripts one model call
type Reply struct {
	Fragments []string
	// Err, when set, is yielded after Fragments
	Err error
}

// Client replays scripted replies in order. Once the script is exhausted
// the last reply is repeated.
type Client struct {
	mu      sync.Mutex
	replies []Reply
	calls   [][]session.Message
}

// New creates a fake client
func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Name returns "fake"
func (c *Client) Name() string {
	return "fake"
}

// Stream records messages and replays the next scripted reply. Like the
// real clients, the result can be ranged once.
func (c *Client) Stream(ctx context.Context, messages []session.Message) backend.Fragments {
	return backend.SingleUse(func(yield func(string, error) bool) {
		c.mu.Lock()
		recorded := make([]session.Message, len(messages))
		copy(recorded, messages)
		c.calls = append(c.calls, recorded)

		var reply Reply
		if n := len(c.replies); n > 0 {
			idx := len(c.calls) - 1
			if idx >= n {
				idx = n - 1
			}
			reply = c.replies[idx]
		}
		c.mu.Unlock()

		for _, fragment := range reply.Fragments {
			if err := ctx.Err(); err != nil {
				yield("", &backend.ModelInvocationError{Backend: c.Name(), Cause: err})
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if reply.Err != nil {
			yield("", &backend.ModelInvocationError{Backend: c.Name(), Cause: reply.Err})
		}
	})
}

// Calls returns the conversations submitted so far
func (c *Client) Calls() [][]session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]session.Message, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times Stream was consumed
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
