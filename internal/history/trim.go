// Package history reduces a conversation to fit a model's token budget.
package history

import "LinguaChat/internal/session"

const (
	// CharsPerToken is the approximate number of characters per token.
	// Actual tokenisation varies by model.
	CharsPerToken = 4

	// MessageOverhead approximates the per-message framing tokens.
	MessageOverhead = 4

	// DefaultMaxTokens is the default trim budget
	DefaultMaxTokens = 200
)

// Counter estimates how many tokens a message occupies
type Counter interface {
	CountTokens(msg session.Message) int
}

// CounterFunc adapts a plain function to Counter
type CounterFunc func(msg session.Message) int

// CountTokens calls f(msg)
func (f CounterFunc) CountTokens(msg session.Message) int {
	return f(msg)
}

// EstimateTokens rounds content length up to whole tokens and adds framing
func EstimateTokens(msg session.Message) int {
	return (len(msg.Content)+CharsPerToken-1)/CharsPerToken + MessageOverhead
}

// Heuristic is the character-based fallback counter
var Heuristic Counter = CounterFunc(EstimateTokens)

// Trim returns the longest suffix of messages that starts on a user message
// and fits, together with system, within maxTokens.
//
// When no such suffix fits, the suffix starting at the most recent user
// message is returned anyway; messages are never cut partially. A
// maxTokens <= 0 disables the budget. Input without any user message
// yields an empty result. A nil counter uses Heuristic.
func Trim(system session.Message, messages []session.Message, maxTokens int, counter Counter) []session.Message {
	if counter == nil {
		counter = Heuristic
	}

	// suffix[i] is the token cost of messages[i:]
	suffix := make([]int, len(messages)+1)
	for i := len(messages) - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + counter.CountTokens(messages[i])
	}
	systemCost := counter.CountTokens(system)

	lastUser := -1
	for i, msg := range messages {
		if msg.Role != session.RoleUser {
			continue
		}
		if maxTokens <= 0 || systemCost+suffix[i] <= maxTokens {
			return clone(messages[i:])
		}
		lastUser = i
	}

	if lastUser < 0 {
		return []session.Message{}
	}
	return clone(messages[lastUser:])
}

// TokenCount sums counter over system and messages
func TokenCount(system session.Message, messages []session.Message, counter Counter) int {
	if counter == nil {
		counter = Heuristic
	}
	total := counter.CountTokens(system)
	for _, msg := range messages {
		total += counter.CountTokens(msg)
	}
	return total
}

func clone(messages []session.Message) []session.Message {
	out := make([]session.Message, len(messages))
	copy(out, messages)
	return out
}
