package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"LinguaChat/internal/pipeline"
	"LinguaChat/internal/session"
)

const (
	// WelcomeTemplate greets a fresh session; %s is the output language
	WelcomeTemplate = "Hello! I'm " + pipeline.BotName + ". I will respond in **%s**. Ask me anything!"

	// ForgetPhrase wipes the current session's memory when typed on its own
	ForgetPhrase = "forget everything"

	// ForgetReply confirms a wipe
	ForgetReply = "My memory has been completely wiped for this session. What's your name again?"

	// NotFunctionalMessage is shown instead of calling a model that was never configured
	NotFunctionalMessage = "Chatbot is not functional. Please check your GROQ_API_KEY."

	// ErrorReplyMessage is shown when a model call fails
	ErrorReplyMessage = "An error occurred. Please try again or check the API key."
)

var (
	ErrNotActive          = errors.New("session controller is not active")
	ErrAlreadyInitialized = errors.New("session controller already initialized")
	ErrUnknownLanguage    = errors.New("unknown language")
)

// State is a controller's lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsForgetCommand reports whether text is the memory-wipe phrase,
// ignoring case and surrounding whitespace
func IsForgetCommand(text string) bool {
	return strings.ToLower(strings.TrimSpace(text)) == ForgetPhrase
}

// DisplayMessage is a transcript entry. It may differ from what the model
// sees: welcome and error messages are display-only.
type DisplayMessage struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
	Error   bool         `json:"error,omitempty"`
}

// Snapshot is a copy of a controller's visible state
type Snapshot struct {
	State     string           `json:"state"`
	SessionID string           `json:"session_id"`
	Language  string           `json:"language"`
	Languages []string         `json:"languages"`
	StartedAt time.Time        `json:"started_at"`
	Messages  []DisplayMessage `json:"messages"`
}

// IDRegistry hands out session identifiers that are unique for the life of
// the process
type IDRegistry struct {
	mu       sync.Mutex
	issued   map[string]struct{}
	generate func() string
}

// NewIDRegistry creates a registry issuing ids of the form chat_xxxxxxxx
func NewIDRegistry() *IDRegistry {
	return newIDRegistry(func() string {
		return "chat_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	})
}

func newIDRegistry(generate func() string) *IDRegistry {
	return &IDRegistry{
		issued:   make(map[string]struct{}),
		generate: generate,
	}
}

// Next returns an id that has never been returned before
func (r *IDRegistry) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := r.generate()
		if _, seen := r.issued[id]; !seen {
			r.issued[id] = struct{}{}
			return id
		}
	}
}

// Issued reports how many ids have been handed out
func (r *IDRegistry) Issued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.issued)
}

// Controller owns one conversation's lifecycle: its session id, output
// language and display transcript. It is not safe for concurrent use;
// callers serialise events per conversation.
type Controller struct {
	store     session.Store
	ids       *IDRegistry
	languages []string
	logger    *slog.Logger

	state State
	// current carries id, start time and language; Messages stays nil
	// since history lives in the store
	current session.Session
	display []DisplayMessage
}

// NewController creates an uninitialized controller
func NewController(store session.Store, ids *IDRegistry, languages []string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     store,
		ids:       ids,
		languages: slices.Clone(languages),
		logger:    logger,
	}
}

// State returns the lifecycle state
func (c *Controller) State() State {
	return c.state
}

// SessionID returns the current session id, empty before Init
func (c *Controller) SessionID() string {
	return c.current.ID
}

// Language returns the current output language
func (c *Controller) Language() string {
	return c.current.Language
}

// Languages returns the selectable output languages
func (c *Controller) Languages() []string {
	return slices.Clone(c.languages)
}

// Init moves an uninitialized controller to active with a fresh session
func (c *Controller) Init(ctx context.Context, language string) error {
	if c.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if !slices.Contains(c.languages, language) {
		return fmt.Errorf("%w: %s", ErrUnknownLanguage, language)
	}
	c.current.Language = language
	if err := c.newSession(ctx); err != nil {
		return err
	}
	c.state = StateActive
	return nil
}

// Reset wipes the current session and starts a new one in the same language
func (c *Controller) Reset(ctx context.Context) error {
	if c.state != StateActive {
		return ErrNotActive
	}
	if err := c.store.Clear(ctx, c.current.ID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", c.current.ID, err)
	}
	c.logger.Info("session reset", "session_id", c.current.ID)
	return c.newSession(ctx)
}

// ChangeLanguage switches the output language. Any actual change wipes
// memory and starts a new session; selecting the current language is a no-op.
func (c *Controller) ChangeLanguage(ctx context.Context, language string) (bool, error) {
	if c.state != StateActive {
		return false, ErrNotActive
	}
	if !slices.Contains(c.languages, language) {
		return false, fmt.Errorf("%w: %s", ErrUnknownLanguage, language)
	}
	if language == c.current.Language {
		return false, nil
	}

	if err := c.store.Clear(ctx, c.current.ID); err != nil {
		return false, fmt.Errorf("failed to clear session %s: %w", c.current.ID, err)
	}
	c.logger.Info("language changed", "session_id", c.current.ID, "from", c.current.Language, "to", language)
	c.current.Language = language
	return true, c.newSession(ctx)
}

// ForgetMemory clears the model-facing history but keeps the session id
// and transcript
func (c *Controller) ForgetMemory(ctx context.Context) error {
	if c.state != StateActive {
		return ErrNotActive
	}
	if err := c.store.Clear(ctx, c.current.ID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", c.current.ID, err)
	}
	c.logger.Info("session memory wiped", "session_id", c.current.ID)
	return nil
}

// Discard deletes the current session from the store and returns the
// controller to uninitialized
func (c *Controller) Discard(ctx context.Context) error {
	if c.state != StateActive {
		return nil
	}
	if err := c.store.Delete(ctx, c.current.ID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", c.current.ID, err)
	}
	c.logger.Info("session discarded", "session_id", c.current.ID)
	c.state = StateUninitialized
	c.current = session.Session{}
	c.display = nil
	return nil
}

// History returns the stored model-facing messages for the current session
func (c *Controller) History(ctx context.Context) ([]session.Message, error) {
	if c.state != StateActive {
		return nil, ErrNotActive
	}
	history, err := c.store.Get(ctx, c.current.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", c.current.ID, err)
	}
	return history, nil
}

// Record appends a completed exchange to the store, user first
func (c *Controller) Record(ctx context.Context, user, assistant string) error {
	if c.state != StateActive {
		return ErrNotActive
	}
	if err := c.store.Append(ctx, c.current.ID, session.NewMessage(session.RoleUser, user)); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	if err := c.store.Append(ctx, c.current.ID, session.NewMessage(session.RoleAssistant, assistant)); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}
	return nil
}

// Show appends to the display transcript
func (c *Controller) Show(msg DisplayMessage) {
	c.display = append(c.display, msg)
}

// Session returns the current session with its stored history
func (c *Controller) Session(ctx context.Context) (session.Session, error) {
	history, err := c.History(ctx)
	if err != nil {
		return session.Session{}, err
	}
	out := c.current
	out.Messages = history
	return out, nil
}

// Display returns a copy of the transcript
func (c *Controller) Display() []DisplayMessage {
	return slices.Clone(c.display)
}

// Snapshot copies the visible state
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:     c.state.String(),
		SessionID: c.current.ID,
		Language:  c.current.Language,
		Languages: c.Languages(),
		StartedAt: c.current.StartTime,
		Messages:  c.Display(),
	}
}

func (c *Controller) newSession(ctx context.Context) error {
	id := c.ids.Next()
	if _, err := c.store.Get(ctx, id); err != nil {
		return fmt.Errorf("failed to create session %s: %w", id, err)
	}

	c.current = session.Session{
		ID:        id,
		StartTime: time.Now(),
		Language:  c.current.Language,
	}
	c.display = []DisplayMessage{{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf(WelcomeTemplate, c.current.Language),
	}}
	c.logger.Info("created new session", "session_id", id, "language", c.current.Language)
	return nil
}
