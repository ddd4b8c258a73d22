// Package server exposes the chat UI over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"LinguaChat/internal/chatbot"
	"LinguaChat/internal/session"
)

const (
	// ClientCookieName identifies a browser's conversation
	ClientCookieName   = "linguachat_client"
	clientCookieMaxAge = 30 * 24 * time.Hour

	// MaxBodyBytes bounds request bodies
	MaxBodyBytes = 1 << 20
)

// Options configures a Server
type Options struct {
	Loop      *chatbot.Loop
	Store     session.Store
	IDs       *chatbot.IDRegistry
	Languages []string
	// Banner is shown above the transcript, typically a configuration problem
	Banner string
	// Secure marks the client cookie Secure
	Secure bool
	// Static serves the single-page UI at /
	Static http.Handler
	// MaxConversations bounds the browser conversations held at once. Every
	// request without a valid cookie starts one, so without a bound the map
	// grows for the life of the process. 0 = unbounded.
	MaxConversations int
	Logger           *slog.Logger
}

type conversation struct {
	mu   sync.Mutex
	ctrl *chatbot.Controller
	// lastUsed is guarded by Server.mu
	lastUsed time.Time
}

// Server maps browser clients to conversations and drives them through
// the presentation loop
type Server struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

// New creates a Server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IDs == nil {
		opts.IDs = chatbot.NewIDRegistry()
	}
	return &Server{
		opts:          opts,
		logger:        opts.Logger,
		conversations: make(map[string]*conversation),
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/chat", s.handleChat)
		r.Post("/reset", s.handleReset)
		r.Post("/language", s.handleLanguage)
	})

	if s.opts.Static != nil {
		r.Handle("/*", s.opts.Static)
	}
	return r
}

// Conversations reports how many browser clients have a conversation
func (s *Server) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (s *Server) clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(ClientCookieName); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			return c.Value
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.opts.Secure,
	})
	return id
}

func (s *Server) conversation(clientID string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[clientID]
	if !ok {
		if limit := s.opts.MaxConversations; limit > 0 && len(s.conversations) >= limit {
			s.evictIdle()
		}
		conv = &conversation{
			ctrl: chatbot.NewController(s.opts.Store, s.opts.IDs, s.opts.Languages, s.logger),
		}
		s.conversations[clientID] = conv
	}
	conv.lastUsed = time.Now()
	return conv
}

// evictIdle drops the least recently used conversation that is not handling
// an event, deleting its session from the store. Caller holds s.mu.
func (s *Server) evictIdle() {
	var (
		oldestID string
		oldest   *conversation
	)
	for id, conv := range s.conversations {
		if oldest == nil || conv.lastUsed.Before(oldest.lastUsed) {
			if !conv.mu.TryLock() {
				continue
			}
			if oldest != nil {
				oldest.mu.Unlock()
			}
			oldestID, oldest = id, conv
		}
	}
	if oldest == nil {
		s.logger.Warn("conversation limit reached but every conversation is busy", "limit", s.opts.MaxConversations)
		return
	}
	defer oldest.mu.Unlock()

	delete(s.conversations, oldestID)
	if err := oldest.ctrl.Discard(context.Background()); err != nil {
		s.logger.Warn("failed to discard evicted conversation", "error", err)
	}
	s.logger.Debug("evicted idle conversation", "idle", time.Since(oldest.lastUsed))
}

type viewMessage struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
	HTML    string       `json:"html"`
	Error   bool         `json:"error,omitempty"`
}

type stateResponse struct {
	State            string        `json:"state"`
	SessionID        string        `json:"session_id"`
	Language         string        `json:"language"`
	Languages        []string      `json:"languages"`
	StartedAt        time.Time     `json:"started_at"`
	Messages         []viewMessage `json:"messages"`
	Banner           string        `json:"banner,omitempty"`
	InferenceEnabled bool          `json:"inference_enabled"`
}

func (s *Server) view(msg chatbot.DisplayMessage) viewMessage {
	out := viewMessage{Role: msg.Role, Content: msg.Content, Error: msg.Error}
	rendered, err := RenderMarkdown(msg.Content)
	if err != nil {
		s.logger.Warn("failed to render markdown", "error", err)
		return out
	}
	out.HTML = rendered
	return out
}

func (s *Server) state(snap *chatbot.Snapshot) stateResponse {
	resp := stateResponse{
		State:            snap.State,
		SessionID:        snap.SessionID,
		Language:         snap.Language,
		Languages:        snap.Languages,
		StartedAt:        snap.StartedAt,
		Messages:         make([]viewMessage, 0, len(snap.Messages)),
		Banner:           s.opts.Banner,
		InferenceEnabled: s.opts.Loop.InferenceEnabled(),
	}
	for _, msg := range snap.Messages {
		resp.Messages = append(resp.Messages, s.view(msg))
	}
	return resp
}

// handleEvent runs a non-streaming event and responds with the settled state
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, ev chatbot.Event) {
	conv := s.conversation(s.clientID(w, r))
	conv.mu.Lock()
	defer conv.mu.Unlock()

	var settled *chatbot.Snapshot
	err := s.opts.Loop.Handle(r.Context(), conv.ctrl, ev, chatbot.RenderFunc(func(in chatbot.Instruction) error {
		if in.Kind == chatbot.InstructionDone {
			settled = in.Snapshot
		}
		return nil
	}))
	if err != nil {
		s.writeEventError(w, err)
		return
	}
	JSON(w, http.StatusOK, s.state(settled))
}

func (s *Server) writeEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatbot.ErrUnknownLanguage), errors.Is(err, chatbot.ErrEmptyInput):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		s.logger.Debug("request cancelled", "error", err)
	default:
		s.logger.Error("failed to handle event", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, chatbot.Event{Kind: chatbot.EventLoad})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.handleEvent(w, r, chatbot.Event{Kind: chatbot.EventNewChat})
}

type languageRequest struct {
	Language string `json:"language"`
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.handleEvent(w, r, chatbot.Event{Kind: chatbot.EventChangeLanguage, Language: req.Language})
}

type chatRequest struct {
	Message string `json:"message"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conv := s.conversation(s.clientID(w, r))
	conv.mu.Lock()
	defer conv.mu.Unlock()

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	render := chatbot.RenderFunc(func(in chatbot.Instruction) error {
		start()
		data, err := s.encodeInstruction(in)
		if err != nil {
			return err
		}
		if err := writeSSE(w, string(in.Kind), data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	err := s.opts.Loop.Handle(r.Context(), conv.ctrl, chatbot.Event{Kind: chatbot.EventSubmit, Text: req.Message}, render)
	if err == nil {
		return
	}
	if !started {
		s.writeEventError(w, err)
		return
	}
	if !errors.Is(err, context.Canceled) {
		s.logger.Warn("chat stream ended early", "error", err)
	}
}

type sseFragment struct {
	Fragment string `json:"fragment"`
}

func (s *Server) encodeInstruction(in chatbot.Instruction) (string, error) {
	var v any
	switch {
	case in.Kind == chatbot.InstructionFragment:
		v = sseFragment{Fragment: in.Fragment}
	case in.Message != nil:
		v = s.view(*in.Message)
	case in.Snapshot != nil:
		v = s.state(in.Snapshot)
	default:
		v = struct{}{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s instruction: %w", in.Kind, err)
	}
	return string(data), nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
