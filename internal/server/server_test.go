package server

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LinguaChat/internal/backend/backendtest"
	"LinguaChat/internal/chatbot"
	"LinguaChat/internal/pipeline"
	"LinguaChat/internal/session"
)

var testLanguages = []string{"English", "Hindi", "Spanish"}

type testEnv struct {
	server *Server
	http   *httptest.Server
	client *http.Client
	store  *session.MemoryStore
	model  *backendtest.Client
}

func newTestEnv(t *testing.T, banner string, replies ...backendtest.Reply) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(*Options) {}, banner, replies...)
}

func newTestEnvWith(t *testing.T, configure func(*Options), banner string, replies ...backendtest.Reply) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	model := backendtest.New(replies...)

	var p *pipeline.Pipeline
	if banner == "" {
		p = pipeline.New(model, pipeline.WithLogger(logger))
	}
	loop, err := chatbot.NewLoop(p, "English", chatbot.WithLogger(logger))
	require.NoError(t, err)

	store := session.NewMemoryStore()
	opts := Options{
		Loop:      loop,
		Store:     store,
		Languages: testLanguages,
		Banner:    banner,
		Static: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "<html>ui</html>")
		}),
		Logger: logger,
	}
	configure(&opts)
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: srv,
		http:   ts,
		client: newClient(t),
		store:  store,
		model:  model,
	}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) state(t *testing.T, client *http.Client) stateResponse {
	t.Helper()
	resp, err := client.Get(e.http.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	return state
}

func (e *testEnv) post(t *testing.T, client *http.Client, path, body string) *http.Response {
	t.Helper()
	resp, err := client.Post(e.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	return names
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := env.client.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ServesUI(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := env.client.Get(env.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ui")
}

func TestServer_StateInitializesConversation(t *testing.T) {
	env := newTestEnv(t, "")
	state := env.state(t, env.client)

	assert.Equal(t, "active", state.State)
	assert.Regexp(t, `^chat_[0-9a-f]{8}$`, state.SessionID)
	assert.Equal(t, "English", state.Language)
	assert.Equal(t, testLanguages, state.Languages)
	assert.True(t, state.InferenceEnabled)
	assert.Empty(t, state.Banner)
	require.Len(t, state.Messages, 1)
	assert.Contains(t, state.Messages[0].HTML, "<strong>English</strong>")

	// the cookie pins the conversation
	again := env.state(t, env.client)
	assert.Equal(t, state.SessionID, again.SessionID)
	assert.Equal(t, 1, env.server.Conversations())
}

func TestServer_ClientsAreIsolated(t *testing.T) {
	env := newTestEnv(t, "")
	first := env.state(t, env.client)
	second := env.state(t, newClient(t))
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, env.server.Conversations())
}

func TestServer_ChatStreams(t *testing.T) {
	env := newTestEnv(t, "", backendtest.Reply{Fragments: []string{"Hello", " there"}})
	state := env.state(t, env.client)

	resp := env.post(t, env.client, "/api/chat", `{"message":"Hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"message", "fragment", "fragment", "message", "done"}, eventNames(events))

	var frag sseFragment
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &frag))
	assert.Equal(t, "Hello", frag.Fragment)

	var done stateResponse
	require.NoError(t, json.Unmarshal([]byte(events[4].data), &done))
	require.Len(t, done.Messages, 3)
	assert.Equal(t, "Hello there", done.Messages[2].Content)

	stored, err := env.store.Get(t.Context(), state.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Hi", stored[0].Content)
	assert.Equal(t, "Hello there", stored[1].Content)
}

func TestServer_ChatModelErrorInline(t *testing.T) {
	env := newTestEnv(t, "", backendtest.Reply{Err: assert.AnError})
	resp := env.post(t, env.client, "/api/chat", `{"message":"Hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"message", "error", "done"}, eventNames(events))

	var msg viewMessage
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &msg))
	assert.True(t, msg.Error)
	assert.Equal(t, chatbot.ErrorReplyMessage, msg.Content)
}

func TestServer_ChatWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, "GROQ_API_KEY is not set")
	state := env.state(t, env.client)
	assert.False(t, state.InferenceEnabled)
	assert.Equal(t, "GROQ_API_KEY is not set", state.Banner)

	resp := env.post(t, env.client, "/api/chat", `{"message":"Hi"}`)
	events := readSSE(t, resp.Body)
	assert.Equal(t, []string{"error", "done"}, eventNames(events))
	assert.Contains(t, events[0].data, chatbot.NotFunctionalMessage)
	assert.Zero(t, env.model.CallCount())
}

func TestServer_ChatBadRequests(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"message":`, http.StatusBadRequest},
		{"empty message", `{"message":"   "}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, env.client, "/api/chat", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Zero(t, env.model.CallCount())
}

func TestServer_Reset(t *testing.T) {
	env := newTestEnv(t, "", backendtest.Reply{Fragments: []string{"Hello"}})
	before := env.state(t, env.client)
	readSSE(t, env.post(t, env.client, "/api/chat", `{"message":"Hi"}`).Body)

	resp := env.post(t, env.client, "/api/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))

	assert.NotEqual(t, before.SessionID, after.SessionID)
	assert.Len(t, after.Messages, 1)
	stored, err := env.store.Get(t.Context(), before.SessionID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestServer_ChangeLanguage(t *testing.T) {
	env := newTestEnv(t, "")
	before := env.state(t, env.client)

	resp := env.post(t, env.client, "/api/language", `{"language":"Spanish"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after stateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))
	assert.Equal(t, "Spanish", after.Language)
	assert.NotEqual(t, before.SessionID, after.SessionID)
	assert.Contains(t, after.Messages[0].Content, "**Spanish**")

	resp = env.post(t, env.client, "/api/language", `{"language":"Klingon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, after.SessionID, env.state(t, env.client).SessionID)
}

func TestServer_RejectsForgedCookie(t *testing.T) {
	env := newTestEnv(t, "")
	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/state", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: ClientCookieName, Value: "../../etc"})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var issued string
	for _, c := range resp.Cookies() {
		if c.Name == ClientCookieName {
			issued = c.Value
		}
	}
	assert.NotEmpty(t, issued)
	assert.NotEqual(t, "../../etc", issued)
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusCreated, map[string]string{"foo": "bar"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"foo":"bar"}`, w.Body.String())
}

func TestRenderMarkdown(t *testing.T) {
	out, err := RenderMarkdown("Hello **world**\n\n| a | b |\n|---|---|\n| 1 | 2 |")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>world</strong>")
	assert.Contains(t, out, "<table>")

	out, err = RenderMarkdown("<script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
}

func TestServer_MaxConversationsEvictsLeastRecent(t *testing.T) {
	env := newTestEnvWith(t, func(o *Options) { o.MaxConversations = 2 }, "")

	first, second, third := newClient(t), newClient(t), newClient(t)
	firstState := env.state(t, first)
	env.state(t, second)
	// touch the first again so the second becomes least recent
	env.state(t, first)

	env.state(t, third)
	assert.Equal(t, 2, env.server.Conversations())
	assert.Equal(t, 2, env.store.Len())

	// the first survived, the second starts over
	assert.Equal(t, firstState.SessionID, env.state(t, first).SessionID)
	assert.Equal(t, 2, env.server.Conversations())
}

func TestServer_CookielessRequestsStayBounded(t *testing.T) {
	env := newTestEnvWith(t, func(o *Options) { o.MaxConversations = 3 }, "")

	for i := 0; i < 10; i++ {
		resp, err := http.Get(env.http.URL + "/api/state")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 3, env.server.Conversations())
	assert.Equal(t, 3, env.store.Len())
}
