package server

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/agent"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/config"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/memory"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

const reply = "That sounds like a lot to carry."

// neutralModel never finds a distortion, so every turn bootstraps.
type neutralModel struct {
	calls     atomic.Int32
	block     chan struct{}
	entered   chan struct{}
	streamErr error
}

func (m *neutralModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	if strings.Contains(prompt, "generate a response following the instructions") {
		if m.block != nil {
			close(m.entered)
			select {
			case <-m.block:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return reply, nil
	}
	return "None", nil
}

func (m *neutralModel) CompleteStructured(context.Context, string, providers.Schema) ([]byte, error) {
	m.calls.Add(1)
	return []byte(`{"distortion_type":"None","utterance":"","score":0}`), nil
}

func (m *neutralModel) StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error] {
	m.calls.Add(1)
	return func(yield func(string, error) bool) {
		if m.streamErr != nil {
			yield("", m.streamErr)
			return
		}
		for _, w := range strings.SplitAfter(reply, " ") {
			if !yield(w, nil) {
				return
			}
		}
	}
}

func (m *neutralModel) Name() string { return "neutral/test" }

func newTestServer(t *testing.T, model providers.LanguageModel) (*Server, *agent.Registry) {
	t.Helper()
	cfg := config.DefaultConfig()
	registry := agent.NewRegistry(true)
	if model == nil {
		return New(cfg, nil, registry), registry
	}
	p, err := agent.NewProcessor(model, memory.NewInProcessStore(nil), nil, agent.OptionsFromConfig(cfg.Agent))
	require.NoError(t, err)
	return New(cfg, p, registry), registry
}

func postChat(t *testing.T, h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func userMessage(text string) string {
	return `{"messages":[{"role":"user","content":[{"type":"text","text":` + mustQuote(text) + `}]}]}`
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestChat_EmptyMessagesIsRejectedBeforeThePipeline(t *testing.T) {
	model := &neutralModel{}
	srv, _ := newTestServer(t, model)

	rec := postChat(t, srv.Handler(), `{"messages":[]}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], agent.ErrEmptyInput.Error())
	assert.Zero(t, model.calls.Load(), "no collaborator calls expected")
}

func TestChat_NoTextBlockIsEmptyInput(t *testing.T) {
	model := &neutralModel{}
	srv, _ := newTestServer(t, model)

	rec := postChat(t, srv.Handler(), `{"messages":[{"role":"user","content":[{"type":"image_url"}]}]}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, model.calls.Load())
}

func TestChat_ReturnsDialogueResponse(t *testing.T) {
	srv, registry := newTestServer(t, &neutralModel{})

	rec := postChat(t, srv.Handler(), userMessage("The weather is nice today"), map[string]string{sessionHeader: "abc"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get(sessionHeader))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Response       string `json:"response"`
		DistortionType struct {
			DistortionType string `json:"distortion_type"`
			Utterance      string `json:"utterance"`
			Score          int    `json:"score"`
		} `json:"distortion_type"`
		CBTTechnique string `json:"cbt_technique"`
		CBTStage     string `json:"cbt_stage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, reply, body.Response)
	assert.Equal(t, "None", body.DistortionType.DistortionType)
	assert.Equal(t, "None", body.CBTTechnique)
	assert.Equal(t, "None", body.CBTStage)

	sess, err := registry.Session(agent.ChannelHTTP, "abc")
	require.NoError(t, err)
	assert.Len(t, sess.Transcript(), 2)
}

func TestChat_SessionFromBodyAndGenerated(t *testing.T) {
	srv, registry := newTestServer(t, &neutralModel{})
	h := srv.Handler()

	body := `{"session_id":"from-body","messages":[{"role":"user","content":"hello"}]}`
	rec := postChat(t, h, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "from-body", rec.Header().Get(sessionHeader))

	rec = postChat(t, h, userMessage("hello"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(sessionHeader))
	assert.Equal(t, 2, registry.Len())
}

func TestSweepSessions_EvictsAnonymousSessions(t *testing.T) {
	srv, registry := newTestServer(t, &neutralModel{})
	h := srv.Handler()
	for range 3 {
		rec := postChat(t, h, userMessage("hello"), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 3, registry.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.sweepSessions(ctx, 20*time.Millisecond)
	}()
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// A zero idle disables sweeping and returns at once.
	srv.sweepSessions(context.Background(), 0)
}

func TestChat_StreamsNewlineDelimitedFragments(t *testing.T) {
	srv, registry := newTestServer(t, &neutralModel{})

	rec := postChat(t, srv.Handler(), userMessage("hello"), map[string]string{
		"Accept":      "text/event-stream",
		sessionHeader: "streamer",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	want := strings.Join(strings.SplitAfter(reply, " "), "\n") + "\n"
	assert.Equal(t, want, rec.Body.String())

	sess, _ := registry.Session(agent.ChannelHTTP, "streamer")
	turns := sess.Transcript()
	require.Len(t, turns, 2)
	assert.Equal(t, reply, turns[1].Content)
}

func TestChat_StreamFailingBeforeFirstFragmentReturnsError(t *testing.T) {
	model := &neutralModel{streamErr: fmt.Errorf("%w: status 401", providers.ErrBackendUnavailable)}
	srv, registry := newTestServer(t, model)
	h := srv.Handler()
	header := map[string]string{sessionHeader: "stream-fail"}

	rec := postChat(t, h, `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`, header)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "status 401")

	sess, err := registry.Session(agent.ChannelHTTP, "stream-fail")
	require.NoError(t, err)
	assert.Len(t, sess.Transcript(), 1, "only the user turn is kept")

	model.streamErr = nil
	rec = postChat(t, h, `{"stream":true,"messages":[{"role":"user","content":"again"}]}`, header)
	assert.Equal(t, http.StatusOK, rec.Code, "session is released after the failed stream")
}

func TestChat_StreamFlagInBodyOverridesAccept(t *testing.T) {
	srv, _ := newTestServer(t, &neutralModel{})

	body := `{"stream":false,"messages":[{"role":"user","content":"hello"}]}`
	rec := postChat(t, srv.Handler(), body, map[string]string{"Accept": "text/event-stream"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestChat_UninitializedAgent(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := postChat(t, srv.Handler(), userMessage("hello"), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, agent.ErrUninitialized.Error(), body["detail"])
}

func TestChat_MalformedJSON(t *testing.T) {
	model := &neutralModel{}
	srv, _ := newTestServer(t, model)

	rec := postChat(t, srv.Handler(), `{"messages":`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, model.calls.Load())
}

func TestChat_ConcurrentTurnOnSameSessionConflicts(t *testing.T) {
	model := &neutralModel{block: make(chan struct{}), entered: make(chan struct{})}
	srv, _ := newTestServer(t, model)
	h := srv.Handler()
	header := map[string]string{sessionHeader: "busy"}

	done := make(chan int, 1)
	go func() {
		done <- postChat(t, h, userMessage("first"), header).Code
	}()
	<-model.entered

	rec := postChat(t, h, userMessage("second"), header)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(model.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestCORSAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, &neutralModel{})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Session-ID")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Content-Type, X-Session-ID", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatRequest_Utterance(t *testing.T) {
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[
		{"role":"user","content":"earlier"},
		{"role":"user","content":[{"type":"image_url"},{"type":"text","text":"  latest  "},{"type":"text","text":"ignored"}]}
	]}`), &req))

	got, err := req.Utterance()
	require.NoError(t, err)
	assert.Equal(t, "latest", got)
}
