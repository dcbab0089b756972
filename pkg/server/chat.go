package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/agent"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
)

// ChatRequest is the body of POST /chat. The utterance is the first text
// block of the last message.
type ChatRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	Stream    *bool         `json:"stream,omitempty"`
	Messages  []ChatMessage `json:"messages"`
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageContent accepts either a list of content blocks or a bare string.
type MessageContent []ContentBlock

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = MessageContent{{Type: "text", Text: text}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content must be a string or a list of blocks: %w", err)
	}
	*c = blocks
	return nil
}

// Utterance extracts the new user utterance from the request.
func (r ChatRequest) Utterance() (string, error) {
	if len(r.Messages) == 0 {
		return "", agent.ErrEmptyInput
	}
	for _, block := range r.Messages[len(r.Messages)-1].Content {
		if block.Type == "text" {
			if text := strings.TrimSpace(block.Text); text != "" {
				return text, nil
			}
			break
		}
	}
	return "", agent.ErrEmptyInput
}

// ChatResponse is the non-streaming reply.
type ChatResponse struct {
	Response       string                `json:"response"`
	DistortionType cbt.DistortionFinding `json:"distortion_type"`
	CBTTechnique   string                `json:"cbt_technique"`
	CBTStage       string                `json:"cbt_stage"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	conversationID := strings.TrimSpace(r.Header.Get(sessionHeader))
	if conversationID == "" {
		conversationID = strings.TrimSpace(req.SessionID)
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	w.Header().Set(sessionHeader, conversationID)

	utterance, err := req.Utterance()
	if err != nil {
		writeAgentError(w, r, err)
		return
	}
	if s.processor == nil {
		writeAgentError(w, r, agent.ErrUninitialized)
		return
	}
	sess, err := s.registry.Session(agent.ChannelHTTP, conversationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.InfoCF("server", "Chat request", map[string]interface{}{
		"request_id":     chiMiddleware.GetReqID(r.Context()),
		"session_key":    sess.Key(),
		"message_length": len(utterance),
	})

	if s.wantsStream(r, req) {
		s.streamChat(w, r, sess, utterance)
		return
	}

	res, err := s.processor.ProcessTurn(r.Context(), sess, utterance)
	if err != nil {
		writeAgentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Response:       res.Response,
		DistortionType: res.Finding,
		CBTTechnique:   res.TechniqueName(),
		CBTStage:       res.StageName(),
	})
}

func (s *Server) wantsStream(r *http.Request, req ChatRequest) bool {
	if req.Stream != nil {
		return *req.Stream
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return s.streaming
}

// streamChat writes each fragment followed by a newline and flushes it. The
// first fragment is pulled before the status line is written, so a backend
// that fails up front still gets an error status. A client that disconnects
// mid-stream leaves the transcript without the assistant turn.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, sess *agent.Session, utterance string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := s.processor.StreamTurn(r.Context(), sess, utterance)
	if err != nil {
		writeAgentError(w, r, err)
		return
	}
	defer stream.Close()

	next, stop := iter.Pull2(stream.Fragments())
	defer stop()

	frag, err, more := next()
	if err != nil {
		writeAgentError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := 0
	for ; more; frag, err, more = next() {
		if err != nil {
			logger.ErrorCF("server", "Response stream failed", map[string]interface{}{
				"request_id":  chiMiddleware.GetReqID(r.Context()),
				"session_key": sess.Key(),
				"chunks":      chunks,
				"error":       err.Error(),
			})
			return
		}
		if _, err := fmt.Fprintf(w, "%s\n", frag); err != nil {
			logger.WarnCF("server", "Client went away mid-stream", map[string]interface{}{
				"session_key": sess.Key(),
				"error":       err.Error(),
			})
			return
		}
		chunks++
		flusher.Flush()
	}
}

func writeAgentError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, agent.ErrTurnInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logger.ErrorCF("server", "Chat request failed", map[string]interface{}{
			"request_id": chiMiddleware.GetReqID(r.Context()),
			"error":      err.Error(),
		})
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("server", "Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
