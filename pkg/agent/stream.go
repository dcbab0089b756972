package agent

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/logger"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

// TurnStream delivers the response of a streaming turn. The session stays
// locked until the stream finishes, FinalizePartial is called or Close is
// called.
//
// When every fragment has been consumed the full response is appended to the
// transcript automatically. If the consumer stops early, the context is
// cancelled or the backend fails, nothing is appended unless the caller
// calls FinalizePartial.
type TurnStream struct {
	sess   *Session
	result TurnResult
	seq    iter.Seq2[string, error]
	cancel context.CancelFunc

	consumed atomic.Bool

	mu        sync.Mutex
	buf       strings.Builder
	completed bool
	finalized bool
	err       error

	releaseOnce sync.Once
}

// StreamTurn runs the pipeline up to response generation and returns a
// stream over the response fragments. Errors before generation are returned
// directly and leave the session unlocked.
func (p *Processor) StreamTurn(ctx context.Context, sess *Session, utterance string) (*TurnStream, error) {
	if err := p.ready(sess); err != nil {
		return nil, err
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, ErrEmptyInput
	}
	if !sess.turn.TryLock() {
		return nil, ErrTurnInProgress
	}

	prepCtx, prepCancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	plan, err := p.prepare(prepCtx, sess, utterance)
	prepCancel()
	if err != nil {
		sess.turn.Unlock()
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	return &TurnStream{
		sess:   sess,
		result: plan.result,
		seq:    p.llm.StreamComplete(streamCtx, plan.finalPrompt),
		cancel: cancel,
	}, nil
}

// Fragments yields response fragments as the backend produces them. It may
// be ranged over once.
func (s *TurnStream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield("", providers.ErrStreamConsumed)
			return
		}
		for frag, err := range s.seq {
			if err != nil {
				s.fail(err)
				yield("", err)
				return
			}
			s.mu.Lock()
			s.buf.WriteString(frag)
			s.mu.Unlock()
			if !yield(frag, nil) {
				logger.DebugCF("agent", "Stream consumer stopped early", map[string]interface{}{
					"session_key": s.sess.Key(),
					"partial_len": len(s.Partial()),
				})
				return
			}
		}
		s.complete()
	}
}

func (s *TurnStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	logger.WarnCF("agent", "Response stream failed", map[string]interface{}{
		"session_key": s.sess.Key(),
		"error":       err.Error(),
	})
}

func (s *TurnStream) complete() {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.finalized = true
	s.result.Response = s.buf.String()
	s.mu.Unlock()

	s.sess.append(cbt.RoleAssistant, s.result.Response)
	logger.InfoCF("agent", "Turn completed", map[string]interface{}{
		"session_key":  s.sess.Key(),
		"branch":       string(s.result.Branch),
		"response_len": len(s.result.Response),
		"streamed":     true,
	})
	s.release()
}

// Result returns the turn metadata. Response is set once the stream has
// been finalized.
func (s *TurnStream) Result() TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Partial returns the text received so far.
func (s *TurnStream) Partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Err reports the backend error that ended the stream, if any.
func (s *TurnStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Completed reports whether every fragment was received.
func (s *TurnStream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// FinalizePartial appends the text received so far as the assistant turn
// and releases the session. It is a no-op returning the response when the
// stream already finalized.
func (s *TurnStream) FinalizePartial() string {
	s.mu.Lock()
	if s.finalized {
		resp := s.result.Response
		s.mu.Unlock()
		return resp
	}
	s.finalized = true
	s.result.Response = s.buf.String()
	resp := s.result.Response
	s.mu.Unlock()

	s.sess.append(cbt.RoleAssistant, resp)
	logger.InfoCF("agent", "Partial response finalized", map[string]interface{}{
		"session_key":  s.sess.Key(),
		"response_len": len(resp),
	})
	s.release()
	return resp
}

// Close releases the session. An unfinalized partial response is discarded.
// Close is safe to call more than once.
func (s *TurnStream) Close() error {
	s.mu.Lock()
	s.finalized = true
	s.mu.Unlock()
	s.release()
	return nil
}

func (s *TurnStream) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.sess.turn.Unlock()
	})
}
