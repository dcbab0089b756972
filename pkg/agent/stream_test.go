package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

func collect(t *testing.T, s *TurnStream) string {
	t.Helper()
	var b strings.Builder
	for frag, err := range s.Fragments() {
		if err != nil {
			t.Fatalf("stream fragment: %v", err)
		}
		b.WriteString(frag)
	}
	return b.String()
}

func TestStreamTurn_MatchesBatchResponse(t *testing.T) {
	model := newScriptedModel()
	model.finding = labeling
	p := newTestProcessor(t, model, newCountingStore(), Options{})
	ctx := context.Background()

	batch, err := p.ProcessTurn(ctx, NewSession("batch"), "I'm such a loser")
	if err != nil {
		t.Fatalf("batch turn: %v", err)
	}

	sess := NewSession("stream")
	stream, err := p.StreamTurn(ctx, sess, "I'm such a loser")
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	defer stream.Close()

	got := collect(t, stream)
	if got != batch.Response {
		t.Fatalf("streamed %q, batch %q", got, batch.Response)
	}
	if !stream.Completed() {
		t.Fatalf("stream should report completion")
	}
	res := stream.Result()
	if res.Response != got || res.Branch != BranchTechniqueApplied || res.TechniqueName() != batch.TechniqueName() {
		t.Fatalf("stream result = %+v", res)
	}
	turns := sess.Transcript()
	if len(turns) != 2 || turns[1].Role != cbt.RoleAssistant || turns[1].Content != got {
		t.Fatalf("transcript after stream = %+v", turns)
	}

	// The session is released on natural completion.
	if _, err := p.ProcessTurn(ctx, sess, "next"); err != nil {
		t.Fatalf("turn after stream: %v", err)
	}
}

func TestStreamTurn_EarlyStopAppendsNothingAndHoldsSession(t *testing.T) {
	model := newScriptedModel()
	p := newTestProcessor(t, model, newCountingStore(), Options{})
	sess := NewSession("s-stop")
	ctx := context.Background()

	stream, err := p.StreamTurn(ctx, sess, "hello")
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	for frag, err := range stream.Fragments() {
		if err != nil {
			t.Fatalf("fragment: %v", err)
		}
		if frag == "" {
			t.Fatalf("empty fragment")
		}
		break
	}
	if stream.Completed() {
		t.Fatalf("stream stopped early must not be complete")
	}
	if n := len(sess.Transcript()); n != 1 {
		t.Fatalf("transcript len = %d, want only the user turn", n)
	}
	if _, err := p.ProcessTurn(ctx, sess, "again"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("session should stay locked until Close, err = %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := stream.FinalizePartial(); got != "" {
		t.Fatalf("finalize after close should be a no-op, got %q", got)
	}
	if n := len(sess.Transcript()); n != 1 {
		t.Fatalf("closed stream must discard the partial response, transcript len = %d", n)
	}
	if _, err := p.ProcessTurn(ctx, sess, "again"); err != nil {
		t.Fatalf("turn after close: %v", err)
	}
}

func TestStreamTurn_FinalizePartialAppendsBuffer(t *testing.T) {
	model := newScriptedModel()
	p := newTestProcessor(t, model, newCountingStore(), Options{})
	sess := NewSession("s-partial")

	stream, err := p.StreamTurn(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	defer stream.Close()

	var first string
	for frag := range stream.Fragments() {
		first = frag
		break
	}
	if got := stream.FinalizePartial(); got != first {
		t.Fatalf("finalized %q, want %q", got, first)
	}
	turns := sess.Transcript()
	if len(turns) != 2 || turns[1].Content != first {
		t.Fatalf("transcript = %+v", turns)
	}
	if got := stream.Result().Response; got != first {
		t.Fatalf("result response = %q", got)
	}
}

func TestStreamTurn_CancelledContextAppendsNothing(t *testing.T) {
	model := newScriptedModel()
	p := newTestProcessor(t, model, newCountingStore(), Options{})
	sess := NewSession("s-cancel")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := p.StreamTurn(ctx, sess, "hello")
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	defer stream.Close()

	var gotErr error
	n := 0
	for _, err := range stream.Fragments() {
		if err != nil {
			gotErr = err
			break
		}
		n++
		if n == 1 {
			cancel()
		}
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", gotErr)
	}
	if !errors.Is(stream.Err(), context.Canceled) {
		t.Fatalf("stream.Err() = %v", stream.Err())
	}
	if stream.Partial() == "" {
		t.Fatalf("partial buffer should keep the received fragment")
	}
	if l := len(sess.Transcript()); l != 1 {
		t.Fatalf("transcript len = %d, want 1", l)
	}
}

func TestStreamTurn_SingleConsumption(t *testing.T) {
	model := newScriptedModel()
	p := newTestProcessor(t, model, newCountingStore(), Options{})

	stream, err := p.StreamTurn(context.Background(), NewSession("s-once"), "hello")
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	defer stream.Close()
	_ = collect(t, stream)

	for _, err := range stream.Fragments() {
		if !errors.Is(err, providers.ErrStreamConsumed) {
			t.Fatalf("second range err = %v, want ErrStreamConsumed", err)
		}
	}
}

func TestStreamTurn_PipelineFailureReleasesSession(t *testing.T) {
	model := newScriptedModel()
	model.failOn = callDetect
	p := newTestProcessor(t, model, newCountingStore(), Options{})
	sess := NewSession("s-stream-fail")

	if _, err := p.StreamTurn(context.Background(), sess, "hello"); !errors.Is(err, providers.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	model.failOn = ""
	stream, err := p.StreamTurn(context.Background(), sess, "hello again")
	if err != nil {
		t.Fatalf("stream after failure: %v", err)
	}
	defer stream.Close()
	_ = collect(t, stream)
	if n := len(sess.Transcript()); n != 3 {
		t.Fatalf("transcript len = %d, want 3", n)
	}
}

func TestStreamTurn_BackendErrorMidStream(t *testing.T) {
	model := newScriptedModel()
	model.failOn = callFinal
	p := newTestProcessor(t, model, newCountingStore(), Options{})
	sess := NewSession("s-midstream")

	stream, err := p.StreamTurn(context.Background(), sess, "hello")
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	defer stream.Close()
	for _, err := range stream.Fragments() {
		if !errors.Is(err, providers.ErrBackendUnavailable) {
			t.Fatalf("err = %v, want ErrBackendUnavailable", err)
		}
	}
	if n := len(sess.Transcript()); n != 1 {
		t.Fatalf("transcript len = %d, want 1", n)
	}
}
