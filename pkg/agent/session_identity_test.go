package agent

import "testing"

func TestResolveSessionKey_Deterministic(t *testing.T) {
	k1, err := ResolveSessionKey(ChannelHTTP, "chat-1")
	if err != nil {
		t.Fatalf("resolve session key: %v", err)
	}
	k2, err := ResolveSessionKey(ChannelHTTP, "chat-1")
	if err != nil {
		t.Fatalf("resolve session key second call: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected deterministic session keys, got %q vs %q", k1, k2)
	}
	if !isSessionKey(k1) {
		t.Fatalf("expected versioned session key, got %q", k1)
	}
}

func TestResolveSessionKey_DiffersByChannel(t *testing.T) {
	k1, err := ResolveSessionKey(ChannelHTTP, "chat-1")
	if err != nil {
		t.Fatalf("resolve http key: %v", err)
	}
	k2, err := ResolveSessionKey(ChannelCLI, "chat-1")
	if err != nil {
		t.Fatalf("resolve cli key: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("expected different keys for different channels")
	}
}

func TestResolveSessionKey_PassesThroughResolvedKey(t *testing.T) {
	k, err := ResolveSessionKey(ChannelCLI, "abc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := ResolveSessionKey(ChannelHTTP, k)
	if err != nil {
		t.Fatalf("resolve existing key: %v", err)
	}
	if got != k {
		t.Fatalf("expected %q to pass through, got %q", k, got)
	}
}

func TestResolveSessionKey_RequiresConversationID(t *testing.T) {
	if _, err := ResolveSessionKey(ChannelHTTP, "  "); err == nil {
		t.Fatalf("expected error for empty conversation id")
	}
}
