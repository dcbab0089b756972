package agent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

const sessionKeyVersion = "v1"

const (
	ChannelCLI  = "cli"
	ChannelHTTP = "http"
)

// SessionIdentity names a conversation as seen by one front end.
type SessionIdentity struct {
	Channel        string
	ConversationID string
}

func (id SessionIdentity) Validate() error {
	if strings.TrimSpace(id.Channel) == "" {
		return fmt.Errorf("missing channel")
	}
	if strings.TrimSpace(id.ConversationID) == "" {
		return fmt.Errorf("missing conversation id")
	}
	return nil
}

func (id SessionIdentity) Canonical() string {
	return strings.ToLower(strings.TrimSpace(id.Channel)) + "|" +
		strings.TrimSpace(id.ConversationID)
}

// SessionKey is a stable, opaque key derived from the identity. It doubles
// as the memory scope, so the same conversation id on a persistent memory
// backend sees its earlier entries.
func (id SessionIdentity) SessionKey() string {
	sum := sha1.Sum([]byte(id.Canonical()))
	return sessionKeyVersion + "-" + hex.EncodeToString(sum[:16])
}

func isSessionKey(key string) bool {
	key = strings.TrimSpace(key)
	return strings.HasPrefix(key, sessionKeyVersion+"-") && len(key) == len(sessionKeyVersion)+1+32
}

// ResolveSessionKey returns conversationID unchanged when it is already a
// session key, and derives one from (channel, conversationID) otherwise.
func ResolveSessionKey(channel, conversationID string) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if isSessionKey(conversationID) {
		return conversationID, nil
	}
	identity := SessionIdentity{Channel: channel, ConversationID: conversationID}
	if err := identity.Validate(); err != nil {
		return "", fmt.Errorf("resolve session identity: %w", err)
	}
	return identity.SessionKey(), nil
}
