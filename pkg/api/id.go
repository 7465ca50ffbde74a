package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	conversationIDPrefix = "conv_"
	callIDPrefix         = "call_"
)

var conversationIDPattern = regexp.MustCompile(`^conv_[0-9a-f]{32}$`)

// NewConversationID returns "conv_" followed by 32 hex characters of a random UUID.
func NewConversationID() string {
	return conversationIDPrefix + compactUUID()
}

// NewCallID returns a synthetic tool call id for calls the model sent without one.
func NewCallID() string {
	return callIDPrefix + compactUUID()
}

// ValidateConversationID reports whether id has the format produced by NewConversationID.
func ValidateConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
