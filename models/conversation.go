package models

import "strings"

// ConversationSeparator joins the two participant ids of a conversation id.
const ConversationSeparator = "_"

// ConversationID returns min(a,b) + "_" + max(a,b) under byte-wise ordering,
// so both participants compute the same id without coordination.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ConversationSeparator + b
}

// PeerID returns the participant of conversationID that is not viewer.
// ok is false when viewer is not a participant.
func PeerID(conversationID, viewer string) (peer string, ok bool) {
	if rest, found := strings.CutPrefix(conversationID, viewer+ConversationSeparator); found {
		if ConversationID(viewer, rest) == conversationID {
			return rest, true
		}
	}
	if rest, found := strings.CutSuffix(conversationID, ConversationSeparator+viewer); found {
		if ConversationID(viewer, rest) == conversationID {
			return rest, true
		}
	}
	return "", false
}

// ChatSummary is one row of a viewer's conversation list.
type ChatSummary struct {
	ConversationID string   `json:"conversationId"`
	PeerID         string   `json:"peerId"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
}
