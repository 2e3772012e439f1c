package whatsapp

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

func TestIsIgnoredChat(t *testing.T) {
	tests := []struct {
		name    string
		jid     types.JID
		ignored bool
	}{
		{"group", types.NewJID("12345-67890", types.GroupServer), true},
		{"broadcast", types.NewJID("12345", types.BroadcastServer), true},
		{"status", types.NewJID("status", types.BroadcastServer), true},
		{"direct chat", types.NewJID("27820000000", types.DefaultUserServer), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ignored, isIgnoredChat(tt.jid))
		})
	}
}

func TestExtractTextConversation(t *testing.T) {
	msg := &waE2E.Message{Conversation: proto.String("hello")}
	text, quoted, replyTo := extractText(msg)
	assert.Equal(t, "hello", text)
	assert.Empty(t, quoted)
	assert.Empty(t, replyTo)
}

func TestExtractTextExtendedWithQuote(t *testing.T) {
	msg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("looks good"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String("MSG-42"),
				QuotedMessage: &waE2E.Message{
					Conversation: proto.String("shall we ship it?"),
				},
			},
		},
	}
	text, quoted, replyTo := extractText(msg)
	assert.Equal(t, "looks good", text)
	assert.Equal(t, "shall we ship it?", quoted)
	assert.Equal(t, "MSG-42", replyTo)
}

func TestExtractTextEmpty(t *testing.T) {
	text, _, _ := extractText(nil)
	assert.Empty(t, text)

	text, _, _ = extractText(&waE2E.Message{})
	assert.Empty(t, text)
}

func TestSignatureIsInvisible(t *testing.T) {
	// The signature must never render as visible characters in a chat.
	require.Equal(t, "​‌​", Signature)
	// Three zero-width runes (nine bytes); the message cap counts runes.
	require.Equal(t, 3, utf8.RuneCountInString(Signature))
	assert.Equal(t, 4096-utf8.RuneCountInString(Signature), TextLimit)
}

func TestNewSessionID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newSessionID()
		require.Len(t, id, 8)
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
}
