package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Filter-pipeline tests run against a session with no socket. Every drop path
// returns before the client is touched; a message that wrongly survives the
// filters dereferences the nil client and fails the test loudly.

func newFilterSession(t *testing.T) *Session {
	t.Helper()
	m := newTestManager(t)
	return addSession(t, m, "abc12345", "u1")
}

func inbound(chat types.JID, fromMe bool, id, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat, IsFromMe: fromMe},
			ID:            id,
			Timestamp:     time.Now(),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func directChat() types.JID {
	return types.NewJID("41791234567", types.DefaultUserServer)
}

func TestProcessMessageIgnoresGroups(t *testing.T) {
	s := newFilterSession(t)
	group := types.NewJID("12345-67890", types.GroupServer)

	s.processMessage(inbound(group, true, "MSG-1", "@pierre hello"))

	assert.Empty(t, s.cache.Recent(group.User, 0), "group traffic is dropped before caching")
}

func TestProcessMessageCachesOtherParticipants(t *testing.T) {
	s := newFilterSession(t)
	chat := directChat()

	// Not from the owner: never a command, but still cached for tooling.
	s.processMessage(inbound(chat, false, "MSG-2", "@pierre do something"))

	msgs := s.cache.Recent(chat.User, 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "@pierre do something", msgs[0].Text)
	assert.False(t, msgs[0].FromMe)
}

func TestProcessMessageDropsOwnEcho(t *testing.T) {
	s := newFilterSession(t)
	chat := directChat()

	s.sent.Add("MSG-3")
	s.processMessage(inbound(chat, true, "MSG-3", "@pierre hello"))

	// Still cached; the drop happens after recording.
	assert.Len(t, s.cache.Recent(chat.User, 0), 1)
}

func TestProcessMessageDropsSignedText(t *testing.T) {
	s := newFilterSession(t)
	chat := directChat()

	// A signed message is another instance's output relayed back to us.
	s.processMessage(inbound(chat, true, "MSG-4", "@pierre hello"+Signature))
}

func TestProcessMessageByeWithoutConversation(t *testing.T) {
	s := newFilterSession(t)

	// No active conversation: nothing to drop, no reaction sent.
	s.processMessage(inbound(directChat(), true, "MSG-5", "bye"))
}

func TestProcessMessageNoRoutingSignalIsDropped(t *testing.T) {
	s := newFilterSession(t)

	// Plain text in a regular chat with no mention, no reply thread, and no
	// active conversation is not forwarded.
	s.processMessage(inbound(directChat(), true, "MSG-6", "hello there"))
}

func TestProcessMessageEmptyTextIsDropped(t *testing.T) {
	s := newFilterSession(t)
	evt := inbound(directChat(), true, "MSG-7", "")
	evt.Message = &waE2E.Message{}

	s.processMessage(evt)

	assert.Empty(t, s.cache.Recent(directChat().User, 0))
}
