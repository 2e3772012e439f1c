// Package convo tracks short-lived conversation state per remote chat: which
// agent holds the thread, a bounded history window, and the id of the last
// agent reply for reply-threading detection.
package convo

import (
	"sync"
	"time"

	"agentgate/internal/agent"
)

const (
	// Timeout after which an idle conversation is discarded.
	Timeout = 3 * time.Minute
	// HistoryCap bounds the turns kept per conversation, oldest evicted.
	HistoryCap = 10
)

// Conversation is the thread state for one remote chat.
type Conversation struct {
	Agent              agent.Agent
	LastInteraction    time.Time
	History            []agent.Message
	LastAgentMessageID string
}

// Manager owns the conversations of one session (or, for Telegram, one chat).
// All methods are safe for concurrent use, though each session's event loop
// is the only writer in practice.
type Manager struct {
	mu     sync.Mutex
	convos map[string]*Conversation

	// now is swapped out by tests to pin the clock.
	now func() time.Time
}

// NewManager creates an empty conversation manager.
func NewManager() *Manager {
	return &Manager{
		convos: make(map[string]*Conversation),
		now:    time.Now,
	}
}

// Active returns a copy of the live conversation for a remote chat, if one
// exists and has seen traffic within the timeout. Expired conversations are
// discarded on access.
func (m *Manager) Active(remoteChatID string) (Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convos[remoteChatID]
	if !ok {
		return Conversation{}, false
	}
	if m.now().Sub(c.LastInteraction) > Timeout {
		delete(m.convos, remoteChatID)
		return Conversation{}, false
	}
	return m.snapshot(c), true
}

// Begin upserts the conversation for a remote chat, pinning it to the given
// agent and appending the user turn. The returned snapshot's history includes
// the new turn and is what the dispatcher forwards.
func (m *Manager) Begin(remoteChatID string, a agent.Agent, userText string) Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convos[remoteChatID]
	if !ok || m.now().Sub(c.LastInteraction) > Timeout {
		c = &Conversation{}
		m.convos[remoteChatID] = c
	}

	c.Agent = a
	c.LastInteraction = m.now()
	c.History = appendCapped(c.History, agent.Message{Role: agent.RoleUser, Content: userText})
	return m.snapshot(c)
}

// Complete records the assistant turn and the delivered message id after a
// successful dispatch.
func (m *Manager) Complete(remoteChatID, reply, lastAgentMessageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.convos[remoteChatID]
	if !ok {
		return
	}
	c.LastInteraction = m.now()
	c.History = appendCapped(c.History, agent.Message{Role: agent.RoleAssistant, Content: reply})
	if lastAgentMessageID != "" {
		c.LastAgentMessageID = lastAgentMessageID
	}
}

// Drop discards the conversation for a remote chat ("bye" handling).
func (m *Manager) Drop(remoteChatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.convos[remoteChatID]; !ok {
		return false
	}
	delete(m.convos, remoteChatID)
	return true
}

// Len returns the number of tracked conversations, including any that have
// expired but not yet been swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convos)
}

// Sweep removes conversations idle past the timeout. Called from the session
// housekeeping tick; Active already drops expired entries lazily.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	now := m.now()
	for k, c := range m.convos {
		if now.Sub(c.LastInteraction) > Timeout {
			delete(m.convos, k)
			removed++
		}
	}
	return removed
}

func (m *Manager) snapshot(c *Conversation) Conversation {
	out := *c
	out.History = make([]agent.Message, len(c.History))
	copy(out.History, c.History)
	return out
}

func appendCapped(history []agent.Message, msg agent.Message) []agent.Message {
	history = append(history, msg)
	if len(history) > HistoryCap {
		history = history[len(history)-HistoryCap:]
	}
	return history
}
