// Package router decides whether an inbound message invokes an agent, which
// agent holds the thread, and what text the agent sees.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"agentgate/internal/agent"
	"agentgate/internal/convo"
)

// mentionRe matches an explicit @agent mention at the start of a message.
var mentionRe = regexp.MustCompile(`^@(\w+)\s*`)

// Inbound is a transport-neutral view of a message the adapter forwarded.
type Inbound struct {
	RemoteChatID string
	MessageID    string
	Text         string

	// SelfChat marks the session owner's chat with their own number, used as
	// a private command surface on WhatsApp.
	SelfChat bool

	// QuotedText carries the quoted payload when the message is a reply.
	QuotedText string
	// ReplyToID is the id of the message being replied to, if any.
	ReplyToID string

	// FallbackAgent is the user's stored default agent. On Telegram it
	// applies when no conversation is active; on WhatsApp it is empty and
	// messages without any other signal are not forwarded.
	FallbackAgent agent.Agent
}

// Decision is the routing outcome for one inbound message.
type Decision struct {
	Invoke bool
	Agent  agent.Agent
	// Text is what the agent sees: mention stripped, quoted context prefixed.
	Text string
}

// Router resolves inbound messages against a session's conversation state.
type Router struct {
	convos *convo.Manager
}

// New creates a router over the given conversation manager.
func New(convos *convo.Manager) *Router {
	return &Router{convos: convos}
}

// Conversations exposes the underlying manager for bookkeeping by the caller.
func (r *Router) Conversations() *convo.Manager {
	return r.convos
}

// Route applies the resolution policy, first rule wins:
// self-chat, explicit mention, reply threading, active conversation,
// stored fallback (Telegram), otherwise no invoke.
func (r *Router) Route(in Inbound) Decision {
	mentioned, text := parseMention(in.Text)
	text = prependQuote(text, in.QuotedText)

	if in.SelfChat {
		a := mentioned
		if a == "" {
			a = in.FallbackAgent
		}
		if a == "" {
			a = agent.Default
		}
		return Decision{Invoke: true, Agent: a, Text: text}
	}

	if mentioned != "" {
		return Decision{Invoke: true, Agent: mentioned, Text: text}
	}

	active, hasActive := r.convos.Active(in.RemoteChatID)

	if in.ReplyToID != "" && hasActive && in.ReplyToID == active.LastAgentMessageID {
		return Decision{Invoke: true, Agent: active.Agent, Text: text}
	}

	if hasActive {
		return Decision{Invoke: true, Agent: active.Agent, Text: text}
	}

	if in.FallbackAgent != "" {
		return Decision{Invoke: true, Agent: in.FallbackAgent, Text: text}
	}

	return Decision{}
}

// parseMention extracts a leading @agent mention. Unknown names are not
// treated as mentions and the original text is preserved.
func parseMention(text string) (agent.Agent, string) {
	m := mentionRe.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	a, ok := agent.Resolve(m[1])
	if !ok {
		return "", text
	}
	return a, strings.TrimPrefix(text, m[0])
}

// prependQuote gives the agent the quoted context without transport
// awareness.
func prependQuote(text, quoted string) string {
	if quoted == "" {
		return text
	}
	return fmt.Sprintf("[Replying to: \"%s\"]\n\n%s", quoted, text)
}

// IsBye reports whether the text is the conversation-ending keyword.
func IsBye(text string) bool {
	return strings.ToLower(strings.TrimSpace(text)) == "bye"
}
