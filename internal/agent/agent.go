// Package agent defines the fixed set of conversational agents, the runtime
// interface used to invoke them, and the dispatcher that carries a user turn
// through auth retry and response delivery.
package agent

import "strings"

// Agent identifies one of the backend's conversational agents.
type Agent string

// The fixed agent roster. Dispatch is a switch over this enum; the backend
// resolves the same names on its side.
const (
	Weather   Agent = "weather"
	Pierre    Agent = "pierre"
	Ash       Agent = "ash"
	Paddy     Agent = "paddy"
	Zoe       Agent = "zoe"
	Assistant Agent = "assistant"
)

// Default is the agent used when nothing more specific applies.
const Default = Assistant

var roster = map[string]Agent{
	"weather":   Weather,
	"pierre":    Pierre,
	"ash":       Ash,
	"paddy":     Paddy,
	"zoe":       Zoe,
	"assistant": Assistant,
}

// Resolve maps a name to a known agent. Unknown names return ("", false).
func Resolve(name string) (Agent, bool) {
	a, ok := roster[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Names lists the roster in a stable order, for user-facing help text.
func Names() []string {
	return []string{"weather", "pierre", "ash", "paddy", "zoe", "assistant"}
}

// Known reports whether name is in the roster.
func Known(name string) bool {
	_, ok := Resolve(name)
	return ok
}

// String returns the agent's short name.
func (a Agent) String() string {
	return string(a)
}

// Role constants for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation sent to the runtime.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestContext is the per-request immutable dictionary passed through the
// dispatch chain to the runtime. Keys the backend understands include
// authToken, userId, workspaceId, whatsappSession, and telegramChatId.
type RequestContext map[string]string

// Clone returns a copy so callers can extend a base context per request.
func (rc RequestContext) Clone() RequestContext {
	out := make(RequestContext, len(rc)+2)
	for k, v := range rc {
		out[k] = v
	}
	return out
}
