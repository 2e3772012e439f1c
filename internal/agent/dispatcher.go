package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	. "agentgate/internal/logging"
)

// Runtime is the external agent runtime. The gateway treats it as an opaque
// collaborator: a message list and request context go in, a reply comes out.
type Runtime interface {
	Generate(ctx context.Context, a Agent, messages []Message, reqCtx RequestContext) (string, error)
}

// Transport is the outbound half of a channel adapter, scoped to one session.
type Transport interface {
	Send(ctx context.Context, remoteChatID, text string) (messageID string, err error)
	TextLimit() int
}

// Formatting directives prepended to every dispatch. The two differ only in
// markdown flavor; WhatsApp renders *bold*/_italic_ while Telegram gets HTML
// from its formatter downstream.
const (
	DirectiveWhatsApp = "Format replies for WhatsApp: plain text with *bold* and _italic_ only, " +
		"no markdown headings, no tables, short paragraphs."
	DirectiveTelegram = "Format replies for Telegram: standard markdown with **bold** and `code`, " +
		"no tables, short paragraphs."
)

// ErrTryAgain is surfaced to the user when a dispatch fails after the
// one-shot auth retry.
var ErrTryAgain = fmt.Errorf("agent unavailable, please try again")

// maxHistory bounds the turns forwarded to the runtime. The conversation
// store enforces the same cap; this guards dispatches built elsewhere.
const maxHistory = 10

// interChunkDelay spaces multi-chunk deliveries to stay under transport rate
// limits while preserving order.
const interChunkDelay = 100 * time.Millisecond

// Request carries one user turn into the runtime.
type Request struct {
	Agent     Agent
	UserID    string
	History   []Message // bounded conversation turns, current user turn last
	Context   RequestContext
	Directive string
	Token     string
	// Refresh performs the one-shot token refresh on auth failure. It must
	// persist the rotated token before returning.
	Refresh func(ctx context.Context) (string, error)
}

// Dispatcher invokes the agent runtime and delivers responses.
type Dispatcher struct {
	runtime Runtime
	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

// NewDispatcher creates a dispatcher over the given runtime.
func NewDispatcher(rt Runtime) *Dispatcher {
	return &Dispatcher{runtime: rt, sleep: time.Sleep}
}

// Dispatch sends the request to the runtime, transparently refreshing the
// bearer token once if the runtime reports an auth failure. Any other
// failure, or a second auth failure, returns ErrTryAgain after logging.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	history := req.History
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	messages := make([]Message, 0, len(history)+1)
	if req.Directive != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.Directive})
	}
	messages = append(messages, history...)

	reqCtx := req.Context.Clone()
	reqCtx["userId"] = req.UserID
	reqCtx["authToken"] = req.Token

	reply, err := d.runtime.Generate(ctx, req.Agent, messages, reqCtx)
	if err == nil {
		return reply, nil
	}

	if !isAuthError(err) || req.Refresh == nil {
		L_error("dispatch failed", "userId", req.UserID, "agent", req.Agent, "error", err)
		return "", ErrTryAgain
	}

	L_info("dispatch hit auth error, refreshing token", "userId", req.UserID, "agent", req.Agent)
	newToken, rerr := req.Refresh(ctx)
	if rerr != nil {
		L_error("token refresh failed", "userId", req.UserID, "error", rerr)
		return "", ErrTryAgain
	}

	// Fresh context for the retry; the first call's context stays untouched.
	retryCtx := reqCtx.Clone()
	retryCtx["authToken"] = newToken
	reply, err = d.runtime.Generate(ctx, req.Agent, messages, retryCtx)
	if err != nil {
		L_error("dispatch failed after token refresh", "userId", req.UserID, "agent", req.Agent, "error", err)
		return "", ErrTryAgain
	}
	return reply, nil
}

// Deliver chunks a reply under the transport limit and sends the chunks in
// order with a short delay between them. It returns the message id of the
// final chunk, which callers record for reply-threading detection.
func (d *Dispatcher) Deliver(ctx context.Context, t Transport, remoteChatID, reply string) (string, error) {
	chunks := Chunk(reply, t.TextLimit())

	var lastID string
	for i, chunk := range chunks {
		if i > 0 {
			d.sleep(interChunkDelay)
		}
		id, err := t.Send(ctx, remoteChatID, chunk)
		if err != nil {
			return lastID, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		lastID = id
	}
	return lastID, nil
}

// isAuthError matches the runtime's unauthorized failures, which surface as
// opaque error strings from the backend.
func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401")
}
