// Package whatsapp implements the WhatsApp transport: one long-lived
// whatsmeow socket per paired user, the inbound filter pipeline, and the
// control-plane HTTP API for QR pairing and session lifecycle.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"agentgate/internal/agent"
	"agentgate/internal/convo"
	. "agentgate/internal/logging"
	"agentgate/internal/msgcache"
	"agentgate/internal/router"
	"agentgate/internal/store"
)

// Signature is the zero-width marker appended to every outbound message.
// When two replicas share one WhatsApp account, the marker lets each drop
// the other's (and its own) messages on redelivery.
const Signature = "​‌​"

// TextLimit is WhatsApp's 4096-character message cap minus the three
// zero-width marker characters. The cap counts characters, not bytes.
const TextLimit = 4093

// Reconnect backoff: 2s doubling to 30s, five attempts, then give up until
// the next inbound connect request.
const (
	reconnectInitial     = 2 * time.Second
	reconnectMax         = 30 * time.Second
	reconnectMaxAttempts = 5
)

// eventQueueSize bounds the per-session inbound mailbox. Processing is
// serialized through it, preserving arrival order per session.
const eventQueueSize = 64

// Session is one user's live WhatsApp binding: socket, caches, conversation
// state, and the serialized event loop.
type Session struct {
	mgr *Manager

	// Immutable after creation.
	SessionID string
	UserID    string

	mu          sync.RWMutex
	phoneNumber string
	authToken   string
	needsRepair bool
	createdAt   time.Time
	lastConn    time.Time
	currentQR   string
	connected   bool

	client    *whatsmeow.Client
	container *sqlstore.Container

	sent   *msgcache.SentIndex
	cache  *msgcache.MessageCache
	convos *convo.Manager
	router *router.Router

	events chan *events.Message

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(mgr *Manager, rec store.WhatsAppSession) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	convos := convo.NewManager()
	return &Session{
		mgr:         mgr,
		SessionID:   rec.SessionID,
		UserID:      rec.UserID,
		phoneNumber: rec.PhoneNumber,
		authToken:   rec.AuthToken,
		needsRepair: rec.NeedsRepair,
		createdAt:   rec.CreatedAt,
		lastConn:    rec.LastConnected,
		sent:        msgcache.NewSentIndex(),
		cache:       msgcache.NewMessageCache(),
		convos:      convos,
		router:      router.New(convos),
		events:      make(chan *events.Message, eventQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// snapshot returns the persistable view of the session.
func (s *Session) snapshot() store.WhatsAppSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.WhatsAppSession{
		SessionID:     s.SessionID,
		UserID:        s.UserID,
		PhoneNumber:   s.phoneNumber,
		AuthToken:     s.authToken,
		NeedsRepair:   s.needsRepair,
		CreatedAt:     s.createdAt,
		LastConnected: s.lastConn,
	}
}

// connect opens the whatsmeow socket, registering the QR channel first when
// the session has never been paired. The serialized event worker starts
// alongside.
func (s *Session) connect() error {
	credsPath := s.mgr.store.CredentialsPath(s.SessionID)
	db, err := sql.Open("sqlite3", filepath.Join(credsPath, "creds.db")+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open credentials db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", &waLogger{module: "store", sessionID: s.SessionID})
	if err := container.Upgrade(s.ctx); err != nil {
		return fmt.Errorf("upgrade credentials store: %w", err)
	}
	s.container = container

	device, err := container.GetFirstDevice(s.ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	client := whatsmeow.NewClient(device, &waLogger{module: "client", sessionID: s.SessionID})
	s.client = client
	client.AddEventHandler(s.handleEvent)

	go s.eventWorker()

	// Unpaired devices go through the QR flow; the HTTP API renders the
	// stored payload as a PNG for the user to scan.
	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(s.ctx)
		if err != nil {
			return fmt.Errorf("open qr channel: %w", err)
		}
		go s.consumeQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.mu.Lock()
			s.currentQR = item.Code
			s.mu.Unlock()
			L_info("qr code available", "sessionId", s.SessionID, "userId", s.UserID)
			if IsDebug() {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stderr)
			}
		case "success":
			s.mu.Lock()
			s.currentQR = ""
			s.mu.Unlock()
			L_info("qr scan accepted", "sessionId", s.SessionID)
		case "timeout":
			s.mu.Lock()
			s.currentQR = ""
			s.mu.Unlock()
			L_warn("qr code expired", "sessionId", s.SessionID)
		}
	}
}

// close tears the session down without touching persisted state.
func (s *Session) close() {
	s.cancel()
	if s.client != nil {
		s.client.Disconnect()
	}
}

// handleEvent fans whatsmeow events into the session's mailbox or handles
// connection-state changes inline.
func (s *Session) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		select {
		case s.events <- v:
		default:
			L_warn("inbound queue full, message dropped",
				"sessionId", s.SessionID, "messageId", v.Info.ID)
		}
	case *events.Connected:
		s.onConnected()
	case *events.Disconnected:
		s.onDisconnected()
	case *events.LoggedOut:
		s.onLoggedOut(v)
	}
}

func (s *Session) onConnected() {
	s.mu.Lock()
	s.connected = true
	s.currentQR = ""
	s.lastConn = time.Now()
	if id := s.client.Store.ID; id != nil {
		s.phoneNumber = "+" + id.User
	}
	s.mu.Unlock()

	L_info("session connected", "sessionId", s.SessionID, "userId", s.UserID,
		"phone", s.PhoneNumber())
	s.mgr.persist()
}

func (s *Session) onDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	if IsShuttingDown() {
		return
	}
	L_warn("session disconnected, scheduling reconnect", "sessionId", s.SessionID)
	go s.reconnectLoop()
}

func (s *Session) onLoggedOut(evt *events.LoggedOut) {
	s.mu.Lock()
	s.connected = false
	s.currentQR = ""
	s.needsRepair = true
	s.mu.Unlock()

	L_error("session logged out, re-pairing required",
		"sessionId", s.SessionID, "userId", s.UserID, "reason", evt.Reason)
	s.mgr.persist()
}

func (s *Session) reconnectLoop() {
	delay := reconnectInitial
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		if IsShuttingDown() {
			return
		}
		if s.NeedsRepair() {
			// Logged out while we were waiting; reconnecting would loop.
			return
		}

		L_info("reconnecting", "sessionId", s.SessionID, "attempt", attempt)
		err := s.client.Connect()
		if err == nil {
			return
		}
		L_warn("reconnect failed", "sessionId", s.SessionID, "attempt", attempt, "error", err)

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
	L_error("reconnect attempts exhausted", "sessionId", s.SessionID, "userId", s.UserID)
}

// eventWorker serializes inbound processing for this session. Messages are
// handled one at a time in arrival order.
func (s *Session) eventWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.events:
			s.processMessage(evt)
		}
	}
}

// processMessage runs the inbound filter pipeline and routes survivors to an
// agent. Filter order matters; the first match drops the event.
func (s *Session) processMessage(evt *events.Message) {
	chat := evt.Info.Chat

	// 1. Ignore status updates, broadcasts, and groups.
	if isIgnoredChat(chat) {
		return
	}

	text, quoted, replyTo := extractText(evt.Message)
	if text == "" {
		return
	}
	remote := chat.User

	// 2. Cache before the remaining filters so tooling sees the traffic
	// either way.
	s.cache.Record(remote, msgcache.CachedMessage{
		Timestamp: evt.Info.Timestamp,
		FromMe:    evt.Info.IsFromMe,
		Text:      text,
		MessageID: evt.Info.ID,
	})

	// 3. Only the session owner's own messages act as commands. This is
	// deliberate: the owner can type into any chat to drive the bot, and
	// other participants are never interpreted.
	if !evt.Info.IsFromMe {
		return
	}

	// 4. Own-echo suppression by message id.
	if s.sent.Contains(evt.Info.ID) {
		return
	}

	// 5. Cross-instance dedup by the zero-width signature.
	if strings.Contains(text, Signature) {
		L_debug("dropping signed message from another instance",
			"sessionId", s.SessionID, "messageId", evt.Info.ID)
		return
	}

	// 6. "bye" ends the conversation without reaching an agent.
	if router.IsBye(text) {
		if s.convos.Drop(remote) {
			s.react(chat, evt.Info.Sender, evt.Info.ID, "\U0001F44D")
		}
		return
	}

	// 7. Route.
	decision := s.router.Route(router.Inbound{
		RemoteChatID: remote,
		MessageID:    evt.Info.ID,
		Text:         text,
		SelfChat:     s.isSelfChat(chat),
		QuotedText:   quoted,
		ReplyToID:    replyTo,
	})
	if !decision.Invoke {
		return
	}

	s.markRead(chat, evt.Info.Sender, evt.Info.ID)
	s.dispatch(chat, remote, decision)
}

// markRead acknowledges the triggering message so other linked devices show
// it handled.
func (s *Session) markRead(chat, sender types.JID, messageID string) {
	err := s.client.MarkRead(s.ctx, []types.MessageID{messageID}, time.Now(), chat, sender)
	if err != nil {
		L_debug("mark read failed", "sessionId", s.SessionID, "error", err)
	}
}

// dispatch runs one agent turn for the session, including conversation
// bookkeeping, delivery, and the user-visible failure message.
func (s *Session) dispatch(chat types.JID, remote string, decision router.Decision) {
	_ = s.client.SendChatPresence(s.ctx, chat, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	defer s.client.SendChatPresence(s.ctx, chat, types.ChatPresencePaused, types.ChatPresenceMediaText)

	conversation := s.convos.Begin(remote, decision.Agent, decision.Text)

	reqCtx := agent.RequestContext{"whatsappSession": s.SessionID}
	reply, err := s.mgr.dispatcher.Dispatch(s.ctx, agent.Request{
		Agent:     decision.Agent,
		UserID:    s.UserID,
		History:   conversation.History,
		Context:   reqCtx,
		Directive: agent.DirectiveWhatsApp,
		Token:     s.Token(),
		Refresh:   s.refreshToken,
	})
	if err != nil {
		_, _ = s.Send(s.ctx, remote, "Sorry, something went wrong - please try again.")
		return
	}

	target := remote
	if s.mgr.privateResponses && !s.isSelfChatUser(remote) {
		// Private mode routes replies to the owner's self-chat, tagged with
		// the chat they answer.
		target = s.selfChatUser()
		reply = fmt.Sprintf("[Re: %s]\n\n%s", remote, reply)
	}

	lastID, err := s.mgr.dispatcher.Deliver(s.ctx, s, target, reply)
	if err != nil {
		L_error("delivery failed", "sessionId", s.SessionID, "userId", s.UserID,
			"remote", target, "error", err)
		return
	}
	s.convos.Complete(remote, reply, lastID)
}

// Send implements agent.Transport: it appends the bot signature and records
// the sent id for echo suppression.
func (s *Session) Send(ctx context.Context, remoteChatID, text string) (string, error) {
	jid := types.NewJID(strings.TrimPrefix(remoteChatID, "+"), types.DefaultUserServer)
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text + Signature),
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", remoteChatID, err)
	}
	s.sent.Add(resp.ID)
	return resp.ID, nil
}

// TextLimit implements agent.Transport.
func (s *Session) TextLimit() int {
	return TextLimit
}

// Notify pushes a proactive message to the owner's self-chat, chunked like
// any other outbound reply.
func (s *Session) Notify(ctx context.Context, text string) error {
	if !s.Connected() {
		return fmt.Errorf("session %s not connected", s.SessionID)
	}
	remote := s.selfChatUser()
	if remote == "" {
		return fmt.Errorf("session %s has no phone number yet", s.SessionID)
	}
	_, err := s.mgr.dispatcher.Deliver(ctx, s, remote, text)
	return err
}

func (s *Session) react(chat, sender types.JID, messageID, emoji string) {
	reaction := s.client.BuildReaction(chat, sender, messageID, emoji)
	if _, err := s.client.SendMessage(s.ctx, chat, reaction); err != nil {
		L_debug("reaction failed", "sessionId", s.SessionID, "error", err)
	}
}

// refreshToken performs the one-shot auth refresh for the dispatcher and
// persists the rotated token before returning it.
func (s *Session) refreshToken(ctx context.Context) (string, error) {
	resp, err := s.mgr.backend.RefreshWhatsAppToken(ctx, s.SessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.authToken = resp.Token
	s.needsRepair = false
	s.mu.Unlock()

	s.mgr.persist()
	L_info("token refreshed", "sessionId", s.SessionID, "userId", s.UserID,
		"expiresAt", resp.ExpiresAt)
	return resp.Token, nil
}

// isSelfChat reports whether a chat is the owner's chat with their own
// number.
func (s *Session) isSelfChat(chat types.JID) bool {
	return s.isSelfChatUser(chat.User)
}

func (s *Session) isSelfChatUser(user string) bool {
	self := s.selfChatUser()
	return self != "" && user == self
}

func (s *Session) selfChatUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.TrimPrefix(s.phoneNumber, "+")
}

// Accessors used by the manager and HTTP API.

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Session) PhoneNumber() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phoneNumber
}

func (s *Session) CurrentQR() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentQR
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authToken
}

func (s *Session) NeedsRepair() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needsRepair
}

// SetToken stores a fresh token on the live session (login with a new JWT).
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.authToken = token
	s.needsRepair = false
	s.mu.Unlock()
}

// isIgnoredChat drops status updates, broadcast lists, and groups.
func isIgnoredChat(chat types.JID) bool {
	switch chat.Server {
	case types.GroupServer, types.BroadcastServer:
		return true
	}
	return chat.User == "status"
}

// extractText pulls the text payload plus any quoted context out of a
// whatsmeow message.
func extractText(msg *waE2E.Message) (text, quoted, replyToID string) {
	if msg == nil {
		return "", "", ""
	}
	if c := msg.GetConversation(); c != "" {
		return c, "", ""
	}
	ext := msg.GetExtendedTextMessage()
	if ext == nil {
		return "", "", ""
	}
	text = ext.GetText()
	if ci := ext.GetContextInfo(); ci != nil {
		replyToID = ci.GetStanzaID()
		if q := ci.GetQuotedMessage(); q != nil {
			if qc := q.GetConversation(); qc != "" {
				quoted = qc
			} else if qe := q.GetExtendedTextMessage(); qe != nil {
				quoted = qe.GetText()
			}
		}
	}
	return text, quoted, replyToID
}

// waLogger bridges whatsmeow's logger to the gateway's L_* functions.
type waLogger struct {
	module    string
	sessionID string
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s[%s]: %s", l.module, l.sessionID, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s[%s]: %s", l.module, l.sessionID, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s[%s]: %s", l.module, l.sessionID, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s[%s]: %s", l.module, l.sessionID, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module, sessionID: l.sessionID}
}
