// Package telegram provides the Telegram transport: a single process-wide
// bot that maps chats to backend users via pairing codes.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"agentgate/internal/agent"
	"agentgate/internal/backend"
	"agentgate/internal/convo"
	. "agentgate/internal/logging"
	"agentgate/internal/router"
	"agentgate/internal/store"
)

// TextLimit is Telegram's message length cap.
const TextLimit = 4096

// mailboxSize bounds each chat's pending-message queue. Messages beyond it
// are dropped rather than blocking the update loop.
const mailboxSize = 64

const helpText = `I route your messages to your assistant team.

/start <code> - pair this chat using a code from the app
/agent <name> - set your default agent (weather, pierre, ash, paddy, zoe, assistant)
/disconnect - unpair this chat
/help - this message

Start a message with @agent to address one directly. Say "bye" to end a conversation.`

// Bot is the process-wide Telegram bot.
type Bot struct {
	bot        *tele.Bot
	registry   *Registry
	pairing    *PairingCodes
	backend    *backend.Client
	dispatcher *agent.Dispatcher

	mu      sync.Mutex
	routers map[int64]*router.Router
	queues  map[int64]chan func()

	// inflight counts queued and running per-chat jobs so Stop can drain them.
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBot connects to the Bot API and registers handlers. Polling does not
// begin until Start.
func NewBot(token string, reg *Registry, pairing *PairingCodes, be *backend.Client, d *agent.Dispatcher) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	// Synchronous keeps handler invocation in update order; per-chat
	// mailboxes below restore concurrency across chats.
	pref := tele.Settings{
		Token:       token,
		Poller:      &tele.LongPoller{Timeout: 10 * time.Second},
		Synchronous: true,
	}
	bot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	L_info("telegram connected", "bot", "@"+bot.Me.Username, "id", bot.Me.ID)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		bot:        bot,
		registry:   reg,
		pairing:    pairing,
		backend:    be,
		dispatcher: d,
		routers:    make(map[int64]*router.Router),
		queues:     make(map[int64]chan func()),
		ctx:        ctx,
		cancel:     cancel,
	}
	b.setupHandlers()
	return b, nil
}

func (b *Bot) setupHandlers() {
	b.bot.Handle("/start", b.onStart)
	b.bot.Handle("/disconnect", b.onDisconnect)
	b.bot.Handle("/agent", b.onAgent)
	b.bot.Handle("/help", b.onHelp)
	b.bot.Handle(tele.OnText, b.onText)
}

// Start drains updates that queued up while the gateway was down, then begins
// long-polling in a background goroutine.
func (b *Bot) Start() {
	if err := b.bot.RemoveWebhook(true); err != nil {
		L_warn("telegram pending-update drain failed", "error", err)
	}
	L_info("telegram polling started", "bot", "@"+b.bot.Me.Username)
	go b.bot.Start()
}

// Stop halts polling, then lets queued and in-flight dispatches drain until
// ctx expires before cancelling them.
func (b *Bot) Stop(ctx context.Context) {
	L_info("stopping telegram bot")
	b.bot.Stop()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		L_warn("telegram dispatches still in flight at shutdown deadline")
	}
	b.cancel()
}

// enqueue hands a job to the chat's serial worker, spawning it on first use.
// Jobs for one chat run in arrival order; chats run concurrently.
func (b *Bot) enqueue(chatID int64, job func()) {
	b.mu.Lock()
	q, ok := b.queues[chatID]
	if !ok {
		q = make(chan func(), mailboxSize)
		b.queues[chatID] = q
		go b.chatWorker(q)
	}
	b.mu.Unlock()

	b.inflight.Add(1)
	select {
	case q <- job:
	default:
		b.inflight.Done()
		L_warn("chat mailbox full, dropping message", "chatId", chatID)
	}
}

func (b *Bot) chatWorker(q chan func()) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case job := <-q:
			job()
			b.inflight.Done()
		}
	}
}

// Username is the bot's @-name, used to build the pairing deep link.
func (b *Bot) Username() string {
	return b.bot.Me.Username
}

func (b *Bot) onStart(c tele.Context) error {
	if c.Chat().Type != tele.ChatPrivate {
		return nil
	}
	code := strings.TrimSpace(c.Message().Payload)
	if code == "" {
		return c.Send("Hi! To pair this chat, generate a code in the app and send /start <code>.")
	}

	pair, ok := b.pairing.Claim(code)
	if !ok {
		L_warn("pairing attempt with invalid code", "chatId", c.Chat().ID)
		return c.Send("That pairing code is invalid or has expired. Generate a fresh one in the app and try again.")
	}

	agentID := pair.AgentID
	if agentID == "" {
		agentID = string(agent.Default)
	}
	now := time.Now()
	m := store.TelegramMapping{
		ChatID:      c.Chat().ID,
		Username:    c.Sender().Username,
		UserID:      pair.UserID,
		AuthToken:   pair.AuthToken,
		AgentID:     agentID,
		WorkspaceID: pair.WorkspaceID,
		PairedAt:    now,
		LastActive:  now,
	}
	if err := b.registry.Pair(m); err != nil {
		L_error("pairing persist failed", "chatId", c.Chat().ID, "userId", pair.UserID, "error", err)
		return c.Send("Pairing failed on our side - please try again.")
	}

	L_info("chat paired", "chatId", c.Chat().ID, "userId", pair.UserID, "agentId", agentID)
	return c.Send(fmt.Sprintf("✅ Paired! Your messages now go to your %s agent. Send /help to see what I can do.", agentID))
}

func (b *Bot) onDisconnect(c tele.Context) error {
	removed, err := b.registry.RemoveByChat(c.Chat().ID)
	if err != nil {
		L_error("disconnect persist failed", "chatId", c.Chat().ID, "error", err)
	}
	if !removed {
		return c.Send("This chat isn't paired.")
	}
	b.dropRouter(c.Chat().ID)
	L_info("chat unpaired", "chatId", c.Chat().ID)
	return c.Send("Disconnected. Use /start <code> to pair again.")
}

func (b *Bot) onAgent(c tele.Context) error {
	m, ok := b.registry.ByChat(c.Chat().ID)
	if !ok {
		return nil
	}
	name := strings.TrimSpace(c.Message().Payload)
	a, ok := agent.Resolve(name)
	if !ok {
		return c.Send(fmt.Sprintf("I don't know %q. Available agents: %s.", name, strings.Join(agent.Names(), ", ")))
	}
	if err := b.registry.SetAgent(m.UserID, string(a)); err != nil {
		L_error("agent update failed", "userId", m.UserID, "error", err)
		return c.Send("Couldn't save that - please try again.")
	}
	return c.Send(fmt.Sprintf("Default agent set to %s.", a))
}

func (b *Bot) onHelp(c tele.Context) error {
	return c.Send(helpText)
}

// onText handles non-command text. Unregistered /commands also land here and
// are dropped silently.
func (b *Bot) onText(c tele.Context) error {
	if c.Chat().Type != tele.ChatPrivate {
		return nil
	}
	text := c.Text()
	if strings.HasPrefix(text, "/") {
		L_debug("ignoring unknown command", "chatId", c.Chat().ID)
		return nil
	}

	chatID := c.Chat().ID
	m, ok := b.registry.ByChat(chatID)
	if !ok {
		L_debug("message from unpaired chat ignored", "chatId", chatID)
		return nil
	}
	if m.NeedsRepair {
		return c.Send("Your pairing needs to be refreshed. Generate a new code in the app and send /start <code>.")
	}
	b.registry.Touch(chatID)

	// Routing reads conversation state that dispatching mutates, so both run
	// on the chat's serial worker.
	b.enqueue(chatID, func() { b.handleMessage(c, m, text) })
	return nil
}

func (b *Bot) handleMessage(c tele.Context, m store.TelegramMapping, text string) {
	rt := b.routerFor(m.ChatID)
	remote := strconv.FormatInt(m.ChatID, 10)

	if router.IsBye(text) {
		if rt.Conversations().Drop(remote) {
			b.react(c, "\U0001F44D")
		}
		return
	}

	fallback, _ := agent.Resolve(m.AgentID)
	if fallback == "" {
		fallback = agent.Default
	}
	decision := rt.Route(router.Inbound{
		RemoteChatID:  remote,
		MessageID:     strconv.Itoa(c.Message().ID),
		Text:          text,
		QuotedText:    quotedText(c.Message()),
		ReplyToID:     replyToID(c.Message()),
		FallbackAgent: fallback,
	})
	if !decision.Invoke {
		return
	}

	_ = c.Notify(tele.Typing)
	b.dispatch(c, m, rt, remote, decision)
}

func (b *Bot) dispatch(c tele.Context, m store.TelegramMapping, rt *router.Router, remote string, decision router.Decision) {
	conv := rt.Conversations().Begin(remote, decision.Agent, decision.Text)

	reqCtx := agent.RequestContext{"telegramChatId": remote}
	if m.WorkspaceID != "" {
		reqCtx["workspaceId"] = m.WorkspaceID
	}

	reply, err := b.dispatcher.Dispatch(b.ctx, agent.Request{
		Agent:     decision.Agent,
		UserID:    m.UserID,
		History:   conv.History,
		Context:   reqCtx,
		Directive: agent.DirectiveTelegram,
		Token:     m.AuthToken,
		Refresh: func(ctx context.Context) (string, error) {
			return b.refreshToken(ctx, m)
		},
	})
	if err != nil {
		L_warn("dispatch failed", "chatId", m.ChatID, "agent", decision.Agent, "error", err)
		_ = c.Send("Sorry, something went wrong - please try again.")
		return
	}

	lastID, err := b.dispatcher.Deliver(b.ctx, b, remote, reply)
	if err != nil {
		L_error("delivery failed", "chatId", m.ChatID, "error", err)
		return
	}
	rt.Conversations().Complete(remote, reply, lastID)
}

// refreshToken rotates the mapping's bearer token via the backend and
// persists the re-encrypted result before returning.
func (b *Bot) refreshToken(ctx context.Context, m store.TelegramMapping) (string, error) {
	resp, err := b.backend.RefreshTelegramToken(ctx, m.UserID)
	if err != nil {
		return "", fmt.Errorf("refresh telegram token: %w", err)
	}
	if err := b.registry.SetToken(m.ChatID, resp.Token); err != nil {
		return "", err
	}
	L_info("telegram token refreshed", "userId", m.UserID, "expiresAt", resp.ExpiresAt)
	return resp.Token, nil
}

// Send implements agent.Transport. remoteChatID is the decimal chat id.
func (b *Bot) Send(ctx context.Context, remoteChatID, text string) (string, error) {
	chatID, err := strconv.ParseInt(remoteChatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad chat id %q: %w", remoteChatID, err)
	}
	msg, err := b.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(msg.ID), nil
}

// TextLimit implements agent.Transport.
func (b *Bot) TextLimit() int {
	return TextLimit
}

func (b *Bot) react(c tele.Context, emoji string) {
	err := b.bot.React(c.Chat(), c.Message(), tele.Reactions{
		Reactions: []tele.Reaction{{Type: tele.ReactionTypeEmoji, Emoji: emoji}},
	})
	if err != nil {
		L_debug("reaction failed", "chatId", c.Chat().ID, "error", err)
	}
}

// routerFor returns the chat's router, creating conversation state lazily.
func (b *Bot) routerFor(chatID int64) *router.Router {
	b.mu.Lock()
	defer b.mu.Unlock()
	rt, ok := b.routers[chatID]
	if !ok {
		rt = router.New(convo.NewManager())
		b.routers[chatID] = rt
	}
	return rt
}

func (b *Bot) dropRouter(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routers, chatID)
}

// SweepConversations expires idle conversations across all chats. Called
// from the cron sweeper alongside pairing-code expiry.
func (b *Bot) SweepConversations() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rt := range b.routers {
		rt.Conversations().Sweep()
	}
}

func quotedText(msg *tele.Message) string {
	if msg.ReplyTo == nil {
		return ""
	}
	return msg.ReplyTo.Text
}

func replyToID(msg *tele.Message) string {
	if msg.ReplyTo == nil {
		return ""
	}
	return strconv.Itoa(msg.ReplyTo.ID)
}
