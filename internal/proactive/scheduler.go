package proactive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"agentgate/internal/agent"
	"agentgate/internal/backend"
	"agentgate/internal/config"
	. "agentgate/internal/logging"
	"agentgate/internal/telegram"
	"agentgate/internal/whatsapp"
)

// Scheduler drives the weekday morning and evening sweeps plus the
// minute-resolution housekeeping tick.
type Scheduler struct {
	cron       *cron.Cron
	registry   *telegram.Registry
	bot        *telegram.Bot
	codes      *telegram.PairingCodes
	whatsapp   *whatsapp.Manager
	backend    *backend.Client
	dispatcher *agent.Dispatcher
	queue      *PushQueue

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg config.ProactiveConfig, reg *telegram.Registry, bot *telegram.Bot,
	codes *telegram.PairingCodes, wa *whatsapp.Manager, be *backend.Client, d *agent.Dispatcher) (*Scheduler, error) {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(cfg.Location())),
		registry:   reg,
		bot:        bot,
		codes:      codes,
		whatsapp:   wa,
		backend:    be,
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.queue = NewPushQueue(func(ctx context.Context, remote, text string) error {
		_, err := d.Deliver(ctx, bot, remote, text)
		return err
	})

	if _, err := s.cron.AddFunc(cfg.MorningCron, func() { s.runSweep(true) }); err != nil {
		cancel()
		return nil, fmt.Errorf("morning schedule %q: %w", cfg.MorningCron, err)
	}
	if _, err := s.cron.AddFunc(cfg.EveningCron, func() { s.runSweep(false) }); err != nil {
		cancel()
		return nil, fmt.Errorf("evening schedule %q: %w", cfg.EveningCron, err)
	}
	// Housekeeping: expired pairing codes and idle conversations.
	if _, err := s.cron.AddFunc("* * * * *", s.housekeep); err != nil {
		cancel()
		return nil, fmt.Errorf("housekeeping schedule: %w", err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	L_info("proactive scheduler started")
	s.cron.Start()
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.cancel()
	s.queue.Stop()
	<-stopCtx.Done()
	L_info("proactive scheduler stopped")
}

func (s *Scheduler) housekeep() {
	s.codes.Sweep()
	s.bot.SweepConversations()
}

// runSweep walks every paired Telegram user, gathers their check results and
// pushes a digest when something needs attention. The morning sweep also
// delivers WhatsApp briefings to connected sessions.
func (s *Scheduler) runSweep(morning bool) {
	start := time.Now()
	mappings := s.registry.All()
	L_info("proactive sweep starting", "morning", morning, "users", len(mappings))

	pushed := 0
	for _, m := range mappings {
		if s.ctx.Err() != nil {
			return
		}
		if m.AuthToken == "" || m.NeedsRepair {
			L_debug("sweep skipping user without usable token", "userId", m.UserID)
			continue
		}

		res := runChecks(s.ctx, s.backend, m.UserID, m.AuthToken, time.Now())
		if !res.HasIssues() {
			continue
		}
		s.push(m.ChatID, FormatDigest(res, morning))
		pushed++
	}

	if morning {
		s.deliverBriefings()
	}
	L_info("proactive sweep finished", "morning", morning, "pushed", pushed,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

func (s *Scheduler) push(chatID int64, text string) {
	remote := strconv.FormatInt(chatID, 10)
	if _, err := s.dispatcher.Deliver(s.ctx, s.bot, remote, text); err != nil {
		if isQuotaError(err) {
			s.queue.Enqueue(remote, text)
			return
		}
		L_warn("digest delivery failed", "chatId", chatID, "error", err)
	}
}

// deliverBriefings pushes the backend morning briefing to every connected
// WhatsApp session owner. Per-session failures never stop the loop.
func (s *Scheduler) deliverBriefings() {
	for _, sess := range s.whatsapp.Sessions() {
		if s.ctx.Err() != nil {
			return
		}
		if !sess.Connected() || sess.Token() == "" {
			continue
		}

		briefing, err := s.backend.MorningBriefing(s.ctx, sess.Token())
		if err != nil {
			L_warn("briefing fetch failed", "sessionId", sess.SessionID, "error", err)
			continue
		}
		if len(briefing.OverdueActions) == 0 && briefing.Summary == "" {
			continue
		}
		if err := sess.Notify(s.ctx, FormatBriefing(briefing)); err != nil {
			L_warn("briefing delivery failed", "sessionId", sess.SessionID, "error", err)
		}
	}
}
