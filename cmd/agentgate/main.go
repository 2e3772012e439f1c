// agentgate bridges WhatsApp and Telegram chats to the backend's agent pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"agentgate/internal/agent"
	"agentgate/internal/auth"
	"agentgate/internal/backend"
	"agentgate/internal/config"
	. "agentgate/internal/logging"
	"agentgate/internal/proactive"
	"agentgate/internal/store"
	"agentgate/internal/telegram"
	"agentgate/internal/whatsapp"
)

const version = "0.2.0"

// shutdownTimeout bounds the drain of in-flight HTTP requests and sweeps.
const shutdownTimeout = 10 * time.Second

var cli struct {
	LogLevel   string `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level: debug, info, warn, error."`
	ShowCaller bool   `name:"show-caller" env:"LOG_CALLER" help:"Include file:line in log output."`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the gateway."`
	Version versionCmd `cmd:"" help:"Print the version and exit."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("agentgate %s\n", version)
	return nil
}

type serveCmd struct{}

func (serveCmd) Run() error {
	L_info("agentgate %s starting", version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	verifier := auth.NewVerifier(cfg.AuthSecret)
	be := backend.New(cfg.BackendBaseURL, cfg.GatewaySecret)
	dispatcher := agent.NewDispatcher(backend.NewRuntime(be))

	// WhatsApp: per-user sessions restored from the manifest.
	waStore, err := store.NewWhatsAppStore(cfg.WhatsApp.SessionsDir, cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("whatsapp store: %w", err)
	}
	waManager := whatsapp.NewManager(cfg.WhatsApp, waStore, be, dispatcher)
	if err := waManager.Start(); err != nil {
		return fmt.Errorf("restore whatsapp sessions: %w", err)
	}
	waServer := whatsapp.NewServer(waManager, verifier, cfg.WhatsApp.Port)

	// Telegram: one process-wide bot over the mapping registry.
	tgStore, err := store.NewTelegramStore(cfg.Telegram.SessionsDir, cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("telegram store: %w", err)
	}
	registry := telegram.NewRegistry(tgStore)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("restore telegram mappings: %w", err)
	}
	pairing := telegram.NewPairingCodes()
	bot, err := telegram.NewBot(cfg.Telegram.BotToken, registry, pairing, be, dispatcher)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	tgServer := telegram.NewServer(bot, registry, pairing, verifier, cfg.Telegram.Port)

	scheduler, err := proactive.NewScheduler(cfg.Proactive, registry, bot, pairing, waManager, be, dispatcher)
	if err != nil {
		return fmt.Errorf("proactive scheduler: %w", err)
	}

	waServer.Start()
	tgServer.Start()
	bot.Start()
	scheduler.Start()
	L_info("agentgate ready", "whatsappPort", cfg.WhatsApp.Port, "telegramPort", cfg.Telegram.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	L_info("signal received, shutting down", "signal", received)
	SetShuttingDown()

	// Stop taking new work first, then drain transports, then the scheduler.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := waServer.Shutdown(ctx); err != nil {
		L_warn("whatsapp api shutdown", "error", err)
	}
	if err := tgServer.Shutdown(ctx); err != nil {
		L_warn("telegram api shutdown", "error", err)
	}
	bot.Stop(ctx)
	waManager.Shutdown()
	scheduler.Stop()

	L_info("agentgate stopped")
	return nil
}

func main() {
	ktx := kong.Parse(&cli,
		kong.Name("agentgate"),
		kong.Description("Multi-tenant messaging gateway for the agent pool."),
		kong.UsageOnError(),
	)

	Init(&Config{
		Level:      LevelFromEnv(cli.LogLevel),
		TimeFormat: "15:04:05",
		ShowCaller: cli.ShowCaller,
	})

	if err := ktx.Run(); err != nil {
		L_fatal("fatal: %v", err)
	}
}
