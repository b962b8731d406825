// PolySignal Trader - Automated Prediction-Market Trading Bot
//
// Consumes signal:enter events from the upstream scanner, walks each one
// through the admission gate chain, executes on the CLOB (or the dry-run
// CSV sink), and manages every open position through settlement.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polysignal/trader/internal/audit"
	"github.com/polysignal/trader/internal/bridge"
	"github.com/polysignal/trader/internal/clob"
	"github.com/polysignal/trader/internal/config"
	"github.com/polysignal/trader/internal/control"
	"github.com/polysignal/trader/internal/decision"
	"github.com/polysignal/trader/internal/execlog"
	"github.com/polysignal/trader/internal/lifecycle"
	"github.com/polysignal/trader/internal/monitor"
	"github.com/polysignal/trader/internal/notify"
	"github.com/polysignal/trader/internal/risk"
	sig "github.com/polysignal/trader/internal/signal"
	"github.com/polysignal/trader/internal/store"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Live trading without credentials is an operator error, not a warning.
	if cfg.LiveTradingRequested() && !cfg.HasCLOBCredentials() {
		log.Fatal().Msg("Live trading requested but CLOB credentials are missing")
	}

	log.Info().
		Str("version", version).
		Bool("trading_enabled", cfg.EnableTrading).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ PolySignal Trader starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. Audit log - append-only event stream, notification fan-out hook.
	auditLog := audit.New(db)

	// 2. Bot control + runtime config.
	ctl, err := control.New(db, auditLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load bot control")
	}
	rt, err := config.NewStore(db, auditLog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load runtime config")
	}

	// 3. Execution log + risk manager.
	execs := execlog.New(db)
	riskMgr := risk.NewManager(rt, ctl, auditLog)

	// 4. CLOB client.
	venue, err := clob.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize CLOB client")
	}

	// 5. Decision tracker + lifecycle store.
	decisions := decision.New(db)
	positions := lifecycle.NewStore()

	// 6. Settlement monitor.
	mon := monitor.New(cfg, rt, ctl, execs, riskMgr, positions, venue, auditLog)

	// 7. Notifications: webhooks, email, Telegram, dispatcher.
	webhooks := notify.NewWebhooks(db)
	queue, err := notify.NewQueue(db, webhooks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize webhook queue")
	}
	prefs := notify.NewEmailPrefs(db)
	dispatcher := notify.NewDispatcher(webhooks, queue, prefs, auditLog)
	if tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID); err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram disabled")
	} else if tg != nil {
		dispatcher.SetTelegram(tg)
	}
	auditLog.SetNotifier(dispatcher.Dispatch)

	// 8. Scanner bridge + signal feed.
	drySink := bridge.NewDrySink(cfg.DryRunCSV)
	br := bridge.New(cfg, rt, ctl, execs, riskMgr, decisions, positions, mon, venue, auditLog, drySink)
	br.SetSignalNotifier(dispatcher.DispatchSignal)
	feed := sig.NewFeed(cfg.SignalFeedURL)
	feed.Subscribe(func(s *sig.Signal) { br.HandleSignal(ctx, s) })

	// ====== STARTUP RECONCILIATION ======

	if repaired, err := auditLog.AutoRepair(0); err != nil {
		log.Error().Err(err).Msg("Startup auto-repair failed")
	} else if repaired > 0 {
		log.Warn().Int("repaired", repaired).Msg("🔧 Stale executions auto-repaired at startup")
	}
	if flags, err := auditLog.Reconcile(); err != nil {
		log.Error().Err(err).Msg("Startup reconciliation failed")
	} else if len(flags) > 0 {
		log.Warn().Int("stale", len(flags)).Msg("Stale open positions flagged")
	}

	open, err := execs.GetOpen()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load open executions")
	}
	riskMgr.Reconcile(open)
	if err := mon.Rehydrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to rehydrate monitor")
	}

	// ====== START ======

	queue.Start(ctx)
	mon.Start(ctx)
	feed.Start(ctx)
	log.Info().Msg("✅ All components running")

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("Shutdown signal received, stopping...")

	feed.Stop()
	mon.Stop()
	queue.Stop()
	cancel()
	log.Info().Msg("👋 PolySignal Trader stopped")
}
