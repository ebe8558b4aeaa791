// Command engine runs the futures execution engine: webhook intake, risk
// gating, order execution, exit state machine and broker reconciliation.
// Bootstrap shape (zerolog console writer, godotenv, component wiring
// order, signal.Notify graceful shutdown) follows the teacher's
// cmd/polybot/main.go.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justtrades/engine/internal/broker"
	"github.com/justtrades/engine/internal/config"
	"github.com/justtrades/engine/internal/eventbus"
	"github.com/justtrades/engine/internal/execution"
	"github.com/justtrades/engine/internal/exitfsm"
	"github.com/justtrades/engine/internal/intake"
	"github.com/justtrades/engine/internal/marketdata"
	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/notify"
	"github.com/justtrades/engine/internal/postback"
	"github.com/justtrades/engine/internal/reconciler"
	"github.com/justtrades/engine/internal/riskgate"
	"github.com/justtrades/engine/internal/scheduler"
	"github.com/justtrades/engine/internal/store"
	"github.com/justtrades/engine/internal/tokencache"
	"github.com/justtrades/engine/internal/tracker"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Msg("🚀 engine starting...")

	db, err := store.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	bus := eventbus.New()
	market := marketdata.NewCache()

	tokens := tokencache.New(db.Accounts,
		broker.NewOAuthRefresher(cfg.BrokerDemoBaseURL, cfg.BrokerLiveBaseURL, func(accountID string) string {
			return string(environmentOf(db, accountID))
		}),
		cfg.TokenRefreshCheck, cfg.TokenRefreshThreshold)
	if err := tokens.Load(); err != nil {
		log.Fatal().Err(err).Msg("failed to load broker tokens")
	}

	client := broker.NewRESTClient(cfg.BrokerDemoBaseURL, cfg.BrokerLiveBaseURL, tokens, cfg.DryRun)
	stream := broker.NewStream(cfg.BrokerWSBaseURL, bus, cfg.WSReconnectBase, cfg.WSReconnectCap)

	sched := scheduler.New(cfg.APIRPMLimit, cfg.APIBurst, cfg.BatchSize, cfg.BatchDelay)
	gate := riskgate.New(db.Signals, db.Trades)
	track := tracker.New(db.Positions, market)
	fsm := exitfsm.New(client, bus, cfg.ExitWorkingTimeout, cfg.ExitConfirmTimeout, cfg.KillSwitchBudget)
	exec := execution.New(client, db.Orders, market, fsm, bus)
	recon := reconciler.New(client, db.Positions, db.Recorders, market, exec, fsm, bus, cfg.ReconcileInterval, cfg.ReconcileFullSweep)

	telegram, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telegram notifier")
	}
	telegram.Subscribe(bus)

	postback.New(db.Orders, db.Positions, db.Trades, db.Recorders, client, fsm).Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := recon.RecoverOnStartup(); err != nil {
		log.Fatal().Err(err).Msg("failed to recover persisted positions")
	}

	tokens.StartRefresher(ctx)
	stream.Start()
	recon.Start(ctx)

	pipeline := func(pctx context.Context, recorder model.Recorder, sig model.Signal) {
		sched.Run(recorder.ID+"|"+sig.Ticker, func() {
			decision := gate.Evaluate(riskgate.Request{Recorder: recorder, Action: sig.Action, Now: time.Now()})
			if !decision.Approved {
				bus.Publish(eventbus.TopicSignalRejected, sig)
				return
			}

			t, err := track.Apply(pctx, recorder.ID, sig.Ticker, sig.Action, sig.Qty, sig.Price)
			if err != nil {
				log.Error().Err(err).Str("recorder", recorder.ID).Msg("❌ tracker apply failed")
				return
			}

			traders, err := db.Recorders.TradersFor(recorder.ID)
			if err != nil {
				log.Error().Err(err).Msg("❌ trader lookup failed")
				return
			}
			for _, trader := range traders {
				if err := sched.Wait(pctx, trader.AccountID); err != nil {
					continue
				}
				if err := exec.ApplyTransition(pctx, trader, recorder, t); err != nil {
					log.Error().Err(err).Str("trader", trader.ID).Msg("❌ execution pipeline failed")
				}
			}
		})
	}

	reconcileNow := func(rctx context.Context) error { return recon.Sweep(rctx) }
	killNow := func(kctx context.Context, traderID, ticker string) error {
		traders, err := db.Recorders.TradersFor(traderID)
		if err != nil || len(traders) == 0 {
			return fsm.StartExit(kctx, traderID, traderID, ticker, model.ExitReasonKillSwitch)
		}
		return fsm.StartExit(kctx, traders[0].AccountID, traderID, ticker, model.ExitReasonKillSwitch)
	}

	server := intake.NewServer(intake.Config{WebhookPort: cfg.WebhookPort, AdminPort: cfg.AdminPort},
		db.Recorders, db.Signals, bus, pipeline, reconcileNow, killNow)

	webhookSrv := &http.Server{Addr: fmtAddr(cfg.WebhookPort), Handler: server.Mux(), ReadTimeout: cfg.HTTPTimeout}
	adminSrv := &http.Server{Addr: fmtAddr(cfg.AdminPort), Handler: server.AdminMux(), ReadTimeout: cfg.HTTPTimeout}

	go func() {
		if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("webhook server failed")
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	log.Info().Int("webhook_port", cfg.WebhookPort).Int("admin_port", cfg.AdminPort).Msg("✅ all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = webhookSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	stream.Stop()
	recon.Stop()
	tokens.Stop()

	log.Info().Msg("👋 goodbye")
}

func fmtAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// environmentOf looks up an account's configured environment directly from
// the store, since the refresher is constructed before the token cache has
// anything loaded into it.
func environmentOf(db *store.Store, accountID string) model.Environment {
	acct, err := db.Accounts.Get(accountID)
	if err != nil {
		return model.EnvDemo
	}
	return acct.Environment
}
