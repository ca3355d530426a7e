// Command starkbot wires the components documented in DESIGN.md into one
// long-running process: it loads configuration, connects the configured
// wallet backend and EVM networks, opens the sqlite-backed stores, starts
// the scheduler, and serves the gateway's JSON-RPC/event websocket. The
// HTTP controller layer, chat-platform adapters, and LLM transport named in
// spec.md §1 as external collaborators are not implemented here; they reach
// this process only through the interfaces in pkg/gateway and pkg/dispatcher.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/starkbot/backend/pkg/backup"
	"github.com/starkbot/backend/pkg/blockchain"
	"github.com/starkbot/backend/pkg/config"
	"github.com/starkbot/backend/pkg/gateway"
	"github.com/starkbot/backend/pkg/memory"
	"github.com/starkbot/backend/pkg/resources"
	"github.com/starkbot/backend/pkg/scheduler"
	"github.com/starkbot/backend/pkg/session"
	"github.com/starkbot/backend/pkg/txqueue"
	"github.com/starkbot/backend/pkg/wallet"
	"github.com/starkbot/backend/pkg/x402"
)

// newLogger builds the process-wide zap logger, following the upstream SDK's
// development-console default (sdk.go's package init) with the level driven
// by config.Debug instead of being hardcoded.
func newLogger(debug bool) *zap.Logger {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      debug,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func main() {
	configPath := flag.String("config", os.Getenv("STARKBOT_CONFIG"), "path to a YAML config file")
	listenAddr := flag.String("listen", ":8080", "address the gateway websocket listens on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.L().Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		zap.L().Fatal("invalid config", zap.Error(err))
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := newWallet(ctx, cfg)
	if err != nil {
		logger.Fatal("init wallet", zap.Error(err))
	}
	logger.Info("wallet ready", zap.String("mode", string(signer.ModeName())), zap.String("address", signer.Address().Hex()))

	registry, err := blockchain.Dial(ctx, cfg.Networks)
	if err != nil {
		logger.Fatal("dial networks", zap.Error(err))
	}
	defer registry.Close()

	txQueue := txqueue.New(signer, registry)
	_ = txQueue // drained by the HTTP controller layer's withdrawal/payment endpoints

	limits, err := x402.NewLimitTable(cfg.PaymentLimitsPath)
	if err != nil {
		logger.Fatal("load payment limits", zap.Error(err))
	}
	x402Engine := x402.NewEngine(signer, limits)
	_ = x402Engine // wired for request-time use by the HTTP controller layer (out of scope here)

	resourceStore, err := resources.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open resource store", zap.Error(err))
	}
	defer resourceStore.Close()

	memoryStore, err := memory.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open memory store", zap.Error(err))
	}
	defer memoryStore.Close()

	sessionStore, err := session.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open session store", zap.Error(err))
	}
	defer sessionStore.Close()

	bus := gateway.NewBroadcaster(gateway.DefaultQueueSize)
	// Channels is nil: actual channel supervision lives in the chat-platform
	// adapters named out of scope in spec.md §1. A composing deployment
	// supplies its own gateway.ChannelController here.
	gw := gateway.New(bus, nil)

	sched := scheduler.New(func(ctx context.Context, entry scheduler.Entry) error {
		logger.Info("scheduler: fired entry", zap.String("id", entry.ID), zap.String("kind", string(entry.Kind)))
		bus.Publish(gateway.Event{Type: "event", Event: gateway.EventAgentResponse, Data: entry.ID})
		return nil
	})
	go runSchedulerLoop(ctx, sched)

	if cfg.KeystoreURL != "" {
		backupMgr := &backup.Manager{
			Wallet:   signer,
			Keystore: backup.NewKeystore(cfg.KeystoreURL, "starkbot", signer),
		}
		_ = backupMgr // invoked on demand by the HTTP controller layer's backup/restore endpoints
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logger.Info("gateway listening", zap.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runSchedulerLoop drives Scheduler.Tick once per minute, matching spec §4.9's
// minute-granularity decay/heartbeat cadence, until ctx is cancelled.
func runSchedulerLoop(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.Tick(ctx)
		}
	}
}

// newWallet selects the signing backend named by cfg.WalletMode (spec §6).
func newWallet(ctx context.Context, cfg *config.Config) (wallet.Provider, error) {
	switch cfg.WalletMode {
	case config.ModeFlash:
		return wallet.NewRemoteProvider(ctx, cfg.RemoteSignerAddr, cfg.RemoteSignerToken)
	default:
		return wallet.NewLocalProvider(cfg.GetPrivateKey())
	}
}
