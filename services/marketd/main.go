package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"p2pmarket/core/events"
	"p2pmarket/gateway/middleware"
	"p2pmarket/integrations/webhooks"
	"p2pmarket/native/market"
	"p2pmarket/native/token"
	"p2pmarket/observability/logging"
	"p2pmarket/observability/metrics"
	telemetry "p2pmarket/observability/otel"
	"p2pmarket/services/marketd/config"
	"p2pmarket/services/marketd/journal"
	"p2pmarket/services/marketd/server"
	"p2pmarket/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions("marketd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Dir)
	if err != nil {
		log.Fatalf("marketd: open storage: %v", err)
	}
	defer db.Close()

	owner, _ := config.ParseAddress(cfg.Owner)
	settlement, err := openLedger(db, cfg.Tokens.Settlement, owner, logger)
	if err != nil {
		log.Fatalf("marketd: settlement token: %v", err)
	}
	staking, err := openLedger(db, cfg.Tokens.Staking, owner, logger)
	if err != nil {
		log.Fatalf("marketd: staking token: %v", err)
	}

	engine := market.NewEngine(db, owner)
	engine.SetLogger(logger)
	if cfg.Custody != "" {
		custody, _ := config.ParseAddress(cfg.Custody)
		if err := engine.SetCustody(custody); err != nil {
			log.Fatalf("marketd: custody: %v", err)
		}
	}
	if err := engine.SetSettlementToken(settlement); err != nil {
		log.Fatalf("marketd: bind settlement token: %v", err)
	}
	if err := engine.SetStakingToken(staking); err != nil {
		log.Fatalf("marketd: bind staking token: %v", err)
	}
	if !cfg.Params.IsZero() {
		if err := applyParams(engine, owner, cfg.Params); err != nil {
			log.Fatalf("marketd: params: %v", err)
		}
	}

	marketMetrics := metrics.Market()
	broadcaster := events.NewBroadcaster(256)
	emitters := events.MultiEmitter{broadcaster, marketMetrics}

	var eventJournal *journal.Journal
	if cfg.Journal.Driver != "none" {
		eventJournal, err = journal.Open(cfg.Journal.Driver, cfg.Journal.DSN, logger)
		if err != nil {
			log.Fatalf("marketd: open journal: %v", err)
		}
		defer eventJournal.Close()
		emitters = append(events.MultiEmitter{eventJournal}, emitters...)
	}

	if cfg.Webhook.Endpoint != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.Endpoint, []byte(cfg.Webhook.Secret),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0),
			webhooks.WithTopics(cfg.Webhook.Topics...),
			webhooks.WithLogger(logger),
		)
		if err != nil {
			log.Fatalf("marketd: webhook dispatcher: %v", err)
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
	}
	engine.SetEmitter(emitters)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for group, limit := range cfg.RateLimits {
		limits[group] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}

	srv, err := server.New(server.Config{
		Engine:      engine,
		Tokens:      []*token.Ledger{settlement, staking},
		Journal:     eventJournal,
		Broadcaster: broadcaster,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   "marketd",
			MetricsPrefix: "marketd",
			LogRequests:   true,
			Enabled:       true,
		}, logger),
		Metrics: marketMetrics,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Logger:            logger,
		AnonymousReads:    cfg.Auth.AnonymousReads,
		RequireAdminScope: cfg.Auth.Enabled,
		StreamOrigins:     cfg.CORS.AllowedOrigins,
	})
	if err != nil {
		log.Fatalf("marketd: server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketd listening",
			"addr", cfg.ListenAddress,
			"owner", strings.ToLower(cfg.Owner),
			"auth", cfg.Auth.Enabled,
			logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
			logging.MaskField("webhook_secret", cfg.Webhook.Secret),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("marketd: http server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("marketd: shutdown", "error", err)
	}
}

// openLedger binds a token ledger and mints its genesis allocations the first
// time the store is used.
func openLedger(db storage.Database, cfg config.TokenConfig, owner [20]byte, logger *slog.Logger) (*token.Ledger, error) {
	minter := owner
	if cfg.Minter != "" {
		parsed, err := config.ParseAddress(cfg.Minter)
		if err != nil {
			return nil, err
		}
		minter = parsed
	}
	ledger, err := token.NewLedger(db, cfg.Symbol, cfg.Decimals, minter)
	if err != nil {
		return nil, err
	}
	if len(cfg.Genesis) == 0 {
		return ledger, nil
	}
	supply, err := ledger.TotalSupply()
	if err != nil {
		return nil, err
	}
	if !supply.IsZero() {
		return ledger, nil
	}
	for i, alloc := range cfg.Genesis {
		account, err := config.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		amount, err := config.ParseAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if err := ledger.Mint(minter, account, amount); err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	logger.Info("token genesis minted", "symbol", ledger.Symbol(), "allocations", len(cfg.Genesis))
	return ledger, nil
}

// applyParams overlays configured parameters on the stored ones. Values not
// named in the config keep whatever an administrator last set.
func applyParams(engine *market.Engine, owner [20]byte, overlay config.ParamsConfig) error {
	current, err := engine.Params()
	if err != nil {
		return err
	}
	next, err := overlay.Resolve(current)
	if err != nil {
		return err
	}
	_, err = engine.SetParams(owner, next)
	return err
}
