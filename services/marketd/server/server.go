package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"p2pmarket/core/events"
	"p2pmarket/gateway/middleware"
	"p2pmarket/native/market"
	"p2pmarket/native/token"
	"p2pmarket/observability/metrics"
	"p2pmarket/services/marketd/journal"
)

const (
	scopeAdmin = "market:admin"

	groupOrders   = "orders"
	groupDisputes = "disputes"
	groupStakes   = "stakes"
	groupAdmin    = "admin"
	groupTokens   = "tokens"
	groupReads    = "reads"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *market.Engine
	// Tokens are the ledgers the engine settles and stakes in, served under
	// /v1/tokens so accounts can read balances and approve custody.
	Tokens        []*token.Ledger
	Journal       *journal.Journal
	Broadcaster   *events.Broadcaster
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Metrics       *metrics.MarketMetrics
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	// AnonymousReads serves GET routes without authentication.
	AnonymousReads bool
	// RequireAdminScope additionally gates /v1/admin on the market:admin scope.
	RequireAdminScope bool
	// StreamOrigins lists websocket origin patterns; empty allows same-host only.
	StreamOrigins []string
}

// Server exposes the marketplace engine over HTTP.
type Server struct {
	engine      *market.Engine
	tokens      map[string]*token.Ledger
	journal     *journal.Journal
	broadcaster *events.Broadcaster
	auth        *middleware.Authenticator
	limiter     *middleware.RateLimiter
	obs         *middleware.Observability
	metrics     *metrics.MarketMetrics
	logger      *slog.Logger
	cfg         Config

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = middleware.NewRateLimiter(nil, cfg.Logger)
	}
	if cfg.Observability == nil {
		cfg.Observability = middleware.NewObservability(middleware.ObservabilityConfig{}, cfg.Logger)
	}
	tokens, err := indexLedgers(cfg.Tokens)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		engine:      cfg.Engine,
		tokens:      tokens,
		journal:     cfg.Journal,
		broadcaster: cfg.Broadcaster,
		auth:        cfg.Auth,
		limiter:     cfg.RateLimiter,
		obs:         cfg.Observability,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		cfg:         cfg,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			if !s.cfg.AnonymousReads {
				read.Use(s.auth.Middleware())
			}
			read.Method(http.MethodGet, "/status", s.route("status.get", groupReads, s.handleStatus))
			read.Method(http.MethodGet, "/params", s.route("params.get", groupReads, s.handleGetParams))
			read.Method(http.MethodGet, "/orders", s.route("orders.list", groupReads, s.handleListOrders))
			read.Method(http.MethodGet, "/orders/{id}", s.route("orders.get", groupReads, s.handleGetOrder))
			read.Method(http.MethodGet, "/orders/{id}/escrow", s.route("orders.escrow", groupReads, s.handleEscrowStatus))
			read.Method(http.MethodGet, "/orders/{id}/dispute", s.route("disputes.get", groupReads, s.handleGetDispute))
			read.Method(http.MethodGet, "/orders/{id}/dispute/status", s.route("disputes.status", groupReads, s.handleDisputeStatus))
			read.Method(http.MethodGet, "/orders/{id}/reviews/{reviewer}", s.route("reviews.get", groupReads, s.handleGetReview))
			read.Method(http.MethodGet, "/sellers/{address}/orders", s.route("sellers.orders", groupReads, s.handleSellerOrders))
			read.Method(http.MethodGet, "/sellers/{address}/rating", s.route("sellers.rating", groupReads, s.handleSellerRating))
			read.Method(http.MethodGet, "/arbitrators", s.route("arbitrators.list", groupReads, s.handleListArbitrators))
			read.Method(http.MethodGet, "/arbitrators/{address}", s.route("arbitrators.get", groupReads, s.handleGetArbitrator))
			read.Method(http.MethodGet, "/tokens", s.route("tokens.list", groupReads, s.handleListTokens))
			read.Method(http.MethodGet, "/tokens/{symbol}/balances/{address}", s.route("tokens.balance", groupReads, s.handleBalance))
			read.Method(http.MethodGet, "/exports/orders", s.route("exports.orders", groupReads, s.handleExportOrders))
			read.Method(http.MethodGet, "/events", s.route("events.list", groupReads, s.handleListEvents))
			read.Get("/events/stream", s.handleEventStream)
		})

		api.Group(func(write chi.Router) {
			write.Use(s.auth.Middleware())
			write.Method(http.MethodPost, "/orders", s.route("orders.create", groupOrders, s.handleCreateOrder))
			write.Method(http.MethodPut, "/orders/{id}", s.route("orders.edit", groupOrders, s.handleEditOrder))
			write.Method(http.MethodDelete, "/orders/{id}", s.route("orders.delist", groupOrders, s.handleDelistOrder))
			write.Method(http.MethodPost, "/orders/{id}/match", s.route("orders.match", groupOrders, s.handleMatchOrder))
			write.Method(http.MethodPost, "/orders/{id}/confirm", s.route("orders.confirm", groupOrders, s.handleConfirmDelivery))
			write.Method(http.MethodPost, "/orders/{id}/release", s.route("orders.release", groupOrders, s.handleReleaseEscrow))
			write.Method(http.MethodPost, "/orders/{id}/reviews", s.route("reviews.submit", groupOrders, s.handleSubmitReview))
			write.Method(http.MethodPost, "/orders/{id}/dispute", s.route("disputes.raise", groupDisputes, s.handleRaiseDispute))
			write.Method(http.MethodPost, "/orders/{id}/dispute/resolve", s.route("disputes.resolve", groupDisputes, s.handleResolveDispute))
			write.Method(http.MethodPost, "/orders/{id}/dispute/challenge", s.route("disputes.challenge", groupDisputes, s.handleChallengeDispute))
			write.Method(http.MethodPost, "/orders/{id}/dispute/reassign", s.route("disputes.reassign", groupDisputes, s.handleReassignDispute))
			write.Method(http.MethodPost, "/orders/{id}/dispute/force-resolve", s.route("disputes.forceResolve", groupDisputes, s.handleForceResolveDispute))
			write.Method(http.MethodPost, "/stakes", s.route("stakes.deposit", groupStakes, s.handleStake))
			write.Method(http.MethodPost, "/stakes/withdraw", s.route("stakes.withdraw", groupStakes, s.handleUnstake))
			write.Method(http.MethodPost, "/arbitrators/{address}/refresh", s.route("arbitrators.refresh", groupStakes, s.handleRefreshArbitrator))
			write.Method(http.MethodPost, "/tokens/{symbol}/approve", s.route("tokens.approve", groupTokens, s.handleApprove))
			write.Method(http.MethodPost, "/tokens/{symbol}/transfer", s.route("tokens.transfer", groupTokens, s.handleTransfer))

			write.Route("/admin", func(admin chi.Router) {
				if s.cfg.RequireAdminScope {
					admin.Use(s.auth.Middleware(scopeAdmin))
				}
				admin.Method(http.MethodPut, "/params", s.route("admin.params", groupAdmin, s.handleSetParams))
				admin.Method(http.MethodPost, "/pause", s.route("admin.pause", groupAdmin, s.handlePause))
				admin.Method(http.MethodPost, "/unpause", s.route("admin.unpause", groupAdmin, s.handleUnpause))
			})
		})
	})

	return otelhttp.NewHandler(r, "marketd")
}

func (s *Server) route(name, group string, h http.HandlerFunc) http.Handler {
	return s.obs.Middleware(name)(s.limiter.Middleware(group)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r.WithContext(withOperation(r.Context(), name)))
	})))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsHandler refreshes the order gauges before every scrape.
func (s *Server) metricsHandler() http.Handler {
	inner := s.obs.MetricsHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.refreshGauges()
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) refreshGauges() {
	if s.metrics == nil {
		return
	}
	counts, err := s.engine.StatusCounts()
	if err != nil {
		s.logger.Warn("metrics: status counts unavailable", "error", err)
		return
	}
	snapshot := make(map[string]uint64, len(counts))
	for status, count := range counts {
		snapshot[status.String()] = count
	}
	s.metrics.SetOrderStatusCounts(snapshot)
	if paused, err := s.engine.Paused(); err == nil {
		s.metrics.SetPaused(paused)
	}
}
