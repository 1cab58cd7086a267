package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/server/handler"
	"github.com/alanyoungcy/stakecourt/internal/server/middleware"
	"github.com/alanyoungcy/stakecourt/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	CORSOrigins  []string
	AdminAPIKey  string // operator endpoints are closed when empty
	MaxClockSkew time.Duration
	RateLimit    int
	RateWindow   time.Duration
	// ReplayGuard rejects resent signed requests. Nil disables the check.
	ReplayGuard domain.ReplayGuard
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Bets       *handler.BetHandler
	Wallets    *handler.WalletHandler
	Arbitrator *handler.ArbitratorHandler // nil when no in-process arbitrator runs
}

// Server is the HTTP + WebSocket API of the settlement service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in logging, CORS and
// rate limiting. Mutating routes require a signed request; operator routes
// require the admin API key. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	signed := middleware.Signature(cfg.MaxClockSkew, time.Now, cfg.ReplayGuard)
	admin := middleware.APIKey(cfg.AdminAPIKey)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Bet queries.
	mux.HandleFunc("GET /api/bets", handlers.Bets.ListBets)
	mux.HandleFunc("GET /api/bets/{id}", handlers.Bets.GetBet)
	mux.HandleFunc("GET /api/bets/{id}/claim-cost", handlers.Bets.ClaimCost)
	mux.HandleFunc("GET /api/bets/{id}/appeal-quote", handlers.Bets.AppealQuote)

	// Bet operations.
	mux.Handle("POST /api/bets", signed(http.HandlerFunc(handlers.Bets.Propose)))
	mux.Handle("POST /api/bets/{id}/fill", signed(http.HandlerFunc(handlers.Bets.Fill)))
	mux.Handle("POST /api/bets/{id}/withdraw", signed(http.HandlerFunc(handlers.Bets.WithdrawUnfilled)))
	mux.Handle("POST /api/bets/{id}/claim", signed(http.HandlerFunc(handlers.Bets.InitiateClaim)))
	mux.Handle("POST /api/bets/{id}/timeout", signed(http.HandlerFunc(handlers.Bets.Timeout)))
	mux.Handle("POST /api/bets/{id}/expire", signed(http.HandlerFunc(handlers.Bets.Expire)))
	mux.Handle("POST /api/bets/{id}/appeal", signed(http.HandlerFunc(handlers.Bets.FundAppeal)))
	mux.Handle("POST /api/bets/{id}/rounds/{round}/withdraw", signed(http.HandlerFunc(handlers.Bets.WithdrawRoundReward)))
	mux.Handle("POST /api/bets/{id}/evidence", signed(http.HandlerFunc(handlers.Bets.SubmitEvidence)))

	// Wallets and credits.
	mux.HandleFunc("GET /api/wallets/{address}", handlers.Wallets.GetWallet)
	mux.Handle("POST /api/credits/{address}/withdraw", signed(http.HandlerFunc(handlers.Wallets.WithdrawCredit)))

	// Operator endpoints.
	mux.Handle("POST /api/admin/deposits", admin(http.HandlerFunc(handlers.Wallets.Deposit)))
	mux.Handle("POST /api/admin/wallets/{address}/rejecting", admin(http.HandlerFunc(handlers.Wallets.SetRejecting)))
	mux.Handle("GET /api/admin/audit", admin(http.HandlerFunc(handlers.Wallets.ListAudit)))

	// In-process arbitrator.
	if handlers.Arbitrator != nil {
		mux.HandleFunc("GET /api/arbitrator/disputes/{id}", handlers.Arbitrator.GetDispute)
		mux.Handle("POST /api/arbitrator/disputes/{id}/ruling", signed(http.HandlerFunc(handlers.Arbitrator.GiveRuling)))
		mux.Handle("POST /api/arbitrator/disputes/{id}/execute", signed(http.HandlerFunc(handlers.Arbitrator.ExecuteRuling)))
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
