// Package api serves health, metrics and read-only portfolio data over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"portfolio-watch-bot/internal/binance"
	"portfolio-watch-bot/internal/ledger"
	"portfolio-watch-bot/internal/metrics"
	"portfolio-watch-bot/internal/models"
	"portfolio-watch-bot/internal/portfolio"
	"portfolio-watch-bot/internal/reconcile"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// TenantStore is the subset of *tenant.Store the API reads.
type TenantStore interface {
	Get(ctx context.Context, id int64) (*models.Tenant, error)
	Credentials(ctx context.Context, id int64) (*binance.Credentials, error)
	IDs(ctx context.Context) ([]int64, error)
}

// StreamCounter reports running user data streams. It may be nil.
type StreamCounter interface {
	Active() int
}

type Options struct {
	Port        int
	AuthToken   string
	Version     string
	Quote       string
	PriceMaxAge time.Duration
}

// Server provides an HTTP interface over the ledger.
type Server struct {
	server  *http.Server
	opts    Options
	tenants TenantStore
	store   ledger.Store
	prices  reconcile.PriceSource
	source  portfolio.Source
	streams StreamCounter
	logger  *zap.Logger

	startTime time.Time
	now       func() time.Time
}

func NewServer(opts Options, tenants TenantStore, store ledger.Store, prices reconcile.PriceSource,
	source portfolio.Source, streams StreamCounter, logger *zap.Logger) *Server {
	s := &Server{
		opts:      opts,
		tenants:   tenants,
		store:     store,
		prices:    prices,
		source:    source,
		streams:   streams,
		logger:    logger.Named("api-server"),
		startTime: time.Now(),
		now:       time.Now,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware)

	r.Get("/health", s.healthHandler)
	r.Get("/status", s.statusHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/tenants/{tenantID}", func(r chi.Router) {
		r.Use(bearerAuth(s.opts.AuthToken))
		r.Use(s.tenantCtx)
		r.Get("/positions", s.positionsHandler)
		r.Get("/trades", s.tradesHandler)
		r.Get("/statistics", s.statisticsHandler)
		r.Get("/portfolio", s.portfolioHandler)
		r.Get("/valuations", s.valuationsHandler)
	})
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}
