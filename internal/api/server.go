package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"will-go/internal/will"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server exposes the registry, engine and ledger over HTTP. Every /v1
// route acts as the caller named by the bearer token.
type Server struct {
	router   *chi.Mux
	registry *will.Registry
	engine   *will.Engine
	ledger   *will.Ledger
	auth     *Authenticator
	logger   *slog.Logger
	addr     string
}

// NewServer builds the router and installs the execution metrics observer
// on engine.
func NewServer(addr string, registry *will.Registry, engine *will.Engine, ledger *will.Ledger, auth *Authenticator, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		engine:   engine,
		ledger:   ledger,
		auth:     auth,
		logger:   logger,
		addr:     addr,
	}
	engine.SetObserver(ExecutionMetrics{})

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/whoami", s.handleWhoami)
		r.Get("/events", s.handleListEvents)

		r.Route("/wills", func(r chi.Router) {
			r.Post("/", s.handleCreateWill)
			r.Get("/", s.handleListWills)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWill)
				r.Put("/document", s.handleUpdateDocument)
				r.Put("/executor", s.handleUpdateExecutor)
				r.Put("/emergency-delay", s.handleUpdateEmergencyDelay)
				r.Get("/viewers/{viewer}", s.handleCheckViewer)
				r.Put("/viewers/{viewer}", s.handleAuthorizeViewer)
				r.Delete("/viewers/{viewer}", s.handleRevokeViewer)
				r.Post("/execute", s.handleExecute)
				r.Post("/emergency-execute", s.handleEmergencyExecute)
				r.Get("/status", s.handleExecutionStatus)
				r.Get("/can-execute", s.handleCanExecute)
				r.Get("/attempts", s.handleListAttempts)
			})
		})

		r.Route("/engine", func(r chi.Router) {
			r.Get("/", s.handleGetSettings)
			r.Put("/fee-rate", s.handleSetFeeRate)
			r.Put("/fee-recipient", s.handleSetFeeRecipient)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/recover", s.handleRecoverToken)
			r.Post("/transfer-ownership", s.handleTransferOwnership)
		})

		r.Get("/ledger/balances/{holder}", s.handleGetBalance)
		r.Get("/ledger/nfts/{contract}/{assetID}", s.handleGetNFTOwner)
	})
}

// Router returns the chi router, for tests and embedding.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
