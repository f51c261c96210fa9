package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"

	"github.com/dreymor/dtfetch/internal/account"
	"github.com/dreymor/dtfetch/internal/api"
	"github.com/dreymor/dtfetch/internal/auth"
	"github.com/dreymor/dtfetch/internal/config"
	"github.com/dreymor/dtfetch/internal/events"
)

// SummaryRefreshInterval is how old a cached summary may get before a
// summary request refetches it from the upstream.
const SummaryRefreshInterval = time.Hour

// Server is the downstream HTTP surface. Handlers read through the account
// cache and fall back to the upstream client; credential writes go through
// the manager handle.
type Server struct {
	cfg        *config.Config
	auths      *auth.Handle
	accounts   *account.Cache
	client     api.Client
	bus        *events.Bus
	logs       *events.LogHandler
	httpServer *http.Server
}

func New(cfg *config.Config, auths *auth.Handle, accounts *account.Cache, client api.Client, bus *events.Bus, logs *events.LogHandler) *Server {
	srv := &Server{
		cfg:      cfg,
		auths:    auths,
		accounts: accounts,
		client:   client,
		bus:      bus,
		logs:     logs,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	corsMiddleware := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})

	srv.httpServer = &http.Server{
		Addr:           cfg.ListenAddr(),
		Handler:        corsMiddleware(requestLogger(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /summary/{id}", s.handleSummary)
	mux.HandleFunc("GET /master_data/{id}", s.handleMasterData)
	mux.HandleFunc("GET /store/{id}", s.handleStore)
	mux.HandleFunc("PUT /auth/{id}", s.handlePutAuth)
	mux.HandleFunc("GET /auth/{id}", s.handleGetAuth)

	if s.cfg.EnableSingle {
		mux.HandleFunc("GET /summary", s.single(s.handleSummaryFor))
		mux.HandleFunc("GET /master_data", s.single(s.handleMasterDataFor))
		mux.HandleFunc("GET /store", s.single(s.handleStoreFor))
	}

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.bus.Recent())
	})
	mux.HandleFunc("GET /events/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.logs.Recent())
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.auths.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "storage": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
