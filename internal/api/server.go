// Package api exposes sync triggers and sender statistics over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mailmirror/internal/cleanup"
	"mailmirror/internal/model"
	"mailmirror/internal/reconcile"
)

type Store interface {
	Ping(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAggregates(ctx context.Context, accountID string, limit int) ([]model.SenderAggregate, error)
}

type Syncer interface {
	Sync(ctx context.Context, accountID string, opts reconcile.Options) (model.SyncResult, error)
}

type Cleaner interface {
	Apply(ctx context.Context, accountID string, key model.SenderKey, action cleanup.Action) (cleanup.Result, error)
}

type Server struct {
	store   Store
	syncer  Syncer
	cleaner Cleaner
	log     *slog.Logger
}

func New(store Store, syncer Syncer, cleaner Cleaner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: store, syncer: syncer, cleaner: cleaner, log: log}
}

// Router registers every route on a fresh mux router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/").Subrouter()
	api.HandleFunc("/health", s.healthHandler).Methods("GET")
	api.HandleFunc("/accounts", s.listAccountsHandler).Methods("GET")
	api.HandleFunc("/accounts/{id}/sync", s.syncHandler).Methods("POST")
	api.HandleFunc("/accounts/{id}/senders", s.listSendersHandler).Methods("GET")
	api.HandleFunc("/accounts/{id}/senders/{action}", s.senderActionHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Handler wraps the router with CORS for the given origins.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	})
	return c.Handler(s.Router())
}

// ListenAndServe serves handler on addr until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Handler:      handler,
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Minute, // a full scan runs inside the request
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting web server.", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
