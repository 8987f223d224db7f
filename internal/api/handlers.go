package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"mailmirror/internal/classify"
	"mailmirror/internal/cleanup"
	"mailmirror/internal/model"
	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
	"mailmirror/internal/reconcile"
	"mailmirror/internal/store"
)

type errorResponse struct {
	Error             string            `json:"error"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
	Result            *model.SyncResult `json:"result,omitempty"`
}

type senderActionRequest struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("Health check failed", "error", err)
		writeJSONResponse(w, map[string]bool{"ok": false}, http.StatusServiceUnavailable)
		return
	}
	writeJSONResponse(w, map[string]bool{"ok": true}, http.StatusOK)
}

func (s *Server) listAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		s.log.Error("Failed to list accounts", "error", err)
		http.Error(w, "Failed to retrieve accounts", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, accounts, http.StatusOK)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	opts := reconcile.Options{}
	if full, err := strconv.ParseBool(r.URL.Query().Get("full")); err == nil {
		opts.ForceFull = full
	}

	res, err := s.syncer.Sync(r.Context(), accountID, opts)
	if err == nil {
		writeJSONResponse(w, res, http.StatusOK)
		return
	}

	var throttled *policy.ThrottledError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, errorResponse{Error: "account not found"}, http.StatusNotFound)
	case errors.As(err, &throttled):
		secs := int(math.Ceil(throttled.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSONResponse(w, errorResponse{Error: "sync throttled", RetryAfterSeconds: secs}, http.StatusTooManyRequests)
	case errors.Is(err, reconcile.ErrSyncInProgress):
		writeJSONResponse(w, errorResponse{Error: "sync already running"}, http.StatusConflict)
	case errors.Is(err, reconcile.ErrDisconnected):
		writeJSONResponse(w, errorResponse{Error: "account disconnected"}, http.StatusConflict)
	case provider.IsAuthExpired(err):
		writeJSONResponse(w, errorResponse{Error: "authorization expired, reconnect the account", Result: &res}, http.StatusUnauthorized)
	default:
		s.log.Error("Sync failed", "account_id", accountID, "error", err)
		writeJSONResponse(w, errorResponse{Error: "sync failed", Result: &res}, http.StatusBadGateway)
	}
}

func (s *Server) listSendersHandler(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if _, err := s.store.GetAccount(r.Context(), accountID); err != nil {
		s.accountError(w, accountID, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	senders, err := s.store.ListAggregates(r.Context(), accountID, limit)
	if err != nil {
		s.log.Error("Failed to list senders", "account_id", accountID, "error", err)
		http.Error(w, "Failed to retrieve senders", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, senders, http.StatusOK)
}

func (s *Server) senderActionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID := vars["id"]
	action, err := cleanup.ParseAction(vars["action"])
	if err != nil {
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}
	var req senderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	address := classify.NormalizeAddress(req.Address)
	if address == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	key := model.SenderKey{Address: address, Name: req.Name}
	res, err := s.cleaner.Apply(r.Context(), accountID, key, action)
	switch {
	case err == nil:
		writeJSONResponse(w, res, http.StatusOK)
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, errorResponse{Error: "account not found"}, http.StatusNotFound)
	case errors.Is(err, cleanup.ErrNoMessages):
		writeJSONResponse(w, errorResponse{Error: "sender has no messages"}, http.StatusNotFound)
	case errors.Is(err, cleanup.ErrNotConnected):
		writeJSONResponse(w, errorResponse{Error: "account not connected"}, http.StatusConflict)
	case provider.IsAuthExpired(err):
		writeJSONResponse(w, errorResponse{Error: "authorization expired, reconnect the account"}, http.StatusUnauthorized)
	default:
		s.log.Error("Sender action failed", "account_id", accountID, "action", action, "error", err)
		writeJSONResponse(w, errorResponse{Error: string(action) + " failed"}, http.StatusBadGateway)
	}
}

func (s *Server) accountError(w http.ResponseWriter, accountID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, errorResponse{Error: "account not found"}, http.StatusNotFound)
		return
	}
	s.log.Error("Failed to get account", "account_id", accountID, "error", err)
	http.Error(w, "Failed to retrieve account", http.StatusInternalServerError)
}

func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")

	serializedBody, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal JSON", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(statusCode)

	if _, err := w.Write(serializedBody); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
