package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailmirror/internal/cleanup"
	"mailmirror/internal/model"
	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
	"mailmirror/internal/reconcile"
	"mailmirror/internal/store"
)

type fakeStore struct {
	pingErr  error
	accounts []model.Account
	senders  []model.SenderAggregate
	limit    int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListAccounts(context.Context) ([]model.Account, error) { return f.accounts, nil }

func (f *fakeStore) GetAccount(_ context.Context, id string) (model.Account, error) {
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return model.Account{}, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
}

func (f *fakeStore) ListAggregates(_ context.Context, _ string, limit int) ([]model.SenderAggregate, error) {
	f.limit = limit
	return f.senders, nil
}

type fakeSyncer struct {
	res  model.SyncResult
	err  error
	opts reconcile.Options
}

func (f *fakeSyncer) Sync(_ context.Context, _ string, opts reconcile.Options) (model.SyncResult, error) {
	f.opts = opts
	return f.res, f.err
}

type fakeCleaner struct {
	key    model.SenderKey
	action cleanup.Action
	err    error
}

func (f *fakeCleaner) Apply(_ context.Context, _ string, key model.SenderKey, action cleanup.Action) (cleanup.Result, error) {
	f.key, f.action = key, action
	if f.err != nil {
		return cleanup.Result{}, f.err
	}
	return cleanup.Result{Action: action, Sender: key, Messages: 4}, nil
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	st := &fakeStore{}
	s := New(st, &fakeSyncer{}, &fakeCleaner{}, nil)
	if rec := serve(s, "GET", "/api/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy: %d", rec.Code)
	}
	st.pingErr = errors.New("db down")
	if rec := serve(s, "GET", "/api/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: %d", rec.Code)
	}
}

func TestSyncHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"ok", nil, http.StatusOK, `"added":2`},
		{"throttled", &policy.ThrottledError{Plan: "free", RetryAfter: 90500 * time.Millisecond}, http.StatusTooManyRequests, `"retry_after_seconds":91`},
		{"not found", fmt.Errorf("account x: %w", store.ErrNotFound), http.StatusNotFound, "account not found"},
		{"in progress", reconcile.ErrSyncInProgress, http.StatusConflict, "already running"},
		{"auth", fmt.Errorf("sync a1: %w", &provider.AuthError{Op: "history.list", Err: errors.New("401 invalid credentials")}), http.StatusUnauthorized, "reconnect"},
		{"transient", fmt.Errorf("sync a1: messages.get after 3 attempts: %w: backend error", provider.ErrTransient), http.StatusBadGateway, `"error":"sync failed"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sy := &fakeSyncer{res: model.SyncResult{AccountID: "a1", Mode: model.ModeIncremental, Added: 2}, err: tt.err}
			s := New(&fakeStore{}, sy, &fakeCleaner{}, nil)
			rec := serve(s, "POST", "/api/accounts/a1/sync?full=true", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body %s missing %s", rec.Body, tt.wantBody)
			}
			if strings.Contains(rec.Body.String(), "backend error") || strings.Contains(rec.Body.String(), "invalid credentials") {
				t.Fatalf("raw provider error leaked: %s", rec.Body)
			}
			if !sy.opts.ForceFull {
				t.Fatal("full=true not forwarded")
			}
		})
	}

	s := New(&fakeStore{}, &fakeSyncer{err: &policy.ThrottledError{RetryAfter: 2 * time.Minute}}, &fakeCleaner{}, nil)
	if got := serve(s, "POST", "/api/accounts/a1/sync", "").Header().Get("Retry-After"); got != "120" {
		t.Fatalf("Retry-After = %q", got)
	}
}

func TestListSenders(t *testing.T) {
	st := &fakeStore{
		accounts: []model.Account{{ID: "a1"}},
		senders:  []model.SenderAggregate{{AccountID: "a1", SenderAddress: "news@shop.example", SenderName: "Shop", Count: 7}},
	}
	s := New(st, &fakeSyncer{}, &fakeCleaner{}, nil)

	rec := serve(s, "GET", "/api/accounts/a1/senders?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var got []model.SenderAggregate
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Count != 7 || st.limit != 10 {
		t.Fatalf("senders %+v limit %d", got, st.limit)
	}

	if rec := serve(s, "GET", "/api/accounts/zz/senders", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account: %d", rec.Code)
	}
	if rec := serve(s, "GET", "/api/accounts/a1/senders?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestSenderAction(t *testing.T) {
	cl := &fakeCleaner{}
	s := New(&fakeStore{}, &fakeSyncer{}, cl, nil)

	rec := serve(s, "POST", "/api/accounts/a1/senders/trash", `{"address":"news@shop.example","name":"Shop"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if cl.action != cleanup.ActionTrash || cl.key.Name != "Shop" {
		t.Fatalf("cleaner got %v %+v", cl.action, cl.key)
	}

	rec = serve(s, "POST", "/api/accounts/a1/senders/archive", `{"address":" News+promo@Shop.Example ","name":"Shop"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if cl.key.Address != "news@shop.example" {
		t.Fatalf("address not normalized: %q", cl.key.Address)
	}

	if rec := serve(s, "POST", "/api/accounts/a1/senders/explode", `{"address":"x@y"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: %d", rec.Code)
	}
	if rec := serve(s, "POST", "/api/accounts/a1/senders/archive", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing address: %d", rec.Code)
	}
	if rec := serve(s, "POST", "/api/accounts/a1/senders/archive", `{"address":"not-an-address"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid address: %d", rec.Code)
	}

	cl.err = fmt.Errorf("%w: x", cleanup.ErrNoMessages)
	if rec := serve(s, "POST", "/api/accounts/a1/senders/archive", `{"address":"x@y"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("no messages: %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	s := New(&fakeStore{}, &fakeSyncer{}, &fakeCleaner{}, nil)
	rec := serve(s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
