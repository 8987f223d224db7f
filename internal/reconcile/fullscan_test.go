package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailmirror/internal/gmail"
	"mailmirror/internal/model"
	"mailmirror/internal/provider"
)

// failingStore injects write failures in front of the real store.
type failingStore struct {
	Store
	batchErr   error
	replaceErr error
	badIDs     map[string]bool
}

func (f *failingStore) UpsertMessages(ctx context.Context, msgs []model.Message) ([]bool, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.Store.UpsertMessages(ctx, msgs)
}

func (f *failingStore) UpsertMessage(ctx context.Context, m model.Message) (bool, error) {
	if f.badIDs[m.RemoteID] {
		return false, errors.New("constraint failed")
	}
	return f.Store.UpsertMessage(ctx, m)
}

func (f *failingStore) ReplaceAccountMessages(ctx context.Context, accountID string, msgs []model.Message) ([]model.SenderKey, int, error) {
	if f.replaceErr != nil {
		return nil, 0, f.replaceErr
	}
	return f.Store.ReplaceAccountMessages(ctx, accountID, msgs)
}

func TestFullScanSkipsMalformedMessage(t *testing.T) {
	h := newHarness(t, "unlimited", Config{})
	seed(h)
	h.box.put(raw("m6", "undisclosed-recipients", 6))

	res := h.sync(t, Options{})
	if !res.Committed || res.Skipped != 1 || res.Excluded != 1 || res.Added != 3 {
		t.Fatalf("result %+v", res)
	}
	h.checkTotals(t, 3)
}

func TestFullScanRebuildFallsBackPerMessage(t *testing.T) {
	h := newHarness(t, "unlimited", Config{})
	seed(h)
	h.useStore(&failingStore{
		Store:      h.store,
		replaceErr: errors.New("database is locked"),
		badIDs:     map[string]bool{"m2": true},
	})

	res := h.sync(t, Options{})
	if !res.Committed || res.Failed != 1 || res.Added != 2 {
		t.Fatalf("result %+v", res)
	}
	h.checkTotals(t, 2)
	if agg, _ := h.aggregate(t, "alice@example.com", "Alice"); agg.Count != 1 || agg.UnreadCount != 1 {
		t.Fatalf("alice aggregate %+v", agg)
	}
}

func TestAbortBeforeEnumerationKeepsCursor(t *testing.T) {
	h := newHarness(t, "unlimited", Config{})
	seed(h)
	h.sync(t, Options{})

	h.box.entered = make(chan struct{})
	h.box.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.box.entered
		cancel()
		close(h.box.block)
	}()

	res, err := h.rec.Sync(ctx, h.acct.ID, Options{ForceFull: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if !res.Truncated || res.Committed {
		t.Fatalf("result %+v", res)
	}
	if c := h.account(t).HistoryCursor; c != "100" {
		t.Fatalf("cursor = %q, want 100 kept", c)
	}
	h.checkTotals(t, 3)
}

// gmailServer serves a profile, an id listing and metadata for ids.
func gmailServer(t *testing.T, ids []string) *gmail.Client {
	t.Helper()
	const prefix = "/gmail/v1/users/me/"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch path := strings.TrimPrefix(r.URL.Path, prefix); {
		case path == "profile":
			json.NewEncoder(w).Encode(map[string]any{"emailAddress": "me@example.com", "historyId": "700"})
		case path == "messages":
			var list []map[string]string
			for _, id := range ids {
				list = append(list, map[string]string{"id": id})
			}
			json.NewEncoder(w).Encode(map[string]any{"messages": list})
		case strings.HasPrefix(path, "messages/"):
			id := strings.TrimPrefix(path, "messages/")
			json.NewEncoder(w).Encode(map[string]any{
				"id":           id,
				"threadId":     "t-" + id,
				"labelIds":     []string{"INBOX"},
				"internalDate": "1700000000000",
				"payload": map[string]any{
					"headers": []map[string]string{
						{"name": "From", "value": "Alice <alice@example.com>"},
						{"name": "Subject", "value": "about " + id},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	svc, err := gmailv1.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	// Three requests pass at once, then one every 500ms.
	return gmail.New(svc, gmail.Options{RequestsPerSecond: 2, Burst: 3})
}

func TestRateLimitedFullScanEndsAtBudget(t *testing.T) {
	h := newHarness(t, "unlimited", Config{FetchChunk: 1, FullScanBudget: 750 * time.Millisecond})
	h.client = gmailServer(t, []string{"g1", "g2", "g3", "g4"})

	res, err := h.rec.Sync(context.Background(), h.acct.ID, Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Truncated || res.Committed {
		t.Fatalf("result %+v", res)
	}
	if res.Added < 1 || res.Added > 3 {
		t.Fatalf("added = %d, want a partial prefix", res.Added)
	}
	ctx := context.Background()
	n, _ := h.store.CountMessages(ctx, h.acct.ID)
	sum, _ := h.store.SumAggregateCounts(ctx, h.acct.ID)
	if n != res.Added || sum != res.Added {
		t.Fatalf("messages=%d aggregates=%d, want %d", n, sum, res.Added)
	}
	acct := h.account(t)
	if acct.HasCursor() || acct.LastSyncedAt != nil {
		t.Fatalf("truncated scan committed: %+v", acct)
	}
}

func TestTransientDeadlineFailsFullScan(t *testing.T) {
	h := newHarness(t, "unlimited", Config{})
	h.client = &failingList{fakeMailbox: h.box, err: errors.Join(provider.ErrTransient, context.DeadlineExceeded)}

	res, err := h.rec.Sync(context.Background(), h.acct.ID, Options{})
	if !provider.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if res.Truncated || res.Committed {
		t.Fatalf("result %+v", res)
	}
}

type failingList struct {
	*fakeMailbox
	err error
}

func (f *failingList) ListAllIDs(context.Context, int) ([]string, error) { return nil, f.err }
