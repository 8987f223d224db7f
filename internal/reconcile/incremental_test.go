package reconcile

import (
	"errors"
	"testing"

	"mailmirror/internal/provider"
)

func TestIncrementalBatchFailureRetriesPerMessage(t *testing.T) {
	h := newHarness(t, "unlimited", Config{})
	seed(h)
	h.sync(t, Options{})

	h.useStore(&failingStore{
		Store:    h.store,
		batchErr: errors.New("too many SQL variables"),
		badIDs:   map[string]bool{"m7": true},
	})
	h.box.put(
		raw("m6", "Carol <carol@example.com>", 6),
		raw("m7", "Carol <carol@example.com>", 7),
	)
	h.box.setHistory(provider.HistoryPage{Added: []string{"m6", "m7"}, NewCursor: "104"}, nil)

	res := h.sync(t, Options{})
	if !res.Committed || res.Added != 1 || res.Failed != 1 {
		t.Fatalf("result %+v", res)
	}
	h.checkTotals(t, 4)
	if agg, _ := h.aggregate(t, "carol@example.com", "Carol"); agg.Count != 1 {
		t.Fatalf("carol aggregate %+v", agg)
	}
}

func TestQuietSyncDoesNotRefetchUnmirrorable(t *testing.T) {
	h := newHarness(t, "unlimited", Config{})
	seed(h)
	h.sync(t, Options{})
	h.box.setHistory(provider.HistoryPage{NewCursor: "100"}, nil)

	// m5 is self-sent: the first quiet run fetches it once and learns it
	// never lands in the mirror.
	gets := h.box.getCount()
	res := h.sync(t, Options{})
	if res.Added != 0 || res.Excluded != 1 {
		t.Fatalf("first quiet run %+v", res)
	}
	if h.box.getCount() != gets+1 {
		t.Fatalf("metadata fetches = %d, want %d", h.box.getCount(), gets+1)
	}

	gets = h.box.getCount()
	res = h.sync(t, Options{})
	if res.Added != 0 || res.Excluded != 0 {
		t.Fatalf("second quiet run %+v", res)
	}
	if h.box.getCount() != gets {
		t.Fatalf("self-sent message fetched again")
	}

	// A new message is still picked up.
	h.box.put(raw("m8", "Erin <erin@example.com>", 8))
	res = h.sync(t, Options{})
	if res.Added != 1 {
		t.Fatalf("third quiet run %+v", res)
	}
	h.checkTotals(t, 4)
}
