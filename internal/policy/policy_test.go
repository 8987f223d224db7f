package policy

import (
	"errors"
	"testing"
	"time"

	"mailmirror/internal/model"
)

func TestAuthorize(t *testing.T) {
	p, err := New(nil, "free")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		name      string
		acct      model.Account
		throttled bool
		retry     time.Duration
	}{
		{"never synced", model.Account{Plan: "free"}, false, 0},
		{"free too soon", model.Account{Plan: "free", LastSyncedAt: ago(5 * time.Minute)}, true, 10 * time.Minute},
		{"free after interval", model.Account{Plan: "free", LastSyncedAt: ago(15 * time.Minute)}, false, 0},
		{"pro too soon", model.Account{Plan: "pro", LastSyncedAt: ago(time.Minute)}, true, time.Minute},
		{"unlimited", model.Account{Plan: "unlimited", LastSyncedAt: ago(time.Second)}, false, 0},
		{"unknown plan uses default", model.Account{Plan: "gold", LastSyncedAt: ago(time.Minute)}, true, 14 * time.Minute},
	}
	for _, tc := range tests {
		_, err := p.Authorize(tc.acct, now)
		if !tc.throttled {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		var te *ThrottledError
		if !errors.As(err, &te) || !errors.Is(err, ErrThrottled) {
			t.Errorf("%s: err = %v; want ThrottledError", tc.name, err)
			continue
		}
		if te.RetryAfter != tc.retry {
			t.Errorf("%s: retry after %s; want %s", tc.name, te.RetryAfter, tc.retry)
		}
	}
}

func TestTierBudget(t *testing.T) {
	p, _ := New([]Tier{{Name: "tiny", MaxMessageBudget: 10}, {Name: "big"}}, "big")
	if got := p.Tier("tiny").MaxMessageBudget; got != 10 {
		t.Fatalf("tiny budget got %d", got)
	}
	if got := p.Tier("").MaxMessageBudget; got != 0 {
		t.Fatalf("default budget got %d", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New([]Tier{{Name: "a"}}, "b"); err == nil {
		t.Fatal("missing default tier accepted")
	}
	if _, err := New([]Tier{{Name: "a", MaxMessageBudget: -1}}, "a"); err == nil {
		t.Fatal("negative budget accepted")
	}
}
