package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mailmirror/internal/model"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, account, want string
	}{
		{"mailmirror", "a1", "mailmirror.a1.sync.committed"},
		{"mailmirror.", "a1", "mailmirror.a1.sync.committed"},
		{"org.mail", "b2", "org.mail.b2.sync.committed"},
	}
	for _, tt := range tests {
		if got := Subject(tt.prefix, tt.account); got != tt.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tt.prefix, tt.account, got, tt.want)
		}
	}
}

func TestEventEncoding(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	acct := model.Account{ID: "a1", UserID: "u1", Address: "me@example.com"}
	res := model.SyncResult{AccountID: "a1", Mode: model.ModeIncremental, Added: 3, Deleted: 1, TotalMessages: 42}

	ev := newEvent(acct, res, at)
	if ev.ID == "" {
		t.Fatal("event id is empty")
	}
	if other := newEvent(acct, res, at); other.ID == ev.ID {
		t.Fatal("event ids repeat")
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["mode"] != "incremental" || got["added"] != float64(3) || got["total_messages"] != float64(42) {
		t.Fatalf("payload %s", b)
	}
	if got["committed_at"] != "2024-06-01T11:00:00Z" {
		t.Fatalf("committed_at = %v", got["committed_at"])
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Notify(context.Background(), model.Account{}, model.SyncResult{}); err != nil {
		t.Fatalf("Nop.Notify: %v", err)
	}
}
