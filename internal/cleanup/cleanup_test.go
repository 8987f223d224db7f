package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"mailmirror/internal/model"
	"mailmirror/internal/provider"
	"mailmirror/internal/store"
)

type fakeCleaner struct {
	trashed  []string
	archived []string
	err      error
}

func (f *fakeCleaner) Trash(_ context.Context, ids []string) error {
	if f.err != nil {
		return f.err
	}
	f.trashed = append(f.trashed, ids...)
	return nil
}

func (f *fakeCleaner) Archive(_ context.Context, ids []string) error {
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, ids...)
	return nil
}

func setup(t *testing.T) (*store.Store, model.Account, *fakeCleaner, *Service) {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cleanup.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	acct, err := s.CreateAccount(ctx, model.Account{UserID: "u1", Address: "me@example.com", Plan: "free"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	var msgs []model.Message
	for i, row := range []struct{ id, addr, name string }{
		{"r1", "news@shop.example", "Shop"},
		{"r2", "news@shop.example", "Shop"},
		{"r3", "friend@example.com", "Friend"},
	} {
		msgs = append(msgs, model.Message{
			AccountID:     acct.ID,
			RemoteID:      row.id,
			SenderAddress: row.addr,
			SenderName:    row.name,
			ReceivedAt:    time.Date(2024, 5, i+1, 8, 0, 0, 0, time.UTC),
			Unread:        true,
			Labels:        []string{provider.LabelInbox, provider.LabelUnread},
		})
	}
	if _, err := s.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("UpsertMessages: %v", err)
	}
	for _, m := range msgs {
		if err := s.RecomputeAggregate(ctx, acct.ID, m.Key()); err != nil {
			t.Fatalf("RecomputeAggregate: %v", err)
		}
	}

	fc := &fakeCleaner{}
	svc := New(s, func(context.Context, model.Account) (provider.Cleaner, error) { return fc, nil }, nil)
	return s, acct, fc, svc
}

var shop = model.SenderKey{Address: "news@shop.example", Name: "Shop"}

func TestApplyTrash(t *testing.T) {
	s, acct, fc, svc := setup(t)
	ctx := context.Background()

	res, err := svc.Apply(ctx, acct.ID, shop, ActionTrash)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Messages != 2 {
		t.Fatalf("messages = %d, want 2", res.Messages)
	}
	slices.Sort(fc.trashed)
	if !slices.Equal(fc.trashed, []string{"r1", "r2"}) {
		t.Fatalf("trashed %v", fc.trashed)
	}
	if _, found, _ := s.GetAggregate(ctx, acct.ID, shop); found {
		t.Fatal("aggregate should be removed after trash")
	}
	if n, _ := s.CountMessages(ctx, acct.ID); n != 1 {
		t.Fatalf("remaining messages = %d, want 1", n)
	}
}

func TestApplyArchive(t *testing.T) {
	s, acct, fc, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, acct.ID, shop, ActionArchive); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(fc.archived) != 2 {
		t.Fatalf("archived %v", fc.archived)
	}
	m, err := s.GetMessage(ctx, acct.ID, "r1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if slices.Contains(m.Labels, provider.LabelInbox) || !m.Unread {
		t.Fatalf("archived message %+v", m)
	}
	agg, found, _ := s.GetAggregate(ctx, acct.ID, shop)
	if !found || agg.Count != 2 {
		t.Fatalf("aggregate after archive %+v", agg)
	}
}

func TestApplyErrors(t *testing.T) {
	s, acct, fc, svc := setup(t)
	ctx := context.Background()

	if _, err := svc.Apply(ctx, acct.ID, shop, "delete"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown action: %v", err)
	}
	if _, err := svc.Apply(ctx, acct.ID, model.SenderKey{Address: "nobody@example.com"}, ActionTrash); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("empty sender: %v", err)
	}

	fc.err = &provider.AuthError{Op: "messages.trash", Err: errors.New("401")}
	if _, err := svc.Apply(ctx, acct.ID, shop, ActionTrash); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("auth: %v", err)
	}
	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if n, _ := s.CountMessages(ctx, acct.ID); n != 3 {
		t.Fatalf("failed cleanup touched mirror: %d messages", n)
	}

	if _, err := svc.Apply(ctx, acct.ID, shop, ActionTrash); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expired account: %v", err)
	}
}
