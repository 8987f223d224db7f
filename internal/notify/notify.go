// Package notify publishes sync events to NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"mailmirror/internal/model"
)

// SyncEvent is published on every committed sync.
type SyncEvent struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	UserID         string         `json:"user_id"`
	Address        string         `json:"address"`
	Mode           model.SyncMode `json:"mode"`
	FellBack       bool           `json:"fell_back"`
	Added          int            `json:"added"`
	Deleted        int            `json:"deleted"`
	Updated        int            `json:"updated"`
	OrphansRemoved int            `json:"orphans_removed"`
	TotalMessages  int            `json:"total_messages"`
	CommittedAt    time.Time      `json:"committed_at"`
}

func newEvent(acct model.Account, res model.SyncResult, at time.Time) SyncEvent {
	return SyncEvent{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		UserID:         acct.UserID,
		Address:        acct.Address,
		Mode:           res.Mode,
		FellBack:       res.FellBack,
		Added:          res.Added,
		Deleted:        res.Deleted,
		Updated:        res.Updated,
		OrphansRemoved: res.OrphansRemoved,
		TotalMessages:  res.TotalMessages,
		CommittedAt:    at.UTC(),
	}
}

// Subject is <prefix>.<account id>.sync.committed.
func Subject(prefix, accountID string) string {
	return strings.TrimSuffix(prefix, ".") + "." + accountID + ".sync.committed"
}

// Publisher wraps a JetStream context for sync events.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	prefix string
}

func NewPublisher(url, stream, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailmirror"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return &Publisher{nc: nc, js: js, stream: stream, prefix: prefix}, nil
}

// EnsureStream creates the event stream when it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(p.stream, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{strings.TrimSuffix(p.prefix, ".") + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (p *Publisher) Notify(ctx context.Context, acct model.Account, res model.SyncResult) error {
	ev := newEvent(acct, res, time.Now())
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(Subject(p.prefix, acct.ID), payload, nats.MsgId(ev.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish sync event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Nop drops every event. It is used when NATS is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, model.Account, model.SyncResult) error { return nil }
