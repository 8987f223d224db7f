// Package cleanup applies bulk actions to every mirrored message of a sender.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mailmirror/internal/model"
	"mailmirror/internal/provider"
)

type Action string

const (
	ActionTrash   Action = "trash"
	ActionArchive Action = "archive"
)

var (
	ErrUnknownAction = errors.New("cleanup: unknown action")
	ErrNoMessages    = errors.New("cleanup: sender has no mirrored messages")
	ErrNotConnected  = errors.New("cleanup: account is not connected")
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionTrash, ActionArchive:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

type Store interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error
	MessagesForSender(ctx context.Context, accountID string, key model.SenderKey) ([]model.Message, error)
	DeleteMessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) ([]model.SenderKey, int, error)
	UpdateMessageState(ctx context.Context, accountID, remoteID string, unread bool, labels []string) (model.SenderKey, bool, error)
	RecomputeAggregate(ctx context.Context, accountID string, key model.SenderKey) error
}

// CleanerFactory returns the write side of the provider for acct.
type CleanerFactory func(ctx context.Context, acct model.Account) (provider.Cleaner, error)

type Result struct {
	Action   Action          `json:"action"`
	Sender   model.SenderKey `json:"sender"`
	Messages int             `json:"messages"`
}

type Service struct {
	store    Store
	cleaners CleanerFactory
	log      *slog.Logger
}

func New(store Store, cleaners CleanerFactory, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, cleaners: cleaners, log: log}
}

// Apply runs action on the provider for every message of key, then mirrors
// the effect locally and recomputes the sender's aggregate.
func (s *Service) Apply(ctx context.Context, accountID string, key model.SenderKey, action Action) (Result, error) {
	res := Result{Action: action, Sender: key}
	if _, err := ParseAction(string(action)); err != nil {
		return res, err
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	if acct.Status != model.StatusConnected {
		return res, fmt.Errorf("%w: %s is %s", ErrNotConnected, acct.ID, acct.Status)
	}
	msgs, err := s.store.MessagesForSender(ctx, accountID, key)
	if err != nil {
		return res, err
	}
	if len(msgs) == 0 {
		return res, fmt.Errorf("%w: %s", ErrNoMessages, key)
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.RemoteID
	}

	cleaner, err := s.cleaners(ctx, acct)
	if err == nil {
		switch action {
		case ActionTrash:
			err = cleaner.Trash(ctx, ids)
		case ActionArchive:
			err = cleaner.Archive(ctx, ids)
		}
	}
	if err != nil {
		if provider.IsAuthExpired(err) {
			if serr := s.store.SetAccountStatus(context.WithoutCancel(ctx), acct.ID, model.StatusExpired); serr != nil {
				s.log.Error("mark account expired", "account_id", acct.ID, "error", serr)
			}
		}
		return res, fmt.Errorf("%s %d messages of %s: %w", action, len(ids), key, err)
	}

	wctx := context.WithoutCancel(ctx)
	switch action {
	case ActionTrash:
		_, n, err := s.store.DeleteMessagesByRemoteID(wctx, accountID, ids)
		if err != nil {
			return res, err
		}
		res.Messages = n
	case ActionArchive:
		for _, m := range msgs {
			if _, found, err := s.store.UpdateMessageState(wctx, accountID, m.RemoteID, m.Unread, withoutLabel(m.Labels, provider.LabelInbox)); err != nil {
				return res, err
			} else if found {
				res.Messages++
			}
		}
	}
	if err := s.store.RecomputeAggregate(wctx, accountID, key); err != nil {
		return res, err
	}
	s.log.Info("cleanup applied", "account_id", accountID, "action", action, "sender", key.Address, "messages", res.Messages)
	return res, nil
}

func withoutLabel(labels []string, drop string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != drop {
			out = append(out, l)
		}
	}
	return out
}
