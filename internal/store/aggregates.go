package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailmirror/internal/model"
)

type aggregateRow struct {
	AccountID       string `db:"account_id"`
	SenderAddress   string `db:"sender_address"`
	SenderName      string `db:"sender_name"`
	MessageCount    int64  `db:"message_count"`
	UnreadCount     int64  `db:"unread_count"`
	FirstAt         int64  `db:"first_at"`
	LastAt          int64  `db:"last_at"`
	UnsubscribeLink string `db:"unsubscribe_link"`
	OneClick        bool   `db:"one_click"`
	Newsletter      bool   `db:"newsletter"`
	Promotional     bool   `db:"promotional"`
}

func (r aggregateRow) toModel() model.SenderAggregate {
	return model.SenderAggregate{
		AccountID:       r.AccountID,
		SenderAddress:   r.SenderAddress,
		SenderName:      r.SenderName,
		Count:           int(r.MessageCount),
		UnreadCount:     int(r.UnreadCount),
		FirstAt:         time.UnixMilli(r.FirstAt).UTC(),
		LastAt:          time.UnixMilli(r.LastAt).UTC(),
		UnsubscribeLink: r.UnsubscribeLink,
		OneClick:        r.OneClick,
		Newsletter:      r.Newsletter,
		Promotional:     r.Promotional,
	}
}

const aggregateColumns = `account_id, sender_address, sender_name, message_count, unread_count, first_at, last_at,
	unsubscribe_link, one_click, newsletter, promotional`

// RecomputeAggregate rebuilds the aggregate of one sender key from the
// messages currently mirrored for it. A key with no messages loses its
// aggregate row. Recomputes of the same key are serialized.
func (s *Store) RecomputeAggregate(ctx context.Context, accountID string, key model.SenderKey) error {
	unlock := s.locks.Lock(accountID + "\x00" + key.Address + "\x00" + key.Name)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rows []messageRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND sender_address = ? AND sender_name = ?
		ORDER BY received_at DESC, remote_id`), accountID, key.Address, key.Name); err != nil {
		return fmt.Errorf("read messages for %s: %w", key, err)
	}

	if len(rows) == 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM sender_aggregates
			WHERE account_id = ? AND sender_address = ? AND sender_name = ?`),
			accountID, key.Address, key.Name); err != nil {
			return fmt.Errorf("delete aggregate %s: %w", key, err)
		}
		return tx.Commit()
	}

	agg := foldAggregate(accountID, key, rows)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sender_aggregates (`+aggregateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, sender_address, sender_name) DO UPDATE SET
			message_count    = excluded.message_count,
			unread_count     = excluded.unread_count,
			first_at         = excluded.first_at,
			last_at          = excluded.last_at,
			unsubscribe_link = excluded.unsubscribe_link,
			one_click        = excluded.one_click,
			newsletter       = excluded.newsletter,
			promotional      = excluded.promotional`),
		agg.AccountID, agg.SenderAddress, agg.SenderName, agg.MessageCount, agg.UnreadCount, agg.FirstAt, agg.LastAt,
		agg.UnsubscribeLink, agg.OneClick, agg.Newsletter, agg.Promotional); err != nil {
		return fmt.Errorf("upsert aggregate %s: %w", key, err)
	}
	return tx.Commit()
}

// foldAggregate expects rows newest first; the unsubscribe link comes from
// the newest message that carries one, HTTP preferred over mailto.
func foldAggregate(accountID string, key model.SenderKey, rows []messageRow) aggregateRow {
	agg := aggregateRow{
		AccountID:     accountID,
		SenderAddress: key.Address,
		SenderName:    key.Name,
		FirstAt:       rows[0].ReceivedAt,
		LastAt:        rows[0].ReceivedAt,
	}
	var mailto string
	for _, r := range rows {
		agg.MessageCount++
		if r.Unread {
			agg.UnreadCount++
		}
		if r.ReceivedAt < agg.FirstAt {
			agg.FirstAt = r.ReceivedAt
		}
		if r.ReceivedAt > agg.LastAt {
			agg.LastAt = r.ReceivedAt
		}
		if agg.UnsubscribeLink == "" && r.UnsubscribeURL != "" {
			agg.UnsubscribeLink = r.UnsubscribeURL
			agg.OneClick = r.OneClick
		}
		if mailto == "" {
			mailto = r.UnsubscribeMailto
		}
		agg.Newsletter = agg.Newsletter || r.Newsletter
		agg.Promotional = agg.Promotional || r.Promotional
	}
	if agg.UnsubscribeLink == "" {
		agg.UnsubscribeLink = mailto
	}
	return agg
}

// GetAggregate returns the aggregate of one key; found is false when none exists.
func (s *Store) GetAggregate(ctx context.Context, accountID string, key model.SenderKey) (agg model.SenderAggregate, found bool, err error) {
	var row aggregateRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+aggregateColumns+` FROM sender_aggregates
		WHERE account_id = ? AND sender_address = ? AND sender_name = ?`), accountID, key.Address, key.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, false, nil
	}
	if err != nil {
		return agg, false, fmt.Errorf("get aggregate %s: %w", key, err)
	}
	return row.toModel(), true, nil
}

// ListAggregates returns the account's senders ordered by count desc, then
// address and name. limit <= 0 returns all.
func (s *Store) ListAggregates(ctx context.Context, accountID string, limit int) ([]model.SenderAggregate, error) {
	q := `SELECT ` + aggregateColumns + ` FROM sender_aggregates WHERE account_id = ?
		ORDER BY message_count DESC, sender_address, sender_name`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []aggregateRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list aggregates of %s: %w", accountID, err)
	}
	out := make([]model.SenderAggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
