package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailmirror/internal/model"
)

// inChunk bounds the number of bound parameters in one IN (...) query.
const inChunk = 500

type messageRow struct {
	ID                string `db:"id"`
	AccountID         string `db:"account_id"`
	RemoteID          string `db:"remote_id"`
	SenderAddress     string `db:"sender_address"`
	SenderName        string `db:"sender_name"`
	Subject           string `db:"subject"`
	Snippet           string `db:"snippet"`
	ReceivedAt        int64  `db:"received_at"`
	Unread            bool   `db:"unread"`
	ThreadID          string `db:"thread_id"`
	Labels            string `db:"labels"`
	UnsubscribeURL    string `db:"unsubscribe_url"`
	UnsubscribeMailto string `db:"unsubscribe_mailto"`
	OneClick          bool   `db:"one_click"`
	Newsletter        bool   `db:"newsletter"`
	Promotional       bool   `db:"promotional"`
}

func (r messageRow) toModel() model.Message {
	return model.Message{
		ID:                r.ID,
		AccountID:         r.AccountID,
		RemoteID:          r.RemoteID,
		SenderAddress:     r.SenderAddress,
		SenderName:        r.SenderName,
		Subject:           r.Subject,
		Snippet:           r.Snippet,
		ReceivedAt:        time.UnixMilli(r.ReceivedAt).UTC(),
		Unread:            r.Unread,
		ThreadID:          r.ThreadID,
		Labels:            splitLabels(r.Labels),
		UnsubscribeURL:    r.UnsubscribeURL,
		UnsubscribeMailto: r.UnsubscribeMailto,
		OneClick:          r.OneClick,
		Newsletter:        r.Newsletter,
		Promotional:       r.Promotional,
	}
}

const messageColumns = `id, account_id, remote_id, sender_address, sender_name, subject, snippet, received_at,
	unread, thread_id, labels, unsubscribe_url, unsubscribe_mailto, one_click, newsletter, promotional`

const insertMessage = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (account_id, remote_id) DO NOTHING`

func joinLabels(labels []string) string {
	return strings.Join(labels, ",")
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// insertOne runs the insert-or-ignore for m and reports whether a row was added.
func insertOne(ctx context.Context, stmt *sqlx.Stmt, m model.Message) (bool, error) {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	res, err := stmt.ExecContext(ctx,
		id, m.AccountID, m.RemoteID, m.SenderAddress, m.SenderName, m.Subject, m.Snippet, m.ReceivedAt.UnixMilli(),
		m.Unread, m.ThreadID, joinLabels(m.Labels), m.UnsubscribeURL, m.UnsubscribeMailto,
		m.OneClick, m.Newsletter, m.Promotional)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.RemoteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertMessages inserts msgs in one transaction. A message whose remote id is
// already mirrored for the account is left untouched; inserted[i] reports
// whether msgs[i] was new.
func (s *Store) UpsertMessages(ctx context.Context, msgs []model.Message) ([]bool, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertMessage))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	inserted := make([]bool, len(msgs))
	for i, m := range msgs {
		if inserted[i], err = insertOne(ctx, stmt, m); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

// UpsertMessage is the single-record form of UpsertMessages.
func (s *Store) UpsertMessage(ctx context.Context, m model.Message) (bool, error) {
	inserted, err := s.UpsertMessages(ctx, []model.Message{m})
	if err != nil {
		return false, err
	}
	return inserted[0], nil
}

// ReplaceAccountMessages wipes every message of the account and inserts msgs
// in one transaction. It returns the sender keys that existed before the wipe
// and the number of rows inserted. Aggregates are not touched.
func (s *Store) ReplaceAccountMessages(ctx context.Context, accountID string, msgs []model.Message) ([]model.SenderKey, int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	old, err := wipe(ctx, tx, accountID)
	if err != nil {
		return nil, 0, err
	}
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(insertMessage))
	if err != nil {
		return nil, 0, err
	}
	defer stmt.Close()

	n := 0
	for _, m := range msgs {
		ok, err := insertOne(ctx, stmt, m)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return old, n, nil
}

// WipeAccountMessages deletes every message of the account and returns the
// sender keys they belonged to. Aggregates are not touched.
func (s *Store) WipeAccountMessages(ctx context.Context, accountID string) ([]model.SenderKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	keys, err := wipe(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return keys, tx.Commit()
}

func wipe(ctx context.Context, tx *sqlx.Tx, accountID string) ([]model.SenderKey, error) {
	var keys []model.SenderKey
	err := tx.SelectContext(ctx, &keys, tx.Rebind(`
		SELECT DISTINCT sender_address AS address, sender_name AS name
		FROM messages WHERE account_id = ?`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", accountID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE account_id = ?`), accountID); err != nil {
		return nil, fmt.Errorf("wipe messages of %s: %w", accountID, err)
	}
	return keys, nil
}

// DeleteMessagesByRemoteID removes the given remote ids from the account and
// returns the distinct sender keys affected plus the number of rows deleted.
// Unknown ids are ignored.
func (s *Store) DeleteMessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) ([]model.SenderKey, int, error) {
	if len(remoteIDs) == 0 {
		return nil, 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	seen := make(map[model.SenderKey]struct{})
	deleted := 0
	for _, chunk := range chunks(remoteIDs, inChunk) {
		q, args, err := sqlx.In(`
			SELECT DISTINCT sender_address AS address, sender_name AS name
			FROM messages WHERE account_id = ? AND remote_id IN (?)`, accountID, chunk)
		if err != nil {
			return nil, 0, err
		}
		var keys []model.SenderKey
		if err := tx.SelectContext(ctx, &keys, tx.Rebind(q), args...); err != nil {
			return nil, 0, fmt.Errorf("list keys for delete: %w", err)
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}

		q, args, err = sqlx.In(`DELETE FROM messages WHERE account_id = ? AND remote_id IN (?)`, accountID, chunk)
		if err != nil {
			return nil, 0, err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		if err != nil {
			return nil, 0, fmt.Errorf("delete messages: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, 0, err
		}
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return sortedKeys(seen), deleted, nil
}

// UpdateMessageState refreshes the read state and labels of a mirrored
// message. found is false when the remote id is not mirrored.
func (s *Store) UpdateMessageState(ctx context.Context, accountID, remoteID string, unread bool, labels []string) (key model.SenderKey, found bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return key, false, err
	}
	defer tx.Rollback()

	var keys []model.SenderKey
	if err := tx.SelectContext(ctx, &keys, tx.Rebind(`
		SELECT sender_address AS address, sender_name AS name
		FROM messages WHERE account_id = ? AND remote_id = ?`), accountID, remoteID); err != nil {
		return key, false, fmt.Errorf("lookup message %s: %w", remoteID, err)
	}
	if len(keys) == 0 {
		return key, false, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE messages SET unread = ?, labels = ? WHERE account_id = ? AND remote_id = ?`),
		unread, joinLabels(labels), accountID, remoteID); err != nil {
		return key, false, fmt.Errorf("update message %s: %w", remoteID, err)
	}
	return keys[0], true, tx.Commit()
}

// MissingRemoteIDs returns the ids (in input order) that are not mirrored for
// the account.
func (s *Store) MissingRemoteIDs(ctx context.Context, accountID string, remoteIDs []string) ([]string, error) {
	present := make(map[string]struct{}, len(remoteIDs))
	for _, chunk := range chunks(remoteIDs, inChunk) {
		q, args, err := sqlx.In(`SELECT remote_id FROM messages WHERE account_id = ? AND remote_id IN (?)`, accountID, chunk)
		if err != nil {
			return nil, err
		}
		var got []string
		if err := s.db.SelectContext(ctx, &got, s.db.Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("lookup remote ids: %w", err)
		}
		for _, id := range got {
			present[id] = struct{}{}
		}
	}
	var missing []string
	for _, id := range remoteIDs {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// RemoteIDs lists every mirrored remote id of the account.
func (s *Store) RemoteIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
		`SELECT remote_id FROM messages WHERE account_id = ? ORDER BY remote_id`), accountID); err != nil {
		return nil, fmt.Errorf("list remote ids of %s: %w", accountID, err)
	}
	return ids, nil
}

func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM messages WHERE account_id = ?`), accountID)
	return count, err
}

// MessagesForSender returns the messages of one sender key, newest first.
func (s *Store) MessagesForSender(ctx context.Context, accountID string, key model.SenderKey) ([]model.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND sender_address = ? AND sender_name = ?
		ORDER BY received_at DESC, remote_id`), accountID, key.Address, key.Name); err != nil {
		return nil, fmt.Errorf("messages for %s: %w", key, err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, accountID, remoteID string) (model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND remote_id = ?`),
		accountID, remoteID)
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %s: %w", remoteID, err)
	}
	return row.toModel(), nil
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func sortedKeys(m map[model.SenderKey]struct{}) []model.SenderKey {
	out := make([]model.SenderKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address == out[j].Address {
			return out[i].Name < out[j].Name
		}
		return out[i].Address < out[j].Address
	})
	return out
}
