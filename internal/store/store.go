package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"mailmirror/internal/model"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the relational mirror of accounts, messages and sender aggregates.
// Queries are written with ? placeholders and rebound for the driver in use.
type Store struct {
	db    *sqlx.DB
	locks keyedMutex
}

// Open connects to driver ("sqlite" or "postgres") at dsn and runs migrations.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return newStore(db)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore opens (or creates) the database at the given path and runs migrations.
func NewSQLiteStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; pragmas are per connection.
	db.SetMaxOpenConns(1)
	return newStore(db)
}

func newStore(db *sqlx.DB) (*Store, error) {
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	address           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'connected',
	plan              TEXT NOT NULL DEFAULT '',
	last_synced_at    BIGINT,
	history_cursor    TEXT,
	total_messages    BIGINT NOT NULL DEFAULT 0,
	orphan_check_done BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user_address ON accounts (user_id, address)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
	remote_id          TEXT NOT NULL,
	sender_address     TEXT NOT NULL,
	sender_name        TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	snippet            TEXT NOT NULL DEFAULT '',
	received_at        BIGINT NOT NULL,
	unread             BOOLEAN NOT NULL DEFAULT FALSE,
	thread_id          TEXT NOT NULL DEFAULT '',
	labels             TEXT NOT NULL DEFAULT '',
	unsubscribe_url    TEXT NOT NULL DEFAULT '',
	unsubscribe_mailto TEXT NOT NULL DEFAULT '',
	one_click          BOOLEAN NOT NULL DEFAULT FALSE,
	newsletter         BOOLEAN NOT NULL DEFAULT FALSE,
	promotional        BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (account_id, remote_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (account_id, sender_address, sender_name)`,
	`CREATE TABLE IF NOT EXISTS sender_aggregates (
	account_id       TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
	sender_address   TEXT NOT NULL,
	sender_name      TEXT NOT NULL DEFAULT '',
	message_count    BIGINT NOT NULL,
	unread_count     BIGINT NOT NULL,
	first_at         BIGINT NOT NULL,
	last_at          BIGINT NOT NULL,
	unsubscribe_link TEXT NOT NULL DEFAULT '',
	one_click        BOOLEAN NOT NULL DEFAULT FALSE,
	newsletter       BOOLEAN NOT NULL DEFAULT FALSE,
	promotional      BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (account_id, sender_address, sender_name)
)`,
}

func migrate(db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type accountRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Address         string         `db:"address"`
	Status          string         `db:"status"`
	Plan            string         `db:"plan"`
	LastSyncedAt    sql.NullInt64  `db:"last_synced_at"`
	HistoryCursor   sql.NullString `db:"history_cursor"`
	TotalMessages   int64          `db:"total_messages"`
	OrphanCheckDone bool           `db:"orphan_check_done"`
}

func (r accountRow) toModel() model.Account {
	a := model.Account{
		ID:              r.ID,
		UserID:          r.UserID,
		Address:         r.Address,
		Status:          model.AccountStatus(r.Status),
		Plan:            r.Plan,
		HistoryCursor:   model.Cursor(r.HistoryCursor.String),
		TotalMessages:   int(r.TotalMessages),
		OrphanCheckDone: r.OrphanCheckDone,
	}
	if r.LastSyncedAt.Valid {
		t := time.UnixMilli(r.LastSyncedAt.Int64).UTC()
		a.LastSyncedAt = &t
	}
	return a
}

const accountColumns = `id, user_id, address, status, plan, last_synced_at, history_cursor, total_messages, orphan_check_done`

// CreateAccount inserts a new account. An empty ID is assigned a UUID and an
// empty status defaults to connected.
func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.StatusConnected
	}
	a.Address = strings.ToLower(strings.TrimSpace(a.Address))
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (id, user_id, address, status, plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID, a.UserID, a.Address, string(a.Status), a.Plan, time.Now().UnixMilli())
	if err != nil {
		return model.Account{}, fmt.Errorf("create account %s: %w", a.Address, err)
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return row.toModel(), nil
}

// FindAccount looks an account up by owner and mailbox address.
func (s *Store) FindAccount(ctx context.Context, userID, address string) (model.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND address = ?`),
		userID, strings.ToLower(strings.TrimSpace(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("find account %s: %w", address, err)
	}
	return row.toModel(), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY address, id`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeleteAccount removes an account; its messages and aggregates cascade.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return expectRow(res, id)
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}
	return expectRow(res, id)
}

func (s *Store) SetAccountPlan(ctx context.Context, id, plan string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET plan = ? WHERE id = ?`), plan, id)
	if err != nil {
		return fmt.Errorf("set plan of %s: %w", id, err)
	}
	return expectRow(res, id)
}

// SaveCursor stores the change-feed position. An empty cursor clears it.
func (s *Store) SaveCursor(ctx context.Context, id string, cursor model.Cursor) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET history_cursor = ? WHERE id = ?`), nullCursor(cursor), id)
	if err != nil {
		return fmt.Errorf("save cursor of %s: %w", id, err)
	}
	return expectRow(res, id)
}

func (s *Store) ClearCursor(ctx context.Context, id string) error {
	return s.SaveCursor(ctx, id, "")
}

func (s *Store) SetOrphanCheckDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET orphan_check_done = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("set orphan check of %s: %w", id, err)
	}
	return expectRow(res, id)
}

// CommitSync records a finished sync: last_synced_at, the cursor, and a
// total_messages recomputed from the aggregates in the same transaction.
func (s *Store) CommitSync(ctx context.Context, id string, at time.Time, cursor model.Cursor) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	if err := tx.GetContext(ctx, &total, tx.Rebind(
		`SELECT COALESCE(SUM(message_count), 0) FROM sender_aggregates WHERE account_id = ?`), id); err != nil {
		return 0, fmt.Errorf("sum aggregates of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE accounts SET last_synced_at = ?, history_cursor = ?, total_messages = ?
		WHERE id = ?`),
		at.UnixMilli(), nullCursor(cursor), total, id)
	if err != nil {
		return 0, fmt.Errorf("commit sync of %s: %w", id, err)
	}
	if err := expectRow(res, id); err != nil {
		return 0, err
	}
	return int(total), tx.Commit()
}

// SumAggregateCounts is the authoritative mirrored message total.
func (s *Store) SumAggregateCounts(ctx context.Context, accountID string) (int, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, s.db.Rebind(
		`SELECT COALESCE(SUM(message_count), 0) FROM sender_aggregates WHERE account_id = ?`), accountID)
	if err != nil {
		return 0, fmt.Errorf("sum aggregates of %s: %w", accountID, err)
	}
	return int(total), nil
}

func nullCursor(c model.Cursor) sql.NullString {
	v := strings.TrimSpace(string(c))
	return sql.NullString{String: v, Valid: v != ""}
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
