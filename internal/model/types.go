package model

import (
	"strings"
	"time"
)

// AccountStatus is the connection state of a mirrored mailbox.
type AccountStatus string

const (
	StatusConnected    AccountStatus = "connected"
	StatusExpired      AccountStatus = "expired"
	StatusDisconnected AccountStatus = "disconnected"
)

// Cursor is an opaque change-feed position handed out by a provider.
// Only the provider that issued it may interpret its contents.
type Cursor string

// Account is one connected mailbox.
type Account struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Address         string        `json:"address"`
	Status          AccountStatus `json:"status"`
	Plan            string        `json:"plan"`
	LastSyncedAt    *time.Time    `json:"last_synced_at,omitempty"`
	HistoryCursor   Cursor        `json:"-"` // empty when never synced or reset
	TotalMessages   int           `json:"total_messages"`
	OrphanCheckDone bool          `json:"orphan_check_done"`
}

// HasCursor reports whether the account holds a usable change-feed position.
func (a Account) HasCursor() bool { return strings.TrimSpace(string(a.HistoryCursor)) != "" }

// SenderKey identifies a sender within an account. Two display names for the
// same address are distinct senders.
type SenderKey struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (k SenderKey) String() string { return k.Address + "|" + k.Name }

// Message is the mirrored copy of one remote message.
type Message struct {
	ID                string
	AccountID         string
	RemoteID          string
	SenderAddress     string
	SenderName        string
	Subject           string
	Snippet           string
	ReceivedAt        time.Time
	Unread            bool
	ThreadID          string
	Labels            []string
	UnsubscribeURL    string // first HTTP(S) List-Unsubscribe target
	UnsubscribeMailto string // mailto: fallback
	OneClick          bool   // RFC 8058 List-Unsubscribe-Post
	Newsletter        bool
	Promotional       bool
}

func (m Message) Key() SenderKey {
	return SenderKey{Address: m.SenderAddress, Name: m.SenderName}
}

// SenderAggregate holds statistics derived from every Message sharing a SenderKey.
type SenderAggregate struct {
	AccountID       string    `json:"account_id"`
	SenderAddress   string    `json:"sender_address"`
	SenderName      string    `json:"sender_name"`
	Count           int       `json:"count"`
	UnreadCount     int       `json:"unread_count"`
	FirstAt         time.Time `json:"first_at"`
	LastAt          time.Time `json:"last_at"`
	UnsubscribeLink string    `json:"unsubscribe_link,omitempty"` // HTTP preferred, else mailto
	OneClick        bool      `json:"one_click"`
	Newsletter      bool      `json:"newsletter"`
	Promotional     bool      `json:"promotional"`
}

func (a SenderAggregate) Key() SenderKey {
	return SenderKey{Address: a.SenderAddress, Name: a.SenderName}
}

// SyncMode names the path a sync run took.
type SyncMode string

const (
	ModeIncremental SyncMode = "incremental"
	ModeFullScan    SyncMode = "full_scan"
	ModeOrphanCheck SyncMode = "orphan_check"
)

// SyncResult summarizes one sync run. It is built once when the run ends.
type SyncResult struct {
	AccountID      string   `json:"account_id"`
	Mode           SyncMode `json:"mode"`
	FellBack       bool     `json:"fell_back"` // incremental cursor expired, full scan ran instead
	Added          int      `json:"added"`
	Deleted        int      `json:"deleted"`
	Updated        int      `json:"updated"`
	Skipped        int      `json:"skipped"`
	Excluded       int      `json:"excluded"`
	Failed         int      `json:"failed"`
	OrphansRemoved int      `json:"orphans_removed"`
	TotalMessages  int      `json:"total_messages"`
	Suspect        bool     `json:"suspect"`   // full scan enumerated nothing; mirror left untouched
	Truncated      bool     `json:"truncated"` // full scan stopped early; next run scans again
	Committed      bool     `json:"committed"`
}
