// Package provider defines the contract the sync engine consumes from a remote
// mailbox API.
package provider

import (
	"context"
	"strings"
	"time"

	"mailmirror/internal/model"
)

// Well-known label ids. Gmail uses the same names for system labels.
const (
	LabelInbox              = "INBOX"
	LabelSpam               = "SPAM"
	LabelTrash              = "TRASH"
	LabelUnread             = "UNREAD"
	LabelSent               = "SENT"
	LabelCategoryPromotions = "CATEGORY_PROMOTIONS"
	LabelCategoryPersonal   = "CATEGORY_PERSONAL"
)

// MetadataHeaders are the headers requested for every message fetched in
// metadata form.
var MetadataHeaders = []string{
	"From", "Subject", "Date",
	"List-Unsubscribe", "List-Unsubscribe-Post", "List-Id", "Precedence",
}

type Header struct {
	Name  string
	Value string
}

// RawMessage is the metadata view of a remote message before classification.
type RawMessage struct {
	ID           string
	ThreadID     string
	Snippet      string
	LabelIDs     []string
	InternalDate time.Time
	Headers      []Header
}

// Header returns the first value of the named header, case-insensitively.
func (m RawMessage) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m RawMessage) HasLabel(id string) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// MetadataBatch is the answer to a batch metadata request. Every requested id
// appears either in Messages or in Missing.
type MetadataBatch struct {
	Messages []RawMessage
	Missing  []string
}

// HistoryPage is the folded result of reading the change feed from a cursor
// to its end.
type HistoryPage struct {
	Added     []string
	Deleted   []string
	Updated   []string // label or read-state changes on existing messages
	NewCursor model.Cursor
	Expired   bool // cursor is outside the provider's retention window
}

func (p HistoryPage) Empty() bool {
	return len(p.Added) == 0 && len(p.Deleted) == 0 && len(p.Updated) == 0
}

type Profile struct {
	Address string
	Cursor  model.Cursor
}

// Client is the read side of a mailbox provider.
type Client interface {
	// ListAllIDs enumerates message ids (spam and trash excluded) up to max;
	// max <= 0 means no cap.
	ListAllIDs(ctx context.Context, max int) ([]string, error)
	// ListRecent returns at most max ids of the newest messages matching query.
	ListRecent(ctx context.Context, query string, max int) ([]string, error)
	BatchGetMetadata(ctx context.Context, ids []string) (MetadataBatch, error)
	HistoryChanges(ctx context.Context, cursor model.Cursor) (HistoryPage, error)
	Profile(ctx context.Context) (Profile, error)
}

// Cleaner is the write side used by bulk cleanup actions.
type Cleaner interface {
	Trash(ctx context.Context, ids []string) error
	Archive(ctx context.Context, ids []string) error
}
