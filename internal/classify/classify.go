// Package classify turns provider metadata into mirrored messages.
package classify

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"mailmirror/internal/model"
	"mailmirror/internal/provider"
)

var (
	// ErrExcluded marks messages that are never mirrored: spam, trash and
	// mail sent by the account itself.
	ErrExcluded = errors.New("classify: message excluded")
	// ErrMalformed marks messages whose headers cannot be interpreted.
	ErrMalformed = errors.New("classify: malformed message")
)

// Message classifies raw into a mirrored message for acct. It does not assign
// the local row id.
func Message(acct model.Account, raw provider.RawMessage) (model.Message, error) {
	if raw.HasLabel(provider.LabelSpam) || raw.HasLabel(provider.LabelTrash) {
		return model.Message{}, fmt.Errorf("%w: %s is spam or trash", ErrExcluded, raw.ID)
	}
	if raw.ID == "" {
		return model.Message{}, fmt.Errorf("%w: missing remote id", ErrMalformed)
	}

	sender, err := ParseSender(raw.Header("From"))
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s: %w", raw.ID, err)
	}
	if self := NormalizeAddress(acct.Address); self != "" && sender.Address == self {
		return model.Message{}, fmt.Errorf("%w: %s is self-sent", ErrExcluded, raw.ID)
	}

	received, ok := receivedAt(raw)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: message %s has no usable timestamp", ErrMalformed, raw.ID)
	}

	unsub := ParseListUnsubscribe(raw.Header("List-Unsubscribe"))
	oneClick := unsub.HTTP != "" && strings.TrimSpace(raw.Header("List-Unsubscribe-Post")) != ""

	m := model.Message{
		AccountID:         acct.ID,
		RemoteID:          raw.ID,
		SenderAddress:     sender.Address,
		SenderName:        sender.Name,
		Subject:           decodeSubject(raw.Header("Subject")),
		Snippet:           html.UnescapeString(raw.Snippet),
		ReceivedAt:        received,
		Unread:            raw.HasLabel(provider.LabelUnread),
		ThreadID:          raw.ThreadID,
		Labels:            append([]string(nil), raw.LabelIDs...),
		UnsubscribeURL:    unsub.HTTP,
		UnsubscribeMailto: unsub.Mailto,
		OneClick:          oneClick,
	}
	m.Newsletter = isNewsletter(raw)
	m.Promotional = raw.HasLabel(provider.LabelCategoryPromotions) ||
		(oneClick && !raw.HasLabel(provider.LabelCategoryPersonal))
	return m, nil
}

func isNewsletter(raw provider.RawMessage) bool {
	if strings.TrimSpace(raw.Header("List-Unsubscribe")) != "" || strings.TrimSpace(raw.Header("List-Id")) != "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(raw.Header("Precedence"))) {
	case "bulk", "list":
		return true
	}
	return false
}

// Unsubscribe holds the targets found in a List-Unsubscribe header.
type Unsubscribe struct {
	HTTP   string
	Mailto string
}

// Link prefers the HTTP target.
func (u Unsubscribe) Link() string {
	if u.HTTP != "" {
		return u.HTTP
	}
	return u.Mailto
}

// ParseListUnsubscribe reads the comma separated, angle bracketed targets of a
// List-Unsubscribe header:
//
//	<https://example.com/unsub>, <mailto:unsub@example.com>
func ParseListUnsubscribe(header string) Unsubscribe {
	var u Unsubscribe
	for _, p := range strings.Split(header, ",") {
		p = strings.TrimSpace(strings.Trim(strings.TrimSpace(p), "<>"))
		lower := strings.ToLower(p)
		switch {
		case u.HTTP == "" && (strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")):
			u.HTTP = p
		case u.Mailto == "" && strings.HasPrefix(lower, "mailto:"):
			u.Mailto = p
		}
	}
	return u
}

func receivedAt(raw provider.RawMessage) (time.Time, bool) {
	if t, ok := ParseDate(raw.Header("Date")); ok {
		return t, true
	}
	if !raw.InternalDate.IsZero() {
		return raw.InternalDate.UTC(), true
	}
	return time.Time{}, false
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// ParseDate parses a Date header. Trailing comments such as "(UTC)" are
// ignored.
func ParseDate(h string) (time.Time, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return time.Time{}, false
	}
	hdr := mail.HeaderFromMap(map[string][]string{"Date": {h}})
	if t, err := hdr.Date(); err == nil && !t.IsZero() {
		return t.UTC(), true
	}
	if i := strings.IndexByte(h, '('); i > 0 {
		h = strings.TrimSpace(h[:i])
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, h); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func decodeSubject(s string) string {
	if s == "" {
		return ""
	}
	hdr := mail.HeaderFromMap(map[string][]string{"Subject": {s}})
	if decoded, err := hdr.Subject(); err == nil {
		return decoded
	}
	return s
}
