package gmail

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"

	"mailmirror/internal/model"
	"mailmirror/internal/provider"
)

const pageSize = 500

// ListAllIDs pages through every message id outside spam and trash.
func (c *Client) ListAllIDs(ctx context.Context, max int) ([]string, error) {
	return c.listIDs(ctx, "messages.list", "", max)
}

// ListRecent returns up to max ids of the newest messages matching query.
func (c *Client) ListRecent(ctx context.Context, query string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	return c.listIDs(ctx, "messages.list.recent", query, max)
}

func (c *Client) listIDs(ctx context.Context, op, query string, max int) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		size := int64(pageSize)
		if max > 0 && max-len(ids) < pageSize {
			size = int64(max - len(ids))
		}
		call := c.svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(size)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *gmailv1.ListMessagesResponse
		err := c.call(ctx, op, func(ctx context.Context) error {
			var err error
			resp, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return ids, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if max > 0 && len(ids) >= max {
			return ids[:max], nil
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// HistoryChanges reads the change feed from cursor to its end and folds it
// into added, deleted and updated ids. Moving a message into spam or trash
// counts as a deletion and moving it out as an addition; other label changes
// are updates. A 404 from the feed means the cursor fell out of the retention
// window.
func (c *Client) HistoryChanges(ctx context.Context, cursor model.Cursor) (provider.HistoryPage, error) {
	startID, err := strconv.ParseUint(strings.TrimSpace(string(cursor)), 10, 64)
	if err != nil {
		c.log.Warn("unusable history cursor", "cursor", cursor, "error", err)
		return provider.HistoryPage{Expired: true}, nil
	}

	addSet := make(map[string]struct{})
	delSet := make(map[string]struct{})
	updSet := make(map[string]struct{})
	add := func(id string) {
		addSet[id] = struct{}{}
		delete(delSet, id)
		delete(updSet, id)
	}
	del := func(id string) {
		delSet[id] = struct{}{}
		delete(addSet, id)
		delete(updSet, id)
	}
	upd := func(id string) {
		if _, ok := addSet[id]; ok {
			return
		}
		if _, ok := delSet[id]; ok {
			return
		}
		updSet[id] = struct{}{}
	}

	var newest uint64
	pageToken := ""
	for {
		call := c.svc.Users.History.List(user).StartHistoryId(startID).MaxResults(pageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var resp *gmailv1.ListHistoryResponse
		err := c.call(ctx, "history.list", func(ctx context.Context) error {
			var err error
			resp, err = call.Context(ctx).Do()
			return err
		})
		if isNotFound(err) {
			return provider.HistoryPage{Expired: true}, nil
		}
		if err != nil {
			return provider.HistoryPage{}, fmt.Errorf("history list: %w", err)
		}
		if resp.HistoryId > newest {
			newest = resp.HistoryId
		}
		for _, h := range resp.History {
			if h.Id > newest {
				newest = h.Id
			}
			for _, ma := range h.MessagesAdded {
				if ma.Message == nil {
					continue
				}
				if excluded(ma.Message.LabelIds) {
					continue
				}
				add(ma.Message.Id)
			}
			for _, md := range h.MessagesDeleted {
				if md.Message != nil {
					del(md.Message.Id)
				}
			}
			for _, la := range h.LabelsAdded {
				if la.Message == nil {
					continue
				}
				if excluded(la.LabelIds) {
					del(la.Message.Id)
				} else {
					upd(la.Message.Id)
				}
			}
			for _, lr := range h.LabelsRemoved {
				if lr.Message == nil {
					continue
				}
				if excluded(lr.LabelIds) && !excluded(lr.Message.LabelIds) {
					add(lr.Message.Id)
				} else {
					upd(lr.Message.Id)
				}
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	page := provider.HistoryPage{
		Added:   keys(addSet),
		Deleted: keys(delSet),
		Updated: keys(updSet),
	}
	if newest != 0 {
		page.NewCursor = model.Cursor(strconv.FormatUint(newest, 10))
	}
	return page, nil
}

// Profile returns the mailbox address and its current history id.
func (c *Client) Profile(ctx context.Context) (provider.Profile, error) {
	var p *gmailv1.Profile
	err := c.call(ctx, "getProfile", func(ctx context.Context) error {
		var err error
		p, err = c.svc.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return provider.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return provider.Profile{
		Address: p.EmailAddress,
		Cursor:  model.Cursor(strconv.FormatUint(p.HistoryId, 10)),
	}, nil
}

func excluded(labels []string) bool {
	return contains(labels, provider.LabelSpam) || contains(labels, provider.LabelTrash)
}

func contains[T comparable](arr []T, v T) bool {
	for _, x := range arr {
		if x == v {
			return true
		}
	}
	return false
}

// keys returns the string keys of a set map[string]struct{} in sorted order.
func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
