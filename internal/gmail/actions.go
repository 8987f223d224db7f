package gmail

import (
	"context"
	"fmt"

	gmailv1 "google.golang.org/api/gmail/v1"

	"mailmirror/internal/provider"
)

// batchModify accepts at most 1000 ids per request.
const modifyChunk = 1000

// Archive removes the INBOX label from the given messages.
func (c *Client) Archive(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += modifyChunk {
		end := min(start+modifyChunk, len(ids))
		req := &gmailv1.BatchModifyMessagesRequest{
			Ids:            ids[start:end],
			RemoveLabelIds: []string{provider.LabelInbox},
		}
		err := c.call(ctx, "messages.batchModify", func(ctx context.Context) error {
			return c.svc.Users.Messages.BatchModify(user, req).Context(ctx).Do()
		})
		if err != nil {
			return fmt.Errorf("archive %d messages: %w", end-start, err)
		}
	}
	return nil
}

// Trash moves the given messages to trash. Messages already gone are skipped.
func (c *Client) Trash(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := c.call(ctx, "messages.trash", func(ctx context.Context) error {
			_, err := c.svc.Users.Messages.Trash(user, id).Context(ctx).Do()
			return err
		})
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("trash message %s: %w", id, err)
		}
	}
	return nil
}
