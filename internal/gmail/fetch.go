package gmail

import (
	"context"
	"fmt"
	"sync"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"mailmirror/internal/provider"
)

// BatchGetMetadata fetches metadata for ids on a bounded worker pool. Ids the
// API no longer knows are reported in Missing. The first non-404 failure
// stops the remaining work and is returned.
func (c *Client) BatchGetMetadata(ctx context.Context, ids []string) (provider.MetadataBatch, error) {
	if len(ids) == 0 {
		return provider.MetadataBatch{}, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		msg     *provider.RawMessage
		missing bool
	}
	results := make([]result, len(ids))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	workers := c.opts.Workers
	if workers > len(ids) {
		workers = len(ids)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				msg, err := c.getMetadata(ctx, ids[j])
				switch {
				case isNotFound(err):
					results[j] = result{missing: true}
				case err != nil:
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
				default:
					results[j] = result{msg: msg}
				}
			}
		}()
	}

queue:
	for j := range ids {
		select {
		case <-ctx.Done():
			break queue
		case jobs <- j:
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return provider.MetadataBatch{}, firstErr
	}
	if err := ctx.Err(); err != nil {
		return provider.MetadataBatch{}, err
	}

	batch := provider.MetadataBatch{Messages: make([]provider.RawMessage, 0, len(ids))}
	for j, r := range results {
		switch {
		case r.msg != nil:
			batch.Messages = append(batch.Messages, *r.msg)
		case r.missing:
			batch.Missing = append(batch.Missing, ids[j])
		}
	}
	return batch, nil
}

func (c *Client) getMetadata(ctx context.Context, id string) (*provider.RawMessage, error) {
	var msg *gmailv1.Message
	err := c.call(ctx, "messages.get", func(ctx context.Context) error {
		var err error
		msg, err = c.svc.Users.Messages.Get(user, id).
			Format("metadata").
			MetadataHeaders(provider.MetadataHeaders...).
			Context(ctx).
			Do()
		return err
	})
	if isNotFound(err) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	raw := toRaw(msg)
	return &raw, nil
}

func toRaw(msg *gmailv1.Message) provider.RawMessage {
	raw := provider.RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		raw.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			raw.Headers = append(raw.Headers, provider.Header{Name: h.Name, Value: h.Value})
		}
	}
	return raw
}
