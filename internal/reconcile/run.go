package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mailmirror/internal/classify"
	"mailmirror/internal/model"
	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
)

// run is the state of a single Sync call.
type run struct {
	*Reconciler
	acct    model.Account
	client  provider.Client
	tier    policy.Tier
	log     *slog.Logger
	started time.Time
	t       tally
	dropped []string // fetched ids that classify rejected
}

// outcome tells Sync whether to commit and which cursor to record.
type outcome struct {
	cursor model.Cursor
	commit bool
}

// tally accumulates counters while a run progresses. It is turned into the
// immutable SyncResult once, when the run ends.
type tally struct {
	mode      model.SyncMode
	fellBack  bool
	added     int
	deleted   int
	updated   int
	skipped   int
	excluded  int
	failed    int
	orphans   int
	total     int
	suspect   bool
	truncated bool
	committed bool
}

func (t *tally) result(accountID string) model.SyncResult {
	return model.SyncResult{
		AccountID:      accountID,
		Mode:           t.mode,
		FellBack:       t.fellBack,
		Added:          t.added,
		Deleted:        t.deleted,
		Updated:        t.updated,
		Skipped:        t.skipped,
		Excluded:       t.excluded,
		Failed:         t.failed,
		OrphansRemoved: t.orphans,
		TotalMessages:  t.total,
		Suspect:        t.suspect,
		Truncated:      t.truncated,
		Committed:      t.committed,
	}
}

// fetchClassify downloads metadata for ids and turns it into mirror records.
// Vanished and malformed messages are counted as skipped, spam/trash and
// self-sent ones as excluded.
func (r *run) fetchClassify(ctx context.Context, ids []string) ([]model.Message, error) {
	batch, err := r.client.BatchGetMetadata(ctx, ids)
	if err != nil {
		return nil, err
	}
	r.t.skipped += len(batch.Missing)
	out := make([]model.Message, 0, len(batch.Messages))
	for _, raw := range batch.Messages {
		m, err := classify.Message(r.acct, raw)
		switch {
		case errors.Is(err, classify.ErrExcluded):
			r.t.excluded++
			r.dropped = append(r.dropped, raw.ID)
		case err != nil:
			r.t.skipped++
			r.dropped = append(r.dropped, raw.ID)
			r.log.Debug("skip message", "remote_id", raw.ID, "error", err)
		default:
			out = append(out, m)
		}
	}
	return out, nil
}

// upsertAll inserts msgs and reports how many were new. A failed batch is
// retried record by record so one bad row does not lose its neighbours.
func (r *run) upsertAll(ctx context.Context, msgs []model.Message) (int, map[model.SenderKey]struct{}) {
	keys := make(map[model.SenderKey]struct{})
	inserted := 0
	for _, part := range chunks(msgs, r.cfg.FetchChunk) {
		flags, err := r.store.UpsertMessages(ctx, part)
		if err == nil {
			for i, ok := range flags {
				if ok {
					inserted++
					keys[part[i].Key()] = struct{}{}
				}
			}
			continue
		}
		r.log.Warn("batch insert failed, retrying per message", "size", len(part), "error", err)
		for _, m := range part {
			ok, err := r.store.UpsertMessage(ctx, m)
			if err != nil {
				r.t.failed++
				r.log.Error("insert message", "remote_id", m.RemoteID, "error", err)
				continue
			}
			if ok {
				inserted++
				keys[m.Key()] = struct{}{}
			}
		}
	}
	return inserted, keys
}

// ingest fetches, classifies and stores ids that the mirror does not hold.
// Each chunk is applied and its aggregates refreshed before the next one is
// fetched.
func (r *run) ingest(ctx context.Context, ids []string) error {
	for _, part := range chunks(ids, r.cfg.FetchChunk) {
		msgs, err := r.fetchClassify(ctx, part)
		if err != nil {
			return err
		}
		wctx := context.WithoutCancel(ctx)
		n, keys := r.upsertAll(wctx, msgs)
		r.t.added += n
		if err := r.recompute(wctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// deleteRemote removes mirrored messages by remote id and returns how many
// rows went away.
func (r *run) deleteRemote(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wctx := context.WithoutCancel(ctx)
	keys, n, err := r.store.DeleteMessagesByRemoteID(wctx, r.acct.ID, ids)
	if err != nil {
		return 0, err
	}
	return n, r.recompute(wctx, keySet(keys))
}

// refresh re-reads label state for messages the feed reports as changed.
// A message that moved to spam or trash, or vanished, is deleted.
func (r *run) refresh(ctx context.Context, ids []string) error {
	missing, err := r.store.MissingRemoteIDs(ctx, r.acct.ID, ids)
	if err != nil {
		return err
	}
	present := subtract(ids, missing)
	for _, part := range chunks(present, r.cfg.FetchChunk) {
		batch, err := r.client.BatchGetMetadata(ctx, part)
		if err != nil {
			return err
		}
		gone := append([]string(nil), batch.Missing...)
		keys := make(map[model.SenderKey]struct{})
		wctx := context.WithoutCancel(ctx)
		for _, raw := range batch.Messages {
			if raw.HasLabel(provider.LabelSpam) || raw.HasLabel(provider.LabelTrash) {
				gone = append(gone, raw.ID)
				continue
			}
			key, found, err := r.store.UpdateMessageState(wctx, r.acct.ID, raw.ID, raw.HasLabel(provider.LabelUnread), raw.LabelIDs)
			if err != nil {
				r.t.failed++
				r.log.Error("update message state", "remote_id", raw.ID, "error", err)
				continue
			}
			if found {
				r.t.updated++
				keys[key] = struct{}{}
			}
		}
		if err := r.recompute(wctx, keys); err != nil {
			return err
		}
		n, err := r.deleteRemote(wctx, gone)
		if err != nil {
			return err
		}
		r.t.deleted += n
	}
	return nil
}

func (r *run) recompute(ctx context.Context, keys map[model.SenderKey]struct{}) error {
	for key := range keys {
		if err := r.store.RecomputeAggregate(ctx, r.acct.ID, key); err != nil {
			return err
		}
	}
	return nil
}

// commit records the cursor and the sync time and refreshes the account's
// total from its aggregates.
func (r *run) commit(ctx context.Context, cursor model.Cursor) error {
	wctx := context.WithoutCancel(ctx)
	total, err := r.store.CommitSync(wctx, r.acct.ID, r.now(), cursor)
	if err != nil {
		return err
	}
	r.t.total = total
	r.t.committed = true
	if r.acct.Status != model.StatusConnected {
		if err := r.store.SetAccountStatus(wctx, r.acct.ID, model.StatusConnected); err != nil {
			r.log.Warn("restore account status", "error", err)
		}
	}
	return nil
}

func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

func keySet(keys []model.SenderKey) map[model.SenderKey]struct{} {
	set := make(map[model.SenderKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// subtract returns the items of a not present in b, keeping a's order and
// dropping duplicates.
func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := drop[s]; ok {
			continue
		}
		drop[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
