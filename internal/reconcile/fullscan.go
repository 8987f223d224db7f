package reconcile

import (
	"context"
	"errors"

	"mailmirror/internal/model"
	"mailmirror/internal/provider"
)

// fullScan enumerates the mailbox, rebuilds the account's mirror from the
// fresh set and hands back the profile cursor for commit. It commits nothing
// when the enumeration is empty or the run is cut short.
func (r *run) fullScan(ctx context.Context) (outcome, error) {
	scanCtx, cancel := context.WithTimeout(ctx, r.cfg.FullScanBudget)
	defer cancel()

	// Cursor first: changes made during the scan are replayed next time.
	prof, err := r.client.Profile(scanCtx)
	if err != nil {
		return r.scanStopped(ctx, scanCtx, nil, err)
	}
	ids, err := r.client.ListAllIDs(scanCtx, r.tier.MaxMessageBudget)
	if err != nil {
		return r.scanStopped(ctx, scanCtx, nil, err)
	}
	if len(ids) == 0 {
		r.t.suspect = true
		r.log.Warn("full scan enumerated no messages, leaving mirror untouched")
		return outcome{}, nil
	}

	fresh := make([]model.Message, 0, len(ids))
	for _, part := range chunks(ids, r.cfg.FetchChunk) {
		if scanCtx.Err() != nil {
			return r.scanStopped(ctx, scanCtx, fresh, scanCtx.Err())
		}
		msgs, err := r.fetchClassify(scanCtx, part)
		if err != nil {
			return r.scanStopped(ctx, scanCtx, fresh, err)
		}
		fresh = append(fresh, msgs...)
	}

	if err := r.rebuild(ctx, fresh); err != nil {
		return outcome{}, err
	}
	return outcome{cursor: prof.Cursor, commit: true}, nil
}

// scanStopped handles an error raised mid-scan. Running out of budget or a
// caller abort keeps the processed prefix; anything else fails the run. A
// provider that refuses to wait past the budget deadline counts as running
// out of budget. The cursor is cleared only when the prefix was applied.
func (r *run) scanStopped(ctx, scanCtx context.Context, prefix []model.Message, cause error) (outcome, error) {
	aborted := ctx.Err() != nil
	budgetHit := !aborted && (scanCtx.Err() != nil ||
		(errors.Is(cause, context.DeadlineExceeded) && !provider.IsTransient(cause)))
	if !budgetHit && !aborted {
		return outcome{}, cause
	}
	r.t.truncated = true
	r.log.Warn("full scan stopped early", "processed", len(prefix), "budget_exceeded", budgetHit, "cause", cause)

	if len(prefix) > 0 {
		wctx := context.WithoutCancel(ctx)
		n, keys := r.upsertAll(wctx, prefix)
		r.t.added += n
		if err := r.recompute(wctx, keys); err != nil {
			return outcome{}, err
		}
		if err := r.store.ClearCursor(wctx, r.acct.ID); err != nil {
			return outcome{}, err
		}
	}
	if aborted {
		return outcome{}, ctx.Err()
	}
	return outcome{}, nil
}

// rebuild replaces the account's messages with fresh and recomputes every
// sender touched before or after. A failed batch replace falls back to a wipe
// followed by per-record inserts.
func (r *run) rebuild(ctx context.Context, fresh []model.Message) error {
	wctx := context.WithoutCancel(ctx)
	before, err := r.store.RemoteIDs(wctx, r.acct.ID)
	if err != nil {
		return err
	}

	oldKeys, _, err := r.store.ReplaceAccountMessages(wctx, r.acct.ID, fresh)
	if err != nil {
		r.log.Warn("batch rebuild failed, retrying per message", "error", err)
		oldKeys, err = r.store.WipeAccountMessages(wctx, r.acct.ID)
		if err != nil {
			return err
		}
		for _, m := range fresh {
			if _, err := r.store.UpsertMessage(wctx, m); err != nil {
				r.t.failed++
				r.log.Error("insert message", "remote_id", m.RemoteID, "error", err)
			}
		}
	}

	keys := keySet(oldKeys)
	for _, m := range fresh {
		keys[m.Key()] = struct{}{}
	}
	if err := r.recompute(wctx, keys); err != nil {
		return err
	}

	after, err := r.store.RemoteIDs(wctx, r.acct.ID)
	if err != nil {
		return err
	}
	r.t.added += len(subtract(after, before))
	r.t.deleted += len(subtract(before, after))
	return nil
}
