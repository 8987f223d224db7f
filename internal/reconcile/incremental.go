package reconcile

import (
	"context"
	"errors"

	"mailmirror/internal/model"
	"mailmirror/internal/provider"
)

// incremental applies the change feed since the stored cursor. An expired
// cursor switches the same run to a full scan.
func (r *run) incremental(ctx context.Context) (outcome, error) {
	page, err := r.client.HistoryChanges(ctx, r.acct.HistoryCursor)
	if errors.Is(err, provider.ErrCursorExpired) {
		page, err = provider.HistoryPage{Expired: true}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	if page.Expired {
		r.log.Info("history cursor expired, falling back to full scan")
		r.t.fellBack = true
		r.t.mode = model.ModeFullScan
		return r.fullScan(ctx)
	}

	out := outcome{cursor: r.acct.HistoryCursor, commit: true}
	if page.NewCursor != "" {
		out.cursor = page.NewCursor
	}

	n, err := r.deleteRemote(ctx, page.Deleted)
	if err != nil {
		return outcome{}, err
	}
	r.t.deleted += n

	added := subtract(page.Added, page.Deleted)
	if len(added) > 0 {
		missing, err := r.store.MissingRemoteIDs(ctx, r.acct.ID, added)
		if err != nil {
			return outcome{}, err
		}
		if err := r.ingest(ctx, missing); err != nil {
			return outcome{}, err
		}
	}

	if updated := subtract(subtract(page.Updated, page.Added), page.Deleted); len(updated) > 0 {
		if err := r.refresh(ctx, updated); err != nil {
			return outcome{}, err
		}
	}

	if len(page.Added) == 0 && len(page.Deleted) == 0 {
		if err := r.verifyRecent(ctx); err != nil {
			return outcome{}, err
		}
		if r.t.added == 0 && !r.acct.OrphanCheckDone {
			if err := r.orphanCheck(ctx); err != nil {
				return outcome{}, err
			}
		}
	}
	return out, nil
}

// verifyRecent samples the newest remote ids and ingests any the mirror
// lacks. It catches changes the feed did not report.
func (r *run) verifyRecent(ctx context.Context) error {
	if r.cfg.VerifyWindow <= 0 {
		return nil
	}
	ids, err := r.client.ListRecent(ctx, r.cfg.VerifyQuery, r.cfg.VerifyWindow)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	known := r.unmirrorable(r.acct.ID)
	missing, err := r.store.MissingRemoteIDs(ctx, r.acct.ID, known.filter(ids))
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	r.log.Info("recent messages missing from mirror", "count", len(missing))
	r.dropped = r.dropped[:0]
	err = r.ingest(ctx, missing)
	known.add(r.dropped)
	return err
}

// orphanCheck removes mirrored messages that no longer exist remotely. It
// runs once per account; an empty remote listing is not trusted.
func (r *run) orphanCheck(ctx context.Context) error {
	remote, err := r.client.ListAllIDs(ctx, 0)
	if err != nil {
		return err
	}
	if len(remote) == 0 {
		r.log.Warn("orphan check skipped: remote enumeration is empty")
		return nil
	}
	r.t.mode = model.ModeOrphanCheck

	local, err := r.store.RemoteIDs(ctx, r.acct.ID)
	if err != nil {
		return err
	}
	orphans := subtract(local, remote)
	n, err := r.deleteRemote(ctx, orphans)
	if err != nil {
		return err
	}
	r.t.orphans += n
	if err := r.store.SetOrphanCheckDone(context.WithoutCancel(ctx), r.acct.ID); err != nil {
		return err
	}
	r.log.Info("orphan check done", "removed", n)
	return nil
}
