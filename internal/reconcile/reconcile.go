// Package reconcile keeps the local mirror of a mailbox consistent with the
// provider. A sync picks incremental, full-scan or orphan-check mode, applies
// the resulting deltas through the store and commits the new cursor.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mailmirror/internal/metrics"
	"mailmirror/internal/model"
	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
)

var (
	ErrDisconnected   = errors.New("reconcile: account disconnected")
	ErrSyncInProgress = errors.New("reconcile: sync already running for account")
)

// Store declares the persistence capabilities the reconciler needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error
	ClearCursor(ctx context.Context, id string) error
	SetOrphanCheckDone(ctx context.Context, id string) error
	CommitSync(ctx context.Context, id string, at time.Time, cursor model.Cursor) (int, error)
	SumAggregateCounts(ctx context.Context, accountID string) (int, error)

	RemoteIDs(ctx context.Context, accountID string) ([]string, error)
	MissingRemoteIDs(ctx context.Context, accountID string, remoteIDs []string) ([]string, error)
	UpsertMessages(ctx context.Context, msgs []model.Message) ([]bool, error)
	UpsertMessage(ctx context.Context, m model.Message) (bool, error)
	UpdateMessageState(ctx context.Context, accountID, remoteID string, unread bool, labels []string) (model.SenderKey, bool, error)
	DeleteMessagesByRemoteID(ctx context.Context, accountID string, remoteIDs []string) ([]model.SenderKey, int, error)
	ReplaceAccountMessages(ctx context.Context, accountID string, msgs []model.Message) ([]model.SenderKey, int, error)
	WipeAccountMessages(ctx context.Context, accountID string) ([]model.SenderKey, error)
	RecomputeAggregate(ctx context.Context, accountID string, key model.SenderKey) error
}

// ProviderFactory returns a provider client authorized for acct. It returns
// an error matching provider.ErrAuthExpired when no valid credential exists.
type ProviderFactory func(ctx context.Context, acct model.Account) (provider.Client, error)

// Notifier is told about every committed sync.
type Notifier interface {
	Notify(ctx context.Context, acct model.Account, res model.SyncResult) error
}

// Config tunes mode selection and batching.
type Config struct {
	StaleAfter     time.Duration // older syncs run a full scan
	VerifyWindow   int           // recent ids sampled when the feed reports nothing
	VerifyQuery    string
	FetchChunk     int
	FullScanBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * 24 * time.Hour
	}
	if c.VerifyWindow < 0 {
		c.VerifyWindow = 0
	} else if c.VerifyWindow == 0 {
		c.VerifyWindow = 50
	}
	if c.FetchChunk <= 0 {
		c.FetchChunk = 100
	}
	if c.FullScanBudget <= 0 {
		c.FullScanBudget = 10 * time.Minute
	}
	return c
}

// Options are per-call sync options.
type Options struct {
	ForceFull bool
}

type Reconciler struct {
	store     Store
	policy    *policy.Policy
	providers ProviderFactory
	notifier  Notifier
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	running    sync.Map // account id -> *sync.Mutex
	unmirrored sync.Map // account id -> *idSet
}

// idSet holds remote ids that fetched fine but can never be mirrored
// (self-sent or malformed). The recent-window check skips them.
type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (r *Reconciler) unmirrorable(accountID string) *idSet {
	v, _ := r.unmirrored.LoadOrStore(accountID, &idSet{ids: make(map[string]struct{})})
	return v.(*idSet)
}

func (s *idSet) add(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

// filter returns the ids not in the set.
func (s *idSet) filter(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.ids[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

type Option func(*Reconciler)

func WithConfig(cfg Config) Option { return func(r *Reconciler) { r.cfg = cfg } }

func WithNotifier(n Notifier) Option { return func(r *Reconciler) { r.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.log = l } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(store Store, pol *policy.Policy, providers ProviderFactory, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		policy:    pol,
		providers: providers,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.cfg = r.cfg.withDefaults()
	return r
}

// Sync brings the mirror of one account up to date. The returned result is
// meaningful even when err is non-nil: it summarizes what was applied before
// the run stopped.
func (r *Reconciler) Sync(ctx context.Context, accountID string, opts Options) (model.SyncResult, error) {
	start := time.Now()
	res, err := r.sync(ctx, accountID, opts)
	mode := string(res.Mode)
	if mode == "" {
		mode = "none"
	}
	result := metrics.SyncResult(err)
	switch {
	case err == nil && res.Suspect:
		result = "suspect"
	case err == nil && res.Truncated:
		result = "truncated"
	}
	metrics.SyncObserve(mode, result, start)
	metrics.MessagesAdd("added", res.Added)
	metrics.MessagesAdd("deleted", res.Deleted)
	metrics.MessagesAdd("updated", res.Updated)
	metrics.MessagesAdd("skipped", res.Skipped)
	metrics.MessagesAdd("excluded", res.Excluded)
	metrics.MessagesAdd("failed", res.Failed)
	metrics.MessagesAdd("orphan", res.OrphansRemoved)
	return res, err
}

func (r *Reconciler) sync(ctx context.Context, accountID string, opts Options) (model.SyncResult, error) {
	empty := model.SyncResult{AccountID: accountID}

	mu, _ := r.running.LoadOrStore(accountID, &sync.Mutex{})
	if !mu.(*sync.Mutex).TryLock() {
		return empty, ErrSyncInProgress
	}
	defer mu.(*sync.Mutex).Unlock()

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return empty, err
	}
	if acct.Status == model.StatusDisconnected {
		return empty, fmt.Errorf("sync %s: %w", accountID, ErrDisconnected)
	}

	now := r.now()
	tier, err := r.policy.Authorize(acct, now)
	if err != nil {
		return empty, err
	}

	log := r.log.With("account_id", acct.ID)
	client, err := r.providers(ctx, acct)
	if err != nil {
		if provider.IsAuthExpired(err) {
			r.markExpired(ctx, log, acct)
		}
		return empty, fmt.Errorf("sync %s: %w", accountID, err)
	}

	run := &run{
		Reconciler: r,
		acct:       acct,
		client:     client,
		tier:       tier,
		log:        log,
		started:    now,
	}
	run.t.mode = r.selectMode(acct, opts.ForceFull, now)
	log.Info("sync started", "mode", run.t.mode, "plan", tier.Name)

	var out outcome
	if run.t.mode == model.ModeIncremental {
		out, err = run.incremental(ctx)
	} else {
		out, err = run.fullScan(ctx)
	}
	if err == nil && out.commit {
		err = run.commit(ctx, out.cursor)
	}
	if !run.t.committed {
		if total, terr := r.store.SumAggregateCounts(context.WithoutCancel(ctx), acct.ID); terr == nil {
			run.t.total = total
		}
	}
	res := run.t.result(acct.ID)

	if err != nil {
		if provider.IsAuthExpired(err) {
			r.markExpired(ctx, log, acct)
		}
		log.Error("sync failed", "mode", res.Mode, "added", res.Added, "deleted", res.Deleted,
			"skipped", res.Skipped, "failed", res.Failed, "error", err)
		return res, fmt.Errorf("sync %s: %w", accountID, err)
	}
	log.Info("sync finished", "mode", res.Mode, "fell_back", res.FellBack, "added", res.Added,
		"deleted", res.Deleted, "updated", res.Updated, "skipped", res.Skipped, "excluded", res.Excluded,
		"failed", res.Failed, "orphans", res.OrphansRemoved, "total", res.TotalMessages,
		"suspect", res.Suspect, "truncated", res.Truncated)

	if res.Committed && r.notifier != nil {
		if nerr := r.notifier.Notify(context.WithoutCancel(ctx), acct, res); nerr != nil {
			log.Warn("sync notification failed", "error", nerr)
		}
	}
	return res, nil
}

func (r *Reconciler) selectMode(acct model.Account, forceFull bool, now time.Time) model.SyncMode {
	switch {
	case forceFull, !acct.HasCursor():
		return model.ModeFullScan
	case acct.LastSyncedAt == nil, now.Sub(*acct.LastSyncedAt) > r.cfg.StaleAfter:
		return model.ModeFullScan
	}
	return model.ModeIncremental
}

func (r *Reconciler) markExpired(ctx context.Context, log *slog.Logger, acct model.Account) {
	if err := r.store.SetAccountStatus(context.WithoutCancel(ctx), acct.ID, model.StatusExpired); err != nil {
		log.Error("mark account expired", "error", err)
		return
	}
	log.Warn("account authorization expired")
}
