package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/oauth2"

	"mailmirror/internal/api"
	"mailmirror/internal/cleanup"
	"mailmirror/internal/config"
	"mailmirror/internal/credential"
	"mailmirror/internal/gmail"
	"mailmirror/internal/model"
	"mailmirror/internal/notify"
	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
	"mailmirror/internal/reconcile"
	"mailmirror/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	store     *store.Store
	creds     *credential.Store
	policy    *policy.Policy
	reconcile *reconcile.Reconciler
	cleanup   *cleanup.Service
	publisher *notify.Publisher

	oauthOnce sync.Once
	oauthCfg  *oauth2.Config
	oauthErr  error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	creds, err := credential.Open(credential.Config{
		Service:      cfg.Keyring.Service,
		FileDir:      cfg.Keyring.FileDir,
		FilePassword: cfg.Keyring.FilePassword,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	pol, err := policy.New(cfg.PolicyTiers(), cfg.Policy.DefaultTier)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: db, creds: creds, policy: pol}

	var notifier reconcile.Notifier = notify.Nop{}
	if cfg.NATS.URL != "" {
		pub, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := pub.EnsureStream(ctx); err != nil {
			pub.Close()
			db.Close()
			return nil, err
		}
		a.publisher = pub
		notifier = pub
	}

	a.reconcile = reconcile.New(db, pol,
		func(ctx context.Context, acct model.Account) (provider.Client, error) {
			return a.gmailClient(ctx, acct)
		},
		reconcile.WithConfig(cfg.ReconcileConfig()),
		reconcile.WithNotifier(notifier),
	)
	a.cleanup = cleanup.New(db, func(ctx context.Context, acct model.Account) (provider.Cleaner, error) {
		return a.gmailClient(ctx, acct)
	}, nil)
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
}

func (a *app) oauthConfig() (*oauth2.Config, error) {
	a.oauthOnce.Do(func() {
		a.oauthCfg, a.oauthErr = gmail.OAuthConfig(a.cfg.Gmail.CredentialsFile)
	})
	return a.oauthCfg, a.oauthErr
}

// gmailClient builds a client from the account's stored token. A missing
// token is reported as expired authorization.
func (a *app) gmailClient(ctx context.Context, acct model.Account) (*gmail.Client, error) {
	tok, err := a.creds.Token(acct.ID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, &provider.AuthError{Op: "load token", Err: err}
	}
	if err != nil {
		return nil, err
	}
	oc, err := a.oauthConfig()
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, oc, tok, func(t *oauth2.Token) error {
		return a.creds.SaveToken(acct.ID, t)
	})
	if err != nil {
		return nil, err
	}
	return gmail.New(svc, a.cfg.GmailOptions()), nil
}

func (a *app) serve(ctx context.Context) error {
	srv := api.New(a.store, a.reconcile, a.cleanup, nil)
	return api.ListenAndServe(ctx, a.cfg.HTTP.Addr, srv.Handler(a.cfg.HTTP.AllowedOrigins))
}

func (a *app) syncCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	full := fs.Bool("full", false, "force a full scan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: mailmirror sync [-full] <account>")
	}
	res, err := a.reconcile.Sync(ctx, fs.Arg(0), reconcile.Options{ForceFull: *full})
	var throttled *policy.ThrottledError
	if errors.As(err, &throttled) {
		return fmt.Errorf("synced too recently on plan %s, retry in %s", throttled.Plan, throttled.RetryAfter.Round(time.Second))
	}
	if res.Mode != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(res); eerr != nil {
			return eerr
		}
	}
	return err
}

func (a *app) accountsCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mailmirror accounts add|list|remove")
	}
	switch args[0] {
	case "add":
		return a.addAccount(ctx, args[1:])
	case "list":
		accounts, err := a.store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tPLAN\tMESSAGES\tLAST SYNC")
		for _, acct := range accounts {
			last := "never"
			if acct.LastSyncedAt != nil {
				last = acct.LastSyncedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", acct.ID, acct.Address, acct.Status, acct.Plan, acct.TotalMessages, last)
		}
		return w.Flush()
	case "remove":
		if len(args) != 2 {
			return errors.New("usage: mailmirror accounts remove <account>")
		}
		if err := a.store.DeleteAccount(ctx, args[1]); err != nil {
			return err
		}
		return a.creds.Delete(args[1])
	}
	return fmt.Errorf("unknown accounts command %q", args[0])
}

// addAccount runs the consent flow, reads the mailbox address from the
// profile and stores the account with its token.
func (a *app) addAccount(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("accounts add", flag.ContinueOnError)
	userID := fs.String("user", "local", "owner of the account")
	plan := fs.String("plan", a.cfg.Policy.DefaultTier, "sync plan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	oc, err := a.oauthConfig()
	if err != nil {
		return err
	}
	tok, err := gmail.Authorize(ctx, oc, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	svc, err := gmail.NewService(ctx, oc, tok, nil)
	if err != nil {
		return err
	}
	prof, err := gmail.New(svc, a.cfg.GmailOptions()).Profile(ctx)
	if err != nil {
		return err
	}

	acct, err := a.store.FindAccount(ctx, *userID, prof.Address)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct, err = a.store.CreateAccount(ctx, model.Account{UserID: *userID, Address: prof.Address, Plan: *plan})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := a.store.SetAccountStatus(ctx, acct.ID, model.StatusConnected); err != nil {
			return err
		}
	}
	if err := a.creds.SaveToken(acct.ID, tok); err != nil {
		return err
	}
	fmt.Printf("Connected %s as account %s\n", prof.Address, acct.ID)
	return nil
}

func (a *app) sendersCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("senders", flag.ContinueOnError)
	limit := fs.Int("limit", 25, "number of senders to show, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: mailmirror senders [-limit n] <account>")
	}
	if _, err := a.store.GetAccount(ctx, fs.Arg(0)); err != nil {
		return err
	}
	senders, err := a.store.ListAggregates(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COUNT\tUNREAD\tSENDER\tLAST\tFLAGS")
	for _, s := range senders {
		flags := ""
		if s.Newsletter {
			flags += "newsletter "
		}
		if s.Promotional {
			flags += "promo "
		}
		if s.OneClick {
			flags += "one-click"
		}
		fmt.Fprintf(w, "%d\t%d\t%s <%s>\t%s\t%s\n", s.Count, s.UnreadCount, s.SenderName, s.SenderAddress,
			s.LastAt.Local().Format("2006-01-02"), flags)
	}
	return w.Flush()
}
