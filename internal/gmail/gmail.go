// Package gmail implements the provider contract on top of the Gmail API.
package gmail

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	gmailv1 "google.golang.org/api/gmail/v1"

	"mailmirror/internal/provider"
)

const user = "me"

// Options tunes concurrency, throttling and retries. Zero values take the
// defaults below.
type Options struct {
	Workers           int
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestTimeout    time.Duration
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 40
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a provider.Client and provider.Cleaner for one Gmail mailbox.
type Client struct {
	svc     *gmailv1.Service
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger
}

var (
	_ provider.Client  = (*Client)(nil)
	_ provider.Cleaner = (*Client)(nil)
)

func New(svc *gmailv1.Service, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		svc:     svc,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		log:     opts.Logger.With("provider", "gmail"),
	}
}
