package gmail

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"mailmirror/internal/metrics"
	"mailmirror/internal/provider"
)

type errKind int

const (
	errPermanent errKind = iota
	errRetry
	errAuth
	errNotFound
)

// classify maps a Gmail API failure onto the provider error taxonomy.
func classify(err error) errKind {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			if code := re.Response.StatusCode; code == http.StatusTooManyRequests || code >= 500 {
				return errRetry
			}
		}
		return errAuth
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == http.StatusUnauthorized:
			return errAuth
		case ge.Code == http.StatusForbidden:
			for _, item := range ge.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "backendError":
					return errRetry
				}
			}
			return errAuth
		case ge.Code == http.StatusNotFound:
			return errNotFound
		case ge.Code == http.StatusTooManyRequests, ge.Code >= 500:
			return errRetry
		}
		return errPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errRetry
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return errRetry
	}
	return errPermanent
}

// call runs fn under the rate limiter with a per-request timeout, retrying
// retryable failures with jittered exponential backoff. A 404 is returned
// unwrapped so callers can test it with isNotFound.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The next token would arrive after ctx's deadline.
			return fmt.Errorf("%s: waiting for rate limiter: %w", op, context.DeadlineExceeded)
		}
		rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		err := fn(rctx)
		cancel()
		if err == nil {
			metrics.ProviderCall(op, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch classify(err) {
		case errAuth:
			metrics.ProviderCall(op, "auth")
			return &provider.AuthError{Op: op, Err: err}
		case errNotFound:
			metrics.ProviderCall(op, "notfound")
			return err
		case errPermanent:
			metrics.ProviderCall(op, "error")
			return fmt.Errorf("%s: %w", op, err)
		}
		metrics.ProviderCall(op, "retry")
		c.log.Debug("retrying gmail request", "op", op, "attempt", attempt+1, "error", err)
		last = err
	}
	return fmt.Errorf("%s after %d attempts: %w: %w", op, c.opts.MaxAttempts, provider.ErrTransient, last)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay << (attempt - 1)
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	// Jitter in [d/2, d).
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isNotFound(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusNotFound
}
