package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/relayerr"
)

const (
	DefaultAttempts      = 3
	DefaultTimeout       = 30 * time.Second
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

// Options controls Client's retry policy.
type Options struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Timeout bounds each attempt.
	Timeout time.Duration
	// RetryDelay is the first backoff; it doubles per retry.
	RetryDelay time.Duration
	// MaxRetryDelay caps a single backoff, including server hints.
	MaxRetryDelay time.Duration
}

// OptionsFromConfig maps tracker settings onto Options.
func OptionsFromConfig(cfg config.TrackerConfig) Options {
	return Options{
		Attempts:      cfg.Retries,
		Timeout:       cfg.Timeout(),
		RetryDelay:    cfg.RetryDelay(),
		MaxRetryDelay: cfg.MaxRetryDelay(),
	}
}

// Client wraps a Tracker with per-attempt timeouts and exponential backoff.
type Client struct {
	tracker Tracker
	opts    Options

	// sleep waits d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns a Client for t. Zero options take the defaults.
func NewClient(t Tracker, opts Options) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return &Client{tracker: t, opts: opts, sleep: sleepCtx}
}

func (c *Client) Name() string { return c.tracker.Name() }

// Ping checks the backend with the per-attempt timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return c.tracker.Ping(ctx)
}

// FindTicket asks a Finder backend for an issue already filed for findingID.
// It makes one attempt under the per-attempt timeout and reports not found
// for backends that cannot search.
func (c *Client) FindTicket(ctx context.Context, teamID, findingID string) (Ticket, bool, error) {
	f, ok := c.tracker.(Finder)
	if !ok {
		return Ticket{}, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	return f.FindIssue(ctx, teamID, findingID)
}

// attempt is the result of one call to the backend.
type attempt struct {
	n      int
	ticket Ticket
	err    error
	class  classification
}

// CreateTicket calls the backend until it succeeds, fails permanently or the
// attempt budget is spent. Failures are returned as relayerr.Delivery errors.
func (c *Client) CreateTicket(ctx context.Context, req TicketRequest) (Ticket, error) {
	var last attempt
	for n := 1; n <= c.opts.Attempts; n++ {
		last = c.try(ctx, n, req)
		if last.err == nil {
			if n > 1 {
				slog.Info("tracker: ticket created after retry", "tracker", c.Name(), "finding_id", req.FindingID, "attempt", n)
			}
			return last.ticket, nil
		}
		if !last.class.transient {
			slog.Warn("tracker: permanent failure",
				"tracker", c.Name(), "finding_id", req.FindingID, "attempt", n, "reason", last.class.reason, "error", last.err)
			return Ticket{}, c.deliveryError(last, "ticket creation rejected")
		}
		if n == c.opts.Attempts {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := c.backoff(n, last.class.retryAfter)
		slog.Warn("tracker: transient failure, retrying",
			"tracker", c.Name(), "finding_id", req.FindingID,
			"attempt", n, "max_attempts", c.opts.Attempts,
			"reason", last.class.reason, "delay", delay, "error", last.err)
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}
	slog.Error("tracker: giving up",
		"tracker", c.Name(), "finding_id", req.FindingID, "attempts", last.n, "reason", last.class.reason, "error", last.err)
	return Ticket{}, c.deliveryError(last, "ticket creation failed after retries")
}

func (c *Client) try(ctx context.Context, n int, req TicketRequest) attempt {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ticket, err := c.tracker.CreateIssue(actx, req)
	a := attempt{n: n, ticket: ticket, err: err}
	if err != nil {
		a.class = classify(err)
	}
	return a
}

// backoff returns RetryDelay * 2^(n-1), or the server hint when present,
// capped at MaxRetryDelay.
func (c *Client) backoff(n int, hint time.Duration) time.Duration {
	d := c.opts.RetryDelay
	for i := 1; i < n && d < c.opts.MaxRetryDelay; i++ {
		d *= 2
	}
	if hint > 0 {
		d = hint
	}
	if d > c.opts.MaxRetryDelay {
		d = c.opts.MaxRetryDelay
	}
	return d
}

func (c *Client) deliveryError(a attempt, message string) error {
	meta := map[string]any{
		"tracker":   c.Name(),
		"attempts":  a.n,
		"reason":    a.class.reason,
		"transient": a.class.transient,
	}
	if a.class.status != 0 {
		meta["last_status"] = a.class.status
	}
	return relayerr.Delivery(a.err, message, meta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
