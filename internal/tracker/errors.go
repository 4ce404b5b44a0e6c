package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedResponse marks a response the backend could not interpret.
var ErrMalformedResponse = errors.New("tracker: malformed response")

// APIError is a non-success answer from the tracker API.
type APIError struct {
	Tracker    string
	StatusCode int
	// Code is a tracker-specific error code (e.g. a GraphQL extension code).
	Code    string
	Message string
	// RetryAfter is the server's hint, zero when absent.
	RetryAfter time.Duration
	// Temporary forces a transient classification regardless of status.
	Temporary bool
}

func (e *APIError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s API error", e.Tracker)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&sb, " [%s]", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	return sb.String()
}

// classification is the outcome of classify.
type classification struct {
	transient  bool
	retryAfter time.Duration
	status     int
	reason     string
}

// classify decides whether err is worth another attempt.
//
// Transient: network errors, per-attempt timeouts, 429, 5xx and errors the
// backend marked Temporary. Everything else is permanent.
func classify(err error) classification {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c := classification{status: apiErr.StatusCode, retryAfter: apiErr.RetryAfter}
		switch {
		case apiErr.Temporary:
			c.transient, c.reason = true, "rate limited"
			if apiErr.Code != "" {
				c.reason = strings.ToLower(apiErr.Code)
			}
		case apiErr.StatusCode == http.StatusTooManyRequests:
			c.transient, c.reason = true, "rate limited"
		case apiErr.StatusCode >= 500:
			c.transient, c.reason = true, "server error "+strconv.Itoa(apiErr.StatusCode)
		default:
			c.reason = "rejected"
			if apiErr.StatusCode != 0 {
				c.reason += " with status " + strconv.Itoa(apiErr.StatusCode)
			}
		}
		return c
	}
	if errors.Is(err, ErrMalformedResponse) {
		return classification{reason: "malformed response"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classification{transient: true, reason: "timeout"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return classification{transient: true, reason: "timeout"}
		}
		return classification{transient: true, reason: "network error"}
	}
	return classification{reason: "unexpected error"}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// parseResetEpoch reads a unix-seconds rate-limit reset header.
func parseResetEpoch(raw string, now time.Time) time.Duration {
	unix, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || unix <= 0 {
		return 0
	}
	if at := time.Unix(unix, 0); at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// apiErrorFromResponse builds an APIError from a raw HTTP response.
func apiErrorFromResponse(tracker string, resp *http.Response, message string) *APIError {
	e := &APIError{Tracker: tracker, Message: message}
	if resp == nil {
		return e
	}
	e.StatusCode = resp.StatusCode
	now := time.Now()
	e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	if e.RetryAfter == 0 {
		for _, h := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
			if v := resp.Header.Get(h); v != "" && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden) {
				if d := parseResetEpoch(v, now); d > 0 {
					e.RetryAfter = d
					break
				}
			}
		}
	}
	return e
}
