package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 503}, true},
		{"temporary graphql", &APIError{StatusCode: 200, Code: "RATELIMITED", Temporary: true}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"malformed", fmt.Errorf("%w: nope", ErrMalformedResponse), false},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), true},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, classify(tt.err).transient)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5", now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-1", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestAPIErrorFromResponse(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")
	e := apiErrorFromResponse("linear", resp, "slow down")
	assert.Equal(t, 429, e.StatusCode)
	assert.Equal(t, 7*time.Second, e.RetryAfter)
	assert.Contains(t, e.Error(), "status 429")
	assert.Contains(t, e.Error(), "slow down")

	reset := &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{}}
	reset.Header.Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
	e = apiErrorFromResponse("github", reset, "")
	assert.Greater(t, e.RetryAfter, 50*time.Minute)

	assert.Zero(t, apiErrorFromResponse("x", nil, "m").StatusCode)
}
