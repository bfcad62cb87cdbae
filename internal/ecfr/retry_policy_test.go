package ecfr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond)

	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(errors.New("connection reset"), 1))
	assert.False(t, p.ShouldRetry(errors.New("connection reset"), 3))
	assert.False(t, p.ShouldRetry(fmt.Errorf("fetch: %w", context.DeadlineExceeded), 1))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.True(t, p.ShouldRetry(&StatusError{URL: "u", StatusCode: http.StatusBadGateway}, 1))
	assert.True(t, p.ShouldRetry(fmt.Errorf("get: %w", &StatusError{StatusCode: http.StatusTooManyRequests}), 2))
	assert.False(t, p.ShouldRetry(&StatusError{URL: "u", StatusCode: http.StatusNotFound}, 1))
}

func TestRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}
