package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"network", &NetworkError{Err: fmt.Errorf("dial tcp: refused")}, ClassRetriable},
		{"timeout", &TimeoutError{Op: "fetch"}, ClassRetriable},
		{"rate limit", &RateLimitError{Msg: "slow down"}, ClassRetriable},
		{"server 503", &ServerError{Status: 503}, ClassRetriable},
		{"auth", &AuthError{Msg: "bad key"}, ClassNonRetriable},
		{"validation", &ValidationError{Msg: "bad size"}, ClassNonRetriable},
		{"funds", &InsufficientFundsError{Msg: "margin"}, ClassNonRetriable},
		{"state", &ExchangeStateError{Msg: "order gone"}, ClassNonRetriable},
		{"breaker open", &BreakerOpenError{Category: CategoryOrders}, ClassSystem},
		{"ctx canceled", context.Canceled, ClassSystem},
		{"ctx deadline", context.DeadlineExceeded, ClassSystem},
		{"string fragment", fmt.Errorf("read: connection reset by peer"), ClassRetriable},
		{"unknown", fmt.Errorf("weird venue behaviour"), ClassNonRetriable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifySeesThroughWrapping(t *testing.T) {
	err := errors.Wrap(&RateLimitError{Msg: "429"}, "execute order")
	assert.Equal(t, ClassRetriable, Classify(err))

	err = errors.Wrap(context.Canceled, "fetch balance")
	assert.Equal(t, ClassSystem, Classify(err))
}

func TestCountsForBreaker(t *testing.T) {
	assert.True(t, CountsForBreaker(&ServerError{Status: 500}))
	assert.False(t, CountsForBreaker(&ValidationError{Msg: "x"}))
	assert.False(t, CountsForBreaker(&BreakerOpenError{}))
	assert.False(t, CountsForBreaker(context.Canceled))
}

func TestRetryAfterHint(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryAfterHint(&RateLimitError{RetryAfter: 5 * time.Second}))
	assert.Equal(t, time.Duration(0), RetryAfterHint(&ServerError{Status: 500}))
}
