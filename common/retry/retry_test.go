package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testErrRetryable struct {
}

func (e testErrRetryable) Error() string {
	return "retryable err"
}

func TestRetry(t *testing.T) {
	retryable, nonRetryable := testErrRetryable{}, fmt.Errorf("non-retryable")
	f := func(count *int, errs []error) error {
		cnt := *count
		// to prove the function logic is actually executed
		*count = cnt + 1
		return errs[cnt]
	}
	retryOn := func(e error) bool {
		_, ok := e.(testErrRetryable)
		return ok
	}
	tcs := []struct {
		name     string
		errs     []error
		strategy []RetryOption
		expected int
	}{
		{
			name:     "no retry",
			errs:     []error{nil},
			expected: 1,
		},
		{
			name:     "no retry without retryOn",
			errs:     []error{retryable, nil},
			expected: 1,
		},
		{
			name: "retry with max attempt",
			errs: []error{
				retryable,
				retryable,
				nonRetryable,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(2),
				WithRetryOn(retryOn),
			},
		},
		{
			name: "max attempts exhausted",
			errs: []error{
				retryable,
				retryable,
				retryable,
				retryable,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(2),
				WithRetryOn(retryOn),
			},
		},
		{
			name: "retryOn",
			errs: []error{
				retryable,
				retryable,
				nonRetryable,
				retryable,
				retryable,
			},
			expected: 3,
			strategy: []RetryOption{
				WithMaxAttempts(10),
				WithRetryOn(retryOn),
			},
		},
		{
			name: "stop on success",
			errs: []error{
				retryable,
				nil,
				retryable,
			},
			expected: 2,
			strategy: []RetryOption{
				WithMaxAttempts(10),
				WithRetryOn(retryOn),
				WithBaseDelay(time.Millisecond),
				WithExp(2.0),
				WithJitter(0.5),
			},
		},
	}

	for _, c := range tcs {
		errs, strategy, exp := c.errs, c.strategy, c.expected
		t.Run(c.name, func(t *testing.T) {
			actual := 0
			Retry(
				func() error {
					// f can also return result besides values as long as we refer to
					// the result with pointer so that it won't get lost
					return f(&actual, errs)
				},
				strategy...,
			)
			assert.Equal(t, exp, actual, "unexpected call count for %v and %v", errs, strategy)
		})
	}
}

func TestRetryTimeout(t *testing.T) {
	calls := 0
	err := Retry(
		func() error {
			calls++
			return testErrRetryable{}
		},
		WithRetryOn(func(error) bool { return true }),
		WithBaseDelay(time.Hour),
		WithTimeout(10*time.Millisecond),
	)
	assert.Equal(t, ErrRetryTimedOut, err)
	assert.Equal(t, 1, calls)
}

func TestIsDepOffline(t *testing.T) {
	assert.True(t, IsDepOffline(fmt.Errorf("dial tcp 127.0.0.1:6379: connect: connection refused")))
	assert.True(t, IsDepOffline(fmt.Errorf("boom: %w", fmt.Errorf("connect: connection refused"))))
	assert.False(t, IsDepOffline(fmt.Errorf("boom")))
	assert.False(t, IsDepOffline(nil))
}
