package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coverline/dispatch-core/internal/errs"
)

func TestRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsImmediatelyOnNonRetryableDomainError(t *testing.T) {
	calls := 0
	sentinel := errs.New(errs.CodeReqNotFound, "not found")
	err := Retry(context.Background(), func() error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesSysUnavailableUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.CodeSysUnavailable, "transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterFiveAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return errs.New(errs.CodeSysUnavailable, "always down")
	})
	assert.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestRetryStopsImmediatelyOnPlainNonDomainError(t *testing.T) {
	calls := 0
	plain := errors.New("boom")
	err := Retry(context.Background(), func() error {
		calls++
		return plain
	})
	assert.Equal(t, plain, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, func() error {
		calls++
		return errs.New(errs.CodeSysUnavailable, "transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
