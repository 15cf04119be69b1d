package pipeline

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasvidal/vigia/internal/errors"
)

func transientErr(msg string) error {
	return errors.Newf("%s", msg).
		Component("test").
		Category(errors.CategoryDatabase).
		Transient().
		Build()
}

func terminalErr(msg string) error {
	return errors.Newf("%s", msg).
		Component("test").
		Category(errors.CategoryValidation).
		Terminal().
		Build()
}

func TestWithRetryEventualSuccess(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return transientErr("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryTerminalErrorNotRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return terminalErr("payload missing")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "terminal errors must surface immediately")
}

func TestWithRetryPlainErrorNotRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return stderrors.New("untagged failure")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := withRetry(context.Background(), 2, time.Millisecond, func() error {
		attempts++
		return transientErr("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "maxRetries of 2 allows three attempts in total")
	assert.True(t, errors.IsRetryable(err))
}

func TestWithRetryContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := withRetry(ctx, 100, time.Hour, func() error {
		attempts++
		return transientErr("never succeeds")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
