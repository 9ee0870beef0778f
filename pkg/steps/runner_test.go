package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyError struct{ retriable bool }

func (e *flakyError) Error() string   { return "flaky" }
func (e *flakyError) Retriable() bool { return e.retriable }

func immediate(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts}
}

func TestScope_MemoizesWithinRun(t *testing.T) {
	runner := NewRunner(NewMemoryStore(), WithRetryPolicy(immediate(1)))
	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		return "hello", nil
	}

	first, err := Do(context.Background(), runner.Scope("run-1"), "greet", fn)
	require.NoError(t, err)

	// A fresh scope for the same run replays the recorded value.
	second, err := Do(context.Background(), runner.Scope("run-1"), "greet", fn)
	require.NoError(t, err)

	assert.Equal(t, "hello", first)
	assert.Equal(t, "hello", second)
	assert.Equal(t, 1, calls)
}

func TestScope_RepeatedNamesGetDistinctKeys(t *testing.T) {
	store := NewMemoryStore()
	scope := NewRunner(store).Scope("run-1")

	a, err := Do(context.Background(), scope, "get-credential", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	b, err := Do(context.Background(), scope, "get-credential", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	_, ok, _ := store.Load(context.Background(), "run-1", "get-credential:1")
	assert.True(t, ok)
}

func TestScope_DifferentRunsDoNotShareResults(t *testing.T) {
	runner := NewRunner(nil)
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	a, err := Do(context.Background(), runner.Scope("run-a"), "count", fn)
	require.NoError(t, err)
	b, err := Do(context.Background(), runner.Scope("run-b"), "count", fn)
	require.NoError(t, err)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestScope_RetriesTransientErrors(t *testing.T) {
	runner := NewRunner(nil, WithRetryPolicy(immediate(3)))
	calls := 0

	out, err := Do(context.Background(), runner.Scope("run-1"), "call", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &flakyError{retriable: true}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestScope_DoesNotRetryNonRetriable(t *testing.T) {
	runner := NewRunner(nil, WithRetryPolicy(immediate(5)))
	calls := 0

	_, err := Do(context.Background(), runner.Scope("run-1"), "call", func(context.Context) (string, error) {
		calls++
		return "", &flakyError{retriable: false}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var fe *flakyError
	assert.True(t, errors.As(err, &fe))
}

func TestScope_FailuresAreNotMemoized(t *testing.T) {
	runner := NewRunner(nil, WithRetryPolicy(immediate(1)))
	fail := true
	fn := func(context.Context) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "recovered", nil
	}

	_, err := Do(context.Background(), runner.Scope("run-1"), "call", fn)
	require.Error(t, err)

	fail = false
	out, err := Do(context.Background(), runner.Scope("run-1"), "call", fn)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
}

func TestScope_StopsRetryingWhenContextCancelled(t *testing.T) {
	runner := NewRunner(nil, WithRetryPolicy(RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Do(ctx, runner.Scope("run-1"), "call", func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errors.New("transient")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWrap_PassesParams(t *testing.T) {
	type req struct{ Prompt string }
	scope := NewRunner(nil).Scope("run-1")

	out, err := Wrap(context.Background(), scope, "generate", func(_ context.Context, r req) (string, error) {
		return "echo: " + r.Prompt, nil
	}, req{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.False(t, IsRetriable(context.Canceled))
	assert.False(t, IsRetriable(NonRetriable(errors.New("config"))))
	assert.True(t, IsRetriable(errors.New("network")))
	assert.False(t, IsRetriable(&flakyError{retriable: false}))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}.normalized()

	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.backoff(4))
}
