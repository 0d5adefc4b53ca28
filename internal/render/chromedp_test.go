package render

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/pipeline"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil)
	require.Equal(t, 3, r.cfg.MaxAttempts)
	require.Equal(t, 15*time.Second, r.cfg.BaseTimeout)
	require.Equal(t, time.Second, r.cfg.BackoffBase)
	require.Equal(t, 2*time.Second, r.cfg.SettleDelay)
	require.Equal(t, int64(1366), r.cfg.ViewportWidth)
	require.Equal(t, int64(900), r.cfg.ViewportHeight)
}

func TestAttemptTimeoutScalesLinearly(t *testing.T) {
	t.Parallel()

	base := 15 * time.Second
	require.Equal(t, 15*time.Second, attemptTimeout(base, 1))
	require.Equal(t, 30*time.Second, attemptTimeout(base, 2))
	require.Equal(t, 45*time.Second, attemptTimeout(base, 3))
}

func TestBackoffDoubles(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2*time.Second, backoff(time.Second, 1))
	require.Equal(t, 4*time.Second, backoff(time.Second, 2))
	require.Equal(t, 8*time.Second, backoff(time.Second, 3))
}

// fastRenderer keeps the loop quick: millisecond backoffs, tiny budgets.
func fastRenderer() *ChromeRenderer {
	return New(Config{
		BaseTimeout: 10 * time.Millisecond,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, nil)
}

func TestRenderLoopExhaustsAllAttempts(t *testing.T) {
	t.Parallel()

	r := fastRenderer()
	var budgets []time.Duration
	_, err := r.renderLoop(context.Background(), "https://x.test/p", func(budget time.Duration) (string, error) {
		budgets = append(budgets, budget)
		return "", fmt.Errorf("chromedp run: %w", context.DeadlineExceeded)
	})

	// Every timeout burns one attempt; only exhaustion is terminal.
	require.Len(t, budgets, 3)
	var renderErr *pipeline.RenderFailure
	require.ErrorAs(t, err, &renderErr)
	require.Equal(t, 3, renderErr.Attempts)
	require.Equal(t, "https://x.test/p", renderErr.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Budgets grow strictly per attempt.
	for i := 1; i < len(budgets); i++ {
		require.Greater(t, budgets[i], budgets[i-1])
	}
}

func TestRenderLoopSucceedsAfterTimeout(t *testing.T) {
	t.Parallel()

	r := fastRenderer()
	calls := 0
	html, err := r.renderLoop(context.Background(), "https://x.test/p", func(time.Duration) (string, error) {
		calls++
		if calls < 2 {
			return "", fmt.Errorf("chromedp run: %w", context.DeadlineExceeded)
		}
		return "<html>ok</html>", nil
	})
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", html)
	require.Equal(t, 2, calls)
}

func TestRenderLoopNonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	r := fastRenderer()
	calls := 0
	crash := errors.New("page crashed")
	_, err := r.renderLoop(context.Background(), "https://x.test/p", func(time.Duration) (string, error) {
		calls++
		return "", crash
	})
	require.ErrorIs(t, err, crash)
	require.Equal(t, 1, calls)

	var renderErr *pipeline.RenderFailure
	require.False(t, errors.As(err, &renderErr))
}

func TestRenderLoopStopsOnParentCancel(t *testing.T) {
	t.Parallel()

	r := fastRenderer()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := r.renderLoop(ctx, "https://x.test/p", func(time.Duration) (string, error) {
		calls++
		cancel()
		return "", fmt.Errorf("chromedp run: %w", context.DeadlineExceeded)
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestRenderLoopRetriesNetErrors(t *testing.T) {
	t.Parallel()

	r := fastRenderer()
	calls := 0
	var netErr net.Error = timeoutNetError{}
	_, err := r.renderLoop(context.Background(), "https://x.test/p", func(time.Duration) (string, error) {
		calls++
		return "", fmt.Errorf("navigate: %w", netErr)
	})
	require.Equal(t, 3, calls)
	var renderErr *pipeline.RenderFailure
	require.ErrorAs(t, err, &renderErr)
}

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "dial timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, retryable(context.DeadlineExceeded))
	require.True(t, retryable(fmt.Errorf("chromedp run: %w", context.DeadlineExceeded)))

	var netErr net.Error = timeoutNetError{}
	require.True(t, retryable(fmt.Errorf("navigate: %w", netErr)))

	require.False(t, retryable(errors.New("page crashed")))
	require.False(t, retryable(context.Canceled))
}

func TestSleepContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepContextCompletes(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
