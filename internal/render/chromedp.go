// Package render drives headless Chrome via chromedp to produce final HTML.
package render

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// Config controls renderer behavior.
type Config struct {
	// BaseTimeout is multiplied by the attempt number to produce each
	// attempt's navigation budget.
	BaseTimeout time.Duration
	MaxAttempts int
	// BackoffBase scales the 2^n wait between attempts.
	BackoffBase    time.Duration
	SettleDelay    time.Duration
	ViewportWidth  int64
	ViewportHeight int64
	UserAgent      string
	AcceptLanguage string
}

// ChromeRenderer renders pages using headless Chrome. Each Render call runs
// an isolated browser session; nothing is shared across URLs.
type ChromeRenderer struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a renderer using the provided configuration.
func New(cfg Config, logger *zap.Logger) *ChromeRenderer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1366
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 900
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeRenderer{cfg: cfg, logger: logger}
}

// Render executes the page with JavaScript enabled and returns the final DOM.
// The browser session spans the whole multi-attempt loop and is released on
// every exit path. Timeout and transport failures are retried with exponential
// backoff; any other error surfaces immediately.
func (r *ChromeRenderer) Render(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(r.cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	// Start the browser before any attempt deadline exists. The first Run
	// on a chromedp context allocates the browser process on that context,
	// so running it under a per-attempt timeout would kill the process when
	// the deadline fires and leave later attempts without a browser.
	if err := chromedp.Run(browserCtx); err != nil {
		return "", fmt.Errorf("start browser: %w", err)
	}

	return r.renderLoop(ctx, rawURL, func(budget time.Duration) (string, error) {
		return r.runAttempt(browserCtx, rawURL, budget)
	})
}

// renderLoop drives the attempt/backoff cycle. run executes one attempt with
// the given navigation budget.
func (r *ChromeRenderer) renderLoop(
	ctx context.Context,
	rawURL string,
	run func(budget time.Duration) (string, error),
) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, backoff(r.cfg.BackoffBase, attempt-1)); err != nil {
				return "", fmt.Errorf("render backoff: %w", err)
			}
		}

		html, err := run(attemptTimeout(r.cfg.BaseTimeout, attempt))
		if err == nil {
			return html, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("render canceled: %w", ctx.Err())
		}
		if !retryable(err) {
			return "", err
		}
		lastErr = err
		r.logger.Warn("render attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return "", &pipeline.RenderFailure{URL: rawURL, Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

// runAttempt opens a fresh tab on the long-lived browser and navigates under
// the attempt's budget. A timeout tears down only the tab, not the browser.
func (r *ChromeRenderer) runAttempt(browserCtx context.Context, rawURL string, budget time.Duration) (string, error) {
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	taskCtx, cancel := context.WithTimeout(tabCtx, budget)
	defer cancel()

	var html string
	var ready bool
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(r.cfg.UserAgent),
		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": r.cfg.AcceptLanguage,
		}),
		chromedp.EmulateViewport(r.cfg.ViewportWidth, r.cfg.ViewportHeight),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Poll(`document.readyState === "complete"`, &ready),
		// Settle delay for content injected after the readiness signal.
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

// attemptTimeout scales the navigation budget with the attempt number.
func attemptTimeout(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// backoff waits base·2^n between attempts.
func backoff(base time.Duration, n int) time.Duration {
	return base * time.Duration(1<<uint(n))
}

// retryable reports whether the attempt failure is a timeout or transport
// error worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
