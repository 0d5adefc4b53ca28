// Package fetch downloads asset bytes using the Colly collector.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// Config controls downloader behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
}

// Downloader implements pipeline.Downloader using Colly.
type Downloader struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Downloader.
func New(cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Downloader{cfg: cfg, base: c}
}

// Download executes a single HTTP GET and returns the response body. A
// non-2xx status or transport error returns a *pipeline.DownloadFailure.
func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	collector := d.base.Clone()
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(d.cfg.Timeout)

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if d.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", d.cfg.AcceptLanguage)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("download canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, &pipeline.DownloadFailure{URL: rawURL, StatusCode: status, Err: fetchErr}
		}
		if err != nil {
			return nil, &pipeline.DownloadFailure{URL: rawURL, StatusCode: status, Err: err}
		}
	}
	if status < 200 || status >= 300 {
		return nil, &pipeline.DownloadFailure{URL: rawURL, StatusCode: status}
	}
	return body, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
