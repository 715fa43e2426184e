// Package fetcher implements the HTTP-only acquisition path (stealth level
// 0): one GET whose body becomes a static synthdom document.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/selwatch/synthdom"
)

// maxBody caps a download.
const maxBody = 10 << 20

// Result is the outcome of an HTTP fetch.
type Result struct {
	URL        string // after redirects
	StatusCode int
	HTML       []byte
	Sufficient bool // the page looks complete without JavaScript
}

// Document parses the fetched HTML into a static document.
func (r *Result) Document() (*synthdom.Document, error) {
	doc, err := synthdom.Parse(string(r.HTML))
	if err != nil {
		return nil, fmt.Errorf("fetcher: parse %s: %w", r.URL, err)
	}
	return doc, nil
}

// Fetcher performs HTTP GETs.
type Fetcher struct {
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; selwatch/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs pageURL. Statuses outside 2xx are errors.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetcher: %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}

	res := &Result{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		HTML:       body,
		Sufficient: IsSufficient(body),
	}
	f.logger.Debug("fetcher: fetched",
		"url", res.URL, "status", resp.StatusCode,
		"size", len(body), "sufficient", res.Sufficient)
	return res, nil
}
