package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/observability"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const (
	defaultPageTimeout = 60 * time.Second
	defaultMaxPages    = 100
	maxBodyBytes       = 2 << 20
	crawlerUserAgent   = "sibyl-crawler/1.0"
)

// FetchConfig bounds one crawl walk. Include/exclude patterns apply to
// discovered links, never to the root URL itself.
type FetchConfig struct {
	IncludePatterns []string
	ExcludePatterns []string
	MaxDepth        int // 0 fetches only the root
	MaxPages        int // cap on page attempts
	PageTimeout     time.Duration
}

// PageResult is one page attempt. Exactly one of Page or Err is set.
type PageResult struct {
	URL    string
	Depth  int
	Status int
	Page   *Page
	Err    error
}

// Fetcher walks a site breadth-first, staying on the root's host.
type Fetcher struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewFetcher(client *http.Client, logger *zap.Logger, metrics *observability.Metrics) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, logger: logger, metrics: metrics}
}

// Crawl fetches rootURL and everything reachable within the configured
// depth, calling visit for every attempt that produced a page or an
// error. Non-HTML responses are skipped silently. visit returning an
// error aborts the walk.
func (f *Fetcher) Crawl(ctx context.Context, rootURL string, cfg FetchConfig, visit func(PageResult) error) (fetched, failed int, err error) {
	root, err := url.Parse(rootURL)
	if err != nil || root.Host == "" || (root.Scheme != "http" && root.Scheme != "https") {
		return 0, 0, apperrors.NewValidation("source URL must be absolute http(s)")
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	timeout := cfg.PageTimeout
	if timeout <= 0 {
		timeout = defaultPageTimeout
	}

	type target struct {
		url   string
		depth int
	}
	start := *root
	start.Fragment = ""
	frontier := []target{{url: start.String(), depth: 0}}
	seen := map[string]bool{start.String(): true}
	attempts := 0

	for len(frontier) > 0 && attempts < maxPages {
		if err := ctx.Err(); err != nil {
			return fetched, failed, err
		}
		next := frontier[0]
		frontier = frontier[1:]
		attempts++

		res := f.fetchPage(ctx, next.url, next.depth, timeout)
		switch {
		case res.Err != nil:
			failed++
			f.countPage("failed")
			f.logger.Warn("page fetch failed",
				zap.String("url", next.url),
				zap.Int("status", res.Status),
				zap.Error(res.Err))
		case res.Page == nil:
			f.countPage("skipped")
			f.logger.Debug("non-html page skipped", zap.String("url", next.url))
			continue
		default:
			fetched++
			f.countPage("fetched")
			if next.depth < cfg.MaxDepth {
				for _, link := range res.Page.Links {
					if seen[link] || !admit(link, root, cfg) {
						continue
					}
					seen[link] = true
					frontier = append(frontier, target{url: link, depth: next.depth + 1})
				}
			}
		}
		if err := visit(res); err != nil {
			return fetched, failed, err
		}
	}
	return fetched, failed, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, pageURL string, depth int, timeout time.Duration) PageResult {
	res := PageResult{URL: pageURL, Depth: depth}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, pageURL, nil)
	if err != nil {
		res.Err = apperrors.NewValidation("page URL is not requestable")
		return res
	}
	req.Header.Set("User-Agent", crawlerUserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		res.Err = apperrors.NewUnavailable("page fetch failed", err)
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		res.Err = apperrors.NewUnavailable(fmt.Sprintf("page returned status %d", resp.StatusCode), nil)
		return res
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" &&
		!strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return res // skipped
	}

	page, err := ParseHTML(pageURL, io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res.Err = apperrors.Wrap(err, "page parse failed")
		return res
	}
	res.Page = page
	return res
}

// admit decides whether a discovered link joins the frontier.
func admit(link string, root *url.URL, cfg FetchConfig) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host != root.Host {
		return false
	}
	for _, p := range cfg.ExcludePatterns {
		if matchPattern(u, p) {
			return false
		}
	}
	if len(cfg.IncludePatterns) == 0 {
		return true
	}
	for _, p := range cfg.IncludePatterns {
		if matchPattern(u, p) {
			return true
		}
	}
	return false
}

// matchPattern treats patterns containing glob metacharacters as path
// globs and anything else as a substring of the full URL.
func matchPattern(u *url.URL, pattern string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, u.Path)
		return err == nil && ok
	}
	return strings.Contains(u.String(), pattern)
}

func (f *Fetcher) countPage(outcome string) {
	if f.metrics == nil {
		return
	}
	f.metrics.CrawlPages.WithLabelValues(outcome).Inc()
}
