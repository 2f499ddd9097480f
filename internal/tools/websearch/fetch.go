package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/sentinel/internal/helpers"
)

const maxHTMLBytes = 4 << 20

// Fetcher turns a URL into a title and readable text.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (title, text string, err error)
}

// HTTPFetcher downloads pages with a plain GET.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0"
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return "", "", err
	}
	title, text := extract(string(body), rawURL)
	return title, text, nil
}

// ChromeFetcher renders pages in headless Chrome before extraction.
type ChromeFetcher struct {
	timeout   time.Duration
	userAgent string
}

func NewChromeFetcher(timeout time.Duration, userAgent string) *ChromeFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ChromeFetcher{timeout: timeout, userAgent: userAgent}
}

func (f *ChromeFetcher) Fetch(ctx context.Context, rawURL string) (string, string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", "", errors.New("invalid url")
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", true))
	if f.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.userAgent))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("render %s: %w", rawURL, err)
	}
	title, text := extract(html, rawURL)
	return title, text, nil
}

// fallbackFetcher renders with the secondary fetcher when the primary yields
// less than minChars of text (typically script-built pages).
type fallbackFetcher struct {
	primary   Fetcher
	secondary Fetcher
	minChars  int
}

func (f fallbackFetcher) Fetch(ctx context.Context, rawURL string) (string, string, error) {
	title, text, err := f.primary.Fetch(ctx, rawURL)
	if err == nil && len([]rune(text)) >= f.minChars {
		return title, text, nil
	}
	t2, text2, err2 := f.secondary.Fetch(ctx, rawURL)
	if err2 != nil {
		if err != nil {
			return "", "", err
		}
		return title, text, nil
	}
	if len([]rune(text2)) > len([]rune(text)) {
		return t2, text2, nil
	}
	return title, text, err
}

// extract runs readability over the document and falls back to stripping
// every tag when no article can be found.
func extract(html, rawURL string) (string, string) {
	if strings.TrimSpace(html) == "" {
		return "", ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err == nil {
		text := helpers.CollapseWhitespace(article.TextContent)
		if text != "" {
			return strings.TrimSpace(article.Title), text
		}
	}
	return "", helpers.StripHTML(html)
}
