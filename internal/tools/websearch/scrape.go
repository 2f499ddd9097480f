package websearch

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
)

// PageSeparator joins page contents in the combined corpus.
const PageSeparator = "\n\n---\n\n"

var sepLen = len([]rune(PageSeparator))

// Request is one search_scrape invocation. Zero budgets take the configured
// defaults.
type Request struct {
	Query          string
	TopK           int
	MinChars       int
	MaxPageChars   int
	MaxTotalChars  int
	IncludeDomains []string
	ExcludeDomains []string
}

// Page is one scraped page.
type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Result is the tool output.
type Result struct {
	Query          string `json:"query"`
	Pages          []Page `json:"pages"`
	CombinedCorpus string `json:"combined_corpus"`
}

// Scraper searches, filters, fetches and budgets pages.
type Scraper struct {
	searcher Searcher
	fetcher  Fetcher
	cfg      config.WebSearchConfig
	logger   *log.Logger
}

// NewScraper wires a scraper from configuration. When render_js is on, pages
// that yield too little text are re-fetched through headless Chrome.
func NewScraper(cfg config.WebSearchConfig, logger *log.Logger) (*Scraper, error) {
	searcher, err := NewSearcher(cfg)
	if err != nil {
		return nil, err
	}
	var fetcher Fetcher = NewHTTPFetcher(cfg.Timeout, cfg.UserAgent)
	if cfg.RenderJS {
		fetcher = fallbackFetcher{primary: fetcher, secondary: NewChromeFetcher(2*cfg.Timeout, cfg.UserAgent), minChars: cfg.MinChars}
	}
	return New(searcher, fetcher, cfg, logger), nil
}

// New builds a scraper over explicit backends.
func New(searcher Searcher, fetcher Fetcher, cfg config.WebSearchConfig, logger *log.Logger) *Scraper {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Scraper{searcher: searcher, fetcher: fetcher, cfg: cfg.Normalize(), logger: logger}
}

func (s *Scraper) withDefaults(req Request) Request {
	if req.TopK <= 0 {
		req.TopK = s.cfg.TopK
	}
	if req.TopK < 1 {
		req.TopK = 1
	}
	if req.TopK > 10 {
		req.TopK = 10
	}
	if req.MinChars < 0 {
		req.MinChars = 0
	}
	if req.MaxPageChars <= 0 {
		req.MaxPageChars = s.cfg.MaxPageChars
	}
	if req.MaxTotalChars <= 0 {
		req.MaxTotalChars = s.cfg.MaxTotalChars
	}
	if req.ExcludeDomains == nil {
		req.ExcludeDomains = s.cfg.ExcludeDomains
	}
	return req
}

// SearchScrape runs one query and returns at most TopK readable pages. Pages
// are deduplicated by host and path, filtered by hostname substrings, dropped
// when shorter than MinChars, and truncated at sentence boundaries to the
// per-page and total budgets.
func (s *Scraper) SearchScrape(ctx context.Context, req Request) (*Result, error) {
	req = s.withDefaults(req)
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query required")
	}

	hits, err := s.searcher.Search(ctx, req.Query, max(req.TopK*3, 10))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", req.Query, err)
	}
	candidates := s.candidates(hits, req)

	res := &Result{Query: req.Query, Pages: []Page{}}
	remaining := req.MaxTotalChars
	window := s.cfg.FetchConcurrency
	if window <= 0 {
		window = 4
	}

	for start := 0; start < len(candidates) && len(res.Pages) < req.TopK && remaining > 0; start += window {
		end := min(start+window, len(candidates))
		batch := s.fetchBatch(ctx, candidates[start:end])
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, p := range batch {
			if len(res.Pages) >= req.TopK || remaining <= 0 {
				break
			}
			if p.Content == "" || len([]rune(p.Content)) < req.MinChars {
				continue
			}
			if p.Title == "" {
				p.Title = candidates[start+i].Title
			}
			budget := remaining
			if len(res.Pages) > 0 {
				// the separator counts against the total
				budget -= sepLen
			}
			if budget <= 0 {
				remaining = 0
				break
			}
			p.Content = helpers.TruncateAtSentence(p.Content, min(req.MaxPageChars, budget))
			if p.Content == "" {
				continue
			}
			remaining = budget - len([]rune(p.Content))
			res.Pages = append(res.Pages, p)
		}
	}

	contents := make([]string, len(res.Pages))
	for i, p := range res.Pages {
		contents[i] = p.Content
	}
	res.CombinedCorpus = strings.Join(contents, PageSeparator)
	s.logger.Printf("query=%q hits=%d candidates=%d pages=%d", req.Query, len(hits), len(candidates), len(res.Pages))
	return res, nil
}

func (s *Scraper) candidates(hits []Hit, req Request) []Hit {
	seen := make(map[string]struct{}, len(hits))
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		host, path, err := helpers.HostPath(h.URL)
		if err != nil || host == "" {
			continue
		}
		if !domainAllowed(host, req.IncludeDomains, req.ExcludeDomains) {
			continue
		}
		key := host + path
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

// fetchBatch fetches hits concurrently and returns pages in hit order. Fetch
// failures yield empty pages.
func (s *Scraper) fetchBatch(ctx context.Context, hits []Hit) []Page {
	pages := make([]Page, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hits {
		i, h := i, h
		g.Go(func() error {
			title, text, err := s.fetcher.Fetch(gctx, h.URL)
			if err != nil {
				s.logger.Printf("fetch %s: %v", h.URL, err)
				return nil
			}
			pages[i] = Page{URL: h.URL, Title: title, Content: text}
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

func domainAllowed(host string, include, exclude []string) bool {
	host = strings.ToLower(host)
	for _, bad := range exclude {
		if bad = strings.ToLower(strings.TrimSpace(bad)); bad != "" && strings.Contains(host, bad) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, good := range include {
		if good = strings.ToLower(strings.TrimSpace(good)); good != "" && strings.Contains(host, good) {
			return true
		}
	}
	return false
}
