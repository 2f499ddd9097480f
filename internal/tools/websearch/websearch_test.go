package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
)

type stubSearcher struct {
	hits []Hit
	num  int
}

func (s *stubSearcher) Search(_ context.Context, _ string, num int) ([]Hit, error) {
	s.num = num
	return s.hits, nil
}

type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
}

func (f *stubFetcher) Fetch(_ context.Context, u string) (string, string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, u)
	f.mu.Unlock()
	text, ok := f.pages[u]
	if !ok {
		return "", "", errors.New("404")
	}
	return "", text, nil
}

func testConfig() config.WebSearchConfig {
	return config.WebSearchConfig{
		TopK:             3,
		MinChars:         20,
		MaxPageChars:     200,
		MaxTotalChars:    400,
		ExcludeDomains:   []string{"reddit.com"},
		FetchConcurrency: 2,
	}
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestSearchScrapeFiltersAndDedupes(t *testing.T) {
	long := strings.Repeat("Acme encrypts data at rest. ", 5)
	searcher := &stubSearcher{hits: []Hit{
		{Title: "Security", URL: "https://acme.com/security"},
		{Title: "Security dup", URL: "https://acme.com/security/?utm=x"},
		{Title: "Thread", URL: "https://www.reddit.com/r/acme"},
		{Title: "Short", URL: "https://acme.com/short"},
		{Title: "Trust", URL: "https://trust.acme.com/"},
	}}
	fetcher := &stubFetcher{pages: map[string]string{
		"https://acme.com/security": long,
		"https://acme.com/short":    "tiny",
		"https://trust.acme.com/":   long,
	}}
	s := New(searcher, fetcher, testConfig(), quiet())

	res, err := s.SearchScrape(context.Background(), Request{Query: "acme security", MinChars: 20})
	if err != nil {
		t.Fatalf("SearchScrape: %v", err)
	}
	if searcher.num != 10 {
		t.Fatalf("expected over-fetch of 10, got %d", searcher.num)
	}
	if len(res.Pages) != 2 {
		t.Fatalf("expected 2 pages, got %d: %+v", len(res.Pages), res.Pages)
	}
	if res.Pages[0].Title != "Security" || res.Pages[1].URL != "https://trust.acme.com/" {
		t.Fatalf("unexpected pages %+v", res.Pages)
	}
	for _, u := range fetcher.fetched {
		if strings.Contains(u, "reddit") || strings.Contains(u, "utm") {
			t.Fatalf("fetched filtered url %s", u)
		}
	}
	if strings.Count(res.CombinedCorpus, PageSeparator) != 1 {
		t.Fatalf("expected pages joined by separator, got %q", res.CombinedCorpus)
	}
}

func TestSearchScrapeBudgets(t *testing.T) {
	page := strings.Repeat("Sentence number one is here. ", 20)
	searcher := &stubSearcher{hits: []Hit{
		{URL: "https://a.example/1"}, {URL: "https://b.example/2"}, {URL: "https://c.example/3"},
	}}
	fetcher := &stubFetcher{pages: map[string]string{
		"https://a.example/1": page, "https://b.example/2": page, "https://c.example/3": page,
	}}
	cfg := testConfig()
	s := New(searcher, fetcher, cfg, quiet())

	res, err := s.SearchScrape(context.Background(), Request{Query: "q", TopK: 2, MaxPageChars: 100, MaxTotalChars: 150})
	if err != nil {
		t.Fatalf("SearchScrape: %v", err)
	}
	total := 0
	for _, p := range res.Pages {
		n := len([]rune(p.Content))
		if n > 100 {
			t.Fatalf("page over budget: %d", n)
		}
		if !strings.HasSuffix(p.Content, ".") {
			t.Fatalf("expected sentence boundary cut, got %q", p.Content)
		}
		total += n
	}
	if total > 150 {
		t.Fatalf("total over budget: %d", total)
	}
	if n := len([]rune(res.CombinedCorpus)); n > 150 {
		t.Fatalf("combined corpus with separators over budget: %d", n)
	}
}

func TestSearchScrapeSeparatorCountsAgainstTotal(t *testing.T) {
	page := strings.Repeat("Ten chars. ", 10)
	searcher := &stubSearcher{hits: []Hit{{URL: "https://a.example/1"}, {URL: "https://b.example/2"}}}
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/1": page, "https://b.example/2": page}}
	s := New(searcher, fetcher, testConfig(), quiet())

	// the first page fills the budget up to the separator width
	res, err := s.SearchScrape(context.Background(), Request{Query: "q", TopK: 2, MinChars: 5, MaxPageChars: 60, MaxTotalChars: 65})
	if err != nil {
		t.Fatalf("SearchScrape: %v", err)
	}
	if n := len([]rune(res.CombinedCorpus)); n > 65 {
		t.Fatalf("combined corpus = %d runes, budget 65: %q", n, res.CombinedCorpus)
	}
}

func TestSearchScrapeIncludeDomains(t *testing.T) {
	text := strings.Repeat("x ", 30)
	searcher := &stubSearcher{hits: []Hit{{URL: "https://news.example/a"}, {URL: "https://docs.acme.com/b"}}}
	fetcher := &stubFetcher{pages: map[string]string{"https://news.example/a": text, "https://docs.acme.com/b": text}}
	s := New(searcher, fetcher, testConfig(), quiet())

	res, err := s.SearchScrape(context.Background(), Request{Query: "q", IncludeDomains: []string{"acme.com"}})
	if err != nil {
		t.Fatalf("SearchScrape: %v", err)
	}
	if len(res.Pages) != 1 || res.Pages[0].URL != "https://docs.acme.com/b" {
		t.Fatalf("unexpected pages %+v", res.Pages)
	}
}

func TestToolInvokeUsesArguments(t *testing.T) {
	text := strings.Repeat("Acme has SOC 2. ", 10)
	searcher := &stubSearcher{hits: []Hit{{URL: "https://reddit.com/r/acme"}, {URL: "https://acme.com/"}}}
	fetcher := &stubFetcher{pages: map[string]string{"https://reddit.com/r/acme": text, "https://acme.com/": text}}
	tool := NewTool(New(searcher, fetcher, testConfig(), quiet()))

	out, err := tool.Invoke(context.Background(), map[string]any{"query": "acme", "top_k": float64(5), "exclude_domains": []any{}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	res := out.(*Result)
	if len(res.Pages) != 2 {
		t.Fatalf("explicit empty exclude list should allow every domain, got %d pages", len(res.Pages))
	}
	if searcher.num != 15 {
		t.Fatalf("expected over-fetch of 15, got %d", searcher.num)
	}
	if _, err := tool.Invoke(context.Background(), map[string]any{}); err == nil {
		t.Fatalf("expected error for missing query")
	}
}

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["q"] != "acme" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"organic":[{"title":"Acme","link":"https://acme.com","snippet":"s"},{"title":"no link"}]}`)
	}))
	defer srv.Close()

	s := &Serper{apiKey: "k", endpoint: srv.URL, client: helpers.NewHTTPClient(time.Second, 0, 0)}
	hits, err := s.Search(context.Background(), "acme", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].URL != "https://acme.com" {
		t.Fatalf("unexpected hits %+v", hits)
	}
}

func TestSerpAPISearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("engine") != "google" || q.Get("hl") != "en" || q.Get("num") != "10" || q.Get("api_key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"organic_results":[{"title":"Acme","link":"https://acme.com/trust"}]}`)
	}))
	defer srv.Close()

	s := &SerpAPI{apiKey: "k", endpoint: srv.URL, client: helpers.NewHTTPClient(time.Second, 0, 0)}
	hits, err := s.Search(context.Background(), "acme", 30)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "Acme" {
		t.Fatalf("unexpected hits %+v", hits)
	}
}

func TestNewSearcherRequiresKey(t *testing.T) {
	if _, err := NewSearcher(config.WebSearchConfig{}); err == nil {
		t.Fatalf("expected configuration error")
	}
	s, err := NewSearcher(config.WebSearchConfig{SerpAPIKey: "a", SerperAPIKey: "b"})
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	if _, ok := s.(*SerpAPI); !ok {
		t.Fatalf("SerpAPI should win when both keys are set, got %T", s)
	}
}

func TestHTTPFetcherExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>Acme Security</title><script>var x=1;</script></head><body>
<article><h1>Acme Security</h1><p>Acme encrypts all customer data at rest with AES-256 and in transit with TLS 1.2 or higher.
Keys are managed in a dedicated key management service and rotated regularly.</p>
<p>Single sign-on via SAML and SCIM provisioning are available on the enterprise plan.</p></article></body></html>`)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second, "")
	_, text, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(text, "AES-256") || strings.Contains(text, "var x") {
		t.Fatalf("unexpected text %q", text)
	}
}
