// Package websearch implements the search_scrape tool: a web search followed
// by readable-text extraction of the top hits under character budgets.
package websearch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
)

// Hit is one organic search result.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher returns organic results for a query.
type Searcher interface {
	Search(ctx context.Context, query string, num int) ([]Hit, error)
}

// NewSearcher picks SerpAPI when its key is configured, otherwise Serper.
func NewSearcher(cfg config.WebSearchConfig) (Searcher, error) {
	client := helpers.NewHTTPClient(cfg.Timeout, 2, 0)
	switch {
	case cfg.SerpAPIKey != "":
		return &SerpAPI{apiKey: cfg.SerpAPIKey, endpoint: "https://serpapi.com/search.json", client: client}, nil
	case cfg.SerperAPIKey != "":
		return &Serper{apiKey: cfg.SerperAPIKey, endpoint: "https://google.serper.dev/search", client: client}, nil
	default:
		return nil, errs.ConfigurationError{Setting: "sources.web_search.serpapi_api_key", Detail: "configure a SerpAPI or Serper key"}
	}
}

// SerpAPI queries Google through serpapi.com.
type SerpAPI struct {
	apiKey   string
	endpoint string
	client   *helpers.HTTPClient
}

func (s *SerpAPI) Search(ctx context.Context, query string, num int) ([]Hit, error) {
	// serpapi caps a Google page at 10 results
	if num < 1 {
		num = 1
	}
	if num > 10 {
		num = 10
	}
	q := url.Values{}
	q.Set("engine", "google")
	q.Set("q", query)
	q.Set("num", strconv.Itoa(num))
	q.Set("hl", "en")
	q.Set("api_key", s.apiKey)

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if _, err := s.client.DoJSON(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(raw.Organic))
	for _, it := range raw.Organic {
		if it.Link == "" {
			continue
		}
		out = append(out, Hit{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return out, nil
}

// Serper queries Google through serper.dev.
type Serper struct {
	apiKey   string
	endpoint string
	client   *helpers.HTTPClient
}

func (s *Serper) Search(ctx context.Context, query string, num int) ([]Hit, error) {
	payload := map[string]any{"q": query, "num": num}
	headers := map[string]string{"X-API-KEY": s.apiKey}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if _, err := s.client.DoJSON(ctx, http.MethodPost, s.endpoint, headers, payload, &raw); err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(raw.Organic))
	for _, it := range raw.Organic {
		if it.Link == "" {
			continue
		}
		out = append(out, Hit{Title: it.Title, URL: it.Link, Snippet: it.Snippet})
	}
	return out, nil
}
