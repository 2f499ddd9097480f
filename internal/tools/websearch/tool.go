package websearch

import (
	"context"
	"encoding/json"

	"github.com/mohammad-safakhou/sentinel/internal/tools"
)

const toolParameters = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query to find relevant pages."},
    "top_k": {"type": "integer", "minimum": 1, "maximum": 10, "description": "How many pages to scrape from search results."},
    "min_chars": {"type": "integer", "minimum": 0, "description": "Ignore pages whose extracted text is shorter than this."},
    "include_domains": {"type": "array", "items": {"type": "string"}, "description": "Only accept pages whose hostname contains any of these substrings."},
    "exclude_domains": {"type": "array", "items": {"type": "string"}, "description": "Reject pages whose hostname contains any of these substrings."}
  },
  "required": ["query"]
}`

// Tool exposes a Scraper to the model as "search_scrape".
type Tool struct {
	scraper *Scraper
}

func NewTool(s *Scraper) *Tool { return &Tool{scraper: s} }

func (t *Tool) Name() string { return "search_scrape" }

func (t *Tool) Description() string {
	return "Search the web and scrape the top matching pages. Returns pages [{url, title, content}] and a combined_corpus."
}

func (t *Tool) Parameters() json.RawMessage { return json.RawMessage(toolParameters) }

func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	req := Request{
		Query:    tools.String(args, "query"),
		TopK:     tools.Int(args, "top_k", 0),
		MinChars: tools.Int(args, "min_chars", t.scraper.cfg.MinChars),
	}
	req.IncludeDomains, _ = tools.Strings(args, "include_domains")
	if ex, ok := tools.Strings(args, "exclude_domains"); ok {
		req.ExcludeDomains = ex
	}
	return t.scraper.SearchScrape(ctx, req)
}
