package nvd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/sentinel/internal/tools"
)

const toolParameters = `{
  "type": "object",
  "properties": {
    "keyword": {"type": "string", "description": "Keyword to search for in NVD CVE records, typically the vendor or product name."},
    "results_per_page": {"type": "integer", "minimum": 1, "maximum": 100, "description": "CVEs per request."},
    "max_results": {"type": "integer", "minimum": 1, "maximum": 100, "description": "Maximum number of CVEs to return."},
    "max_pages": {"type": "integer", "minimum": 1, "description": "Maximum number of pages to fetch."},
    "pub_start": {"type": "string", "description": "Publication start date, e.g. 2020-01-01T00:00:00.000"},
    "pub_end": {"type": "string", "description": "Publication end date."},
    "cvss_v3_severity": {"type": "string", "enum": ["CRITICAL", "HIGH", "MEDIUM", "LOW"]}
  },
  "required": ["keyword"]
}`

// Defaults bound a single tool call.
type Defaults struct {
	ResultsPerPage int
	MaxResults     int
	MaxPages       int
}

// Tool exposes the client as "search_nvd_cves".
type Tool struct {
	client   *Client
	defaults Defaults
}

func NewTool(c *Client, d Defaults) *Tool {
	if d.ResultsPerPage <= 0 {
		d.ResultsPerPage = 20
	}
	if d.MaxResults <= 0 {
		d.MaxResults = 20
	}
	if d.MaxPages <= 0 {
		d.MaxPages = 1
	}
	return &Tool{client: c, defaults: d}
}

func (t *Tool) Name() string { return "search_nvd_cves" }

func (t *Tool) Description() string {
	return "Searches the NVD CVE 2.0 API for vulnerabilities matching a keyword (usually a vendor or product). " +
		"Returns CVE records with english_description, best_cvss and affected_cpes."
}

func (t *Tool) Parameters() json.RawMessage { return json.RawMessage(toolParameters) }

func (t *Tool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.Lookup(ctx, args)
}

// Lookup runs the search described by tool arguments and caps the result at
// max_results records.
func (t *Tool) Lookup(ctx context.Context, args map[string]any) ([]Record, error) {
	keyword := tools.String(args, "keyword")
	if keyword == "" {
		return nil, fmt.Errorf("keyword required")
	}
	maxResults := clamp(tools.Int(args, "max_results", t.defaults.MaxResults), 1, 100)
	perPage := clamp(tools.Int(args, "results_per_page", t.defaults.ResultsPerPage), 1, 100)
	cves, err := t.client.Search(ctx, Query{
		Keyword:        keyword,
		ResultsPerPage: min(perPage, maxResults),
		MaxPages:       max(tools.Int(args, "max_pages", t.defaults.MaxPages), 1),
		PubStart:       tools.String(args, "pub_start"),
		PubEnd:         tools.String(args, "pub_end"),
		CVSSV3Severity: tools.String(args, "cvss_v3_severity"),
	})
	if err != nil {
		return nil, err
	}
	if len(cves) > maxResults {
		cves = cves[:maxResults]
	}
	out := make([]Record, 0, len(cves))
	for _, c := range cves {
		out = append(out, c.Record())
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
