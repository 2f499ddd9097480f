package nvd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
)

// DateLayout is the timestamp format NVD uses for pubStartDate/pubEndDate.
const DateLayout = "2006-01-02T15:04:05.000"

const (
	defaultBaseURL    = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	maxResultsPerPage = 2000
	maxBackoff        = 16 * time.Second
)

// Query is a keyword search.
type Query struct {
	Keyword        string
	ResultsPerPage int
	MaxPages       int
	PubStart       string
	PubEnd         string
	CVSSV3Severity string
}

// Client pages through the CVE API. Rate limiting (429) and server errors are
// retried with backoff of min(2^attempt, 16) seconds.
type Client struct {
	baseURL   string
	apiKey    string
	pageDelay time.Duration
	http      *helpers.HTTPClient
	logger    *log.Logger
}

func NewClient(cfg config.NVDConfig, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[NVD] ", log.LstdFlags)
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	hc := helpers.NewHTTPClient(cfg.Timeout, cfg.MaxRetries, time.Second).WithBackoff(func(attempt int) time.Duration {
		d := time.Duration(1<<min(attempt, 5)) * time.Second
		return min(d, maxBackoff)
	})
	return &Client{baseURL: base, apiKey: cfg.APIKey, pageDelay: cfg.PageDelay, http: hc, logger: logger}
}

// Search runs q until the result set or MaxPages is exhausted.
func (c *Client) Search(ctx context.Context, q Query) ([]CVE, error) {
	keyword := strings.TrimSpace(q.Keyword)
	if keyword == "" {
		return nil, fmt.Errorf("keyword required")
	}
	perPage := min(max(q.ResultsPerPage, 1), maxResultsPerPage)
	pages := max(q.MaxPages, 1)

	base := url.Values{}
	base.Set("keywordSearch", keyword)
	base.Set("resultsPerPage", strconv.Itoa(perPage))
	if q.PubStart != "" {
		base.Set("pubStartDate", q.PubStart)
	}
	if q.PubEnd != "" {
		base.Set("pubEndDate", q.PubEnd)
	}
	if sev := strings.ToUpper(strings.TrimSpace(q.CVSSV3Severity)); sev != "" {
		base.Set("cvssV3Severity", sev)
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["apiKey"] = c.apiKey
	}

	var out []CVE
	start := 0
	for page := 0; page < pages; page++ {
		params := url.Values{}
		for k, v := range base {
			params[k] = v
		}
		params.Set("startIndex", strconv.Itoa(start))

		var resp apiResponse
		if _, err := c.http.DoJSON(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), headers, nil, &resp); err != nil {
			return out, fmt.Errorf("nvd search %q (startIndex=%d): %w", keyword, start, err)
		}
		for _, v := range resp.Vulnerabilities {
			out = append(out, v.CVE)
		}
		start += resp.ResultsPerPage
		if resp.ResultsPerPage == 0 || start >= resp.TotalResults {
			break
		}
		if page < pages-1 && c.pageDelay > 0 {
			select {
			case <-time.After(c.pageDelay):
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}
	}
	c.logger.Printf("keyword=%q records=%d", keyword, len(out))
	return out, nil
}
