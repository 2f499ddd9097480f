// Package nvd is a client for the NVD CVE 2.0 API and the search_nvd_cves tool.
package nvd

import (
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/sentinel/internal/report"
)

type cvssData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type cvssMetric struct {
	Source       string   `json:"source"`
	Type         string   `json:"type"`
	CVSSData     cvssData `json:"cvssData"`
	BaseSeverity string   `json:"baseSeverity"` // v2 carries severity here
}

type metrics struct {
	V31 []cvssMetric `json:"cvssMetricV31"`
	V30 []cvssMetric `json:"cvssMetricV30"`
	V2  []cvssMetric `json:"cvssMetricV2"`
}

type langString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type cpeMatch struct {
	Vulnerable bool   `json:"vulnerable"`
	Criteria   string `json:"criteria"`
}

type configNode struct {
	CPEMatch []cpeMatch  `json:"cpeMatch"`
	Nodes    []configNode `json:"nodes"`
}

type reference struct {
	URL string `json:"url"`
}

// CVE is one record as returned by the API. Unused fields are not decoded.
type CVE struct {
	ID             string       `json:"id"`
	Published      string       `json:"published"`
	LastModified   string       `json:"lastModified"`
	VulnStatus     string       `json:"vulnStatus"`
	Descriptions   []langString `json:"descriptions"`
	Metrics        *metrics     `json:"metrics"`
	Configurations []struct {
		Nodes []configNode `json:"nodes"`
	} `json:"configurations"`
	References []reference `json:"references"`
}

type apiResponse struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	StartIndex      int `json:"startIndex"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE CVE `json:"cve"`
	} `json:"vulnerabilities"`
}

// CVSS is the preferred score of a record.
type CVSS struct {
	Version  string  `json:"version"`
	Score    float64 `json:"score"`
	Severity string  `json:"severity,omitempty"`
	Vector   string  `json:"vector"`
}

// EnglishDescription returns the first English description, if any.
func (c CVE) EnglishDescription() string {
	for _, d := range c.Descriptions {
		if strings.EqualFold(d.Lang, "en") {
			return strings.TrimSpace(d.Value)
		}
	}
	return ""
}

// BestCVSS prefers CVSS v3.1, then v3.0, then v2.
func (c CVE) BestCVSS() *CVSS {
	if c.Metrics == nil {
		return nil
	}
	for _, list := range [][]cvssMetric{c.Metrics.V31, c.Metrics.V30} {
		if len(list) > 0 {
			d := list[0].CVSSData
			return &CVSS{Version: d.Version, Score: d.BaseScore, Severity: d.BaseSeverity, Vector: d.VectorString}
		}
	}
	if len(c.Metrics.V2) > 0 {
		m := c.Metrics.V2[0]
		return &CVSS{Version: m.CVSSData.Version, Score: m.CVSSData.BaseScore, Severity: m.BaseSeverity, Vector: m.CVSSData.VectorString}
	}
	return nil
}

// Severity is the normalized severity of the best score.
func (c CVE) Severity() (report.Severity, bool) {
	best := c.BestCVSS()
	if best == nil {
		return "", false
	}
	return report.ParseSeverity(best.Severity)
}

// Year is the publication year, or 0 when unknown.
func (c CVE) Year() int {
	if t, ok := c.PublishedAt(); ok {
		return t.Year()
	}
	if len(c.Published) >= 4 {
		if y, err := strconv.Atoi(c.Published[:4]); err == nil {
			return y
		}
	}
	return 0
}

// PublishedAt parses the publication timestamp.
func (c CVE) PublishedAt() (time.Time, bool) {
	for _, layout := range []string{DateLayout, "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, c.Published); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// AffectedCPEs lists vulnerable CPE criteria across all configuration nodes.
func (c CVE) AffectedCPEs() []string {
	var out []string
	var walk func(n configNode)
	walk = func(n configNode) {
		for _, m := range n.CPEMatch {
			if m.Vulnerable {
				out = append(out, m.Criteria)
			}
		}
		for _, child := range n.Nodes {
			walk(child)
		}
	}
	for _, cfg := range c.Configurations {
		for _, n := range cfg.Nodes {
			walk(n)
		}
	}
	return out
}

// Record is the compact view handed to the model.
type Record struct {
	ID           string   `json:"id"`
	Published    string   `json:"published,omitempty"`
	Status       string   `json:"status,omitempty"`
	Description  string   `json:"english_description"`
	BestCVSS     *CVSS    `json:"best_cvss,omitempty"`
	AffectedCPEs []string `json:"affected_cpes,omitempty"`
	References   []string `json:"references,omitempty"`
}

const maxRecordRefs = 5

// Record converts the API shape into the compact view.
func (c CVE) Record() Record {
	r := Record{
		ID:           c.ID,
		Published:    c.Published,
		Status:       c.VulnStatus,
		Description:  c.EnglishDescription(),
		BestCVSS:     c.BestCVSS(),
		AffectedCPEs: c.AffectedCPEs(),
	}
	for i, ref := range c.References {
		if i == maxRecordRefs {
			break
		}
		r.References = append(r.References, ref.URL)
	}
	return r
}

// Severity is the normalized severity of the record's best score.
func (r Record) Severity() (report.Severity, bool) {
	if r.BestCVSS == nil {
		return "", false
	}
	return report.ParseSeverity(r.BestCVSS.Severity)
}

// Year is the publication year, or 0 when unknown.
func (r Record) Year() int {
	return CVE{Published: r.Published}.Year()
}
