package research

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
	"github.com/mohammad-safakhou/sentinel/internal/llm"
	"github.com/mohammad-safakhou/sentinel/internal/report"
	"github.com/mohammad-safakhou/sentinel/internal/tools"
	"github.com/mohammad-safakhou/sentinel/internal/tools/nvd"
)

const (
	minCritical      = 3
	maxCritical      = 8
	maxItemDescChars = 400
	nvdDetailURL     = "https://nvd.nist.gov/vuln/detail/"
)

// CVESource is the vulnerability lookup tool.
type CVESource interface {
	llm.Tool
	Lookup(ctx context.Context, args map[string]any) ([]nvd.Record, error)
}

// CVEAgent lets the model query the vulnerability database once and then
// derives counts and representative items from the returned records. The
// model contributes the trend and summary only.
type CVEAgent struct {
	Prompt   string
	MaxSteps int

	gen    Generator
	source CVESource
}

func (a *CVEAgent) Run(ctx context.Context, st *core.RunState) (map[string]any, error) {
	query, ok := core.Lookup[string](st, KeyQuery)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("cve agent: query missing from run state")
	}
	schema, err := report.SectionSchema(report.KeyCVE)
	if err != nil {
		return nil, err
	}

	lookup := &onceLookup{src: a.source}
	var out report.CVESection
	if err := a.gen.GenerateStructuredWithTools(ctx, a.Prompt, query, []llm.Tool{lookup}, schema, a.MaxSteps, &out); err != nil {
		return nil, fmt.Errorf("cve agent: %w", err)
	}

	called, keyword, records, lerr := lookup.result()
	if !called {
		keyword = query
		records, lerr = a.source.Lookup(ctx, map[string]any{"keyword": query})
		if lerr == nil && len(records) > 0 {
			// the first pass had no data; summarize again over the records
			raw, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("cve agent: encode records: %w", err)
			}
			out = report.CVESection{}
			input := query + "\n\n" + a.source.Name() + " returned these records (JSON):\n" + string(raw)
			if err := a.gen.GenerateStructured(ctx, a.Prompt, input, schema, &out); err != nil {
				return nil, fmt.Errorf("cve agent: %w", err)
			}
		}
	}
	if lerr != nil {
		failed := errs.ToolInvocationError{Tool: a.source.Name(), Err: lerr}
		return map[string]any{report.KeyCVE: LookupFailedSection(keyword, failed)}, nil
	}
	return map[string]any{report.KeyCVE: BuildCVESection(keyword, records, out.Trend, out.Summary)}, nil
}

// LookupFailedSection is the section for a run whose vulnerability lookup
// failed. It carries no counts and says so in the summary.
func LookupFailedSection(keyword string, err error) report.CVESection {
	sec := BuildCVESection(keyword, nil, "", "")
	sec.Summary = fmt.Sprintf("The NVD lookup for %q failed (%v), so no CVE data is available for this assessment. "+
		"The empty counts are not evidence that the product has no vulnerabilities.", keyword, err)
	return sec
}

// BuildCVESection derives the section from lookup results. Counts and items
// come only from records; zero records yield an empty, Stable section.
func BuildCVESection(keyword string, records []nvd.Record, trend, summary string) report.CVESection {
	records = dedupeRecords(records)
	if len(records) == 0 {
		return report.CVESection{
			ByYearCounts: map[string]int{},
			Critical:     []report.CVEItem{},
			Trend:        report.TrendStable,
			Summary: fmt.Sprintf("No CVEs matching %q were found in the NVD. This reflects keyword search coverage "+
				"and is not evidence that the product has no vulnerabilities.", keyword),
			Sources: []string{},
		}
	}

	counts := map[string]int{}
	for _, r := range records {
		if y := r.Year(); y > 0 {
			counts[strconv.Itoa(y)]++
		}
	}

	selected := SelectRepresentative(records)
	items := make([]report.CVEItem, 0, len(selected))
	var sources []string
	for _, r := range selected {
		item := report.CVEItem{
			ID:          r.ID,
			Description: helpers.TruncateAtSentence(r.Description, maxItemDescChars),
			Year:        r.Year(),
			Published:   r.Published,
			Sources:     helpers.DedupeURLs(append([]string{nvdDetailURL + r.ID}, r.References...)),
		}
		if sev, ok := r.Severity(); ok {
			item.Severity = sev
		}
		items = append(items, item)
		sources = append(sources, nvdDetailURL+r.ID)
	}

	if strings.TrimSpace(summary) == "" {
		summary = fmt.Sprintf("%d CVEs matching %q were found in the NVD.", len(records), keyword)
	}
	return report.CVESection{
		ByYearCounts: counts,
		Critical:     items,
		Trend:        canonicalTrend(trend),
		Summary:      summary,
		Sources:      helpers.DedupeURLs(sources),
	}
}

// SelectRepresentative returns up to eight records ordered by severity
// (Critical first, unknown last) and then by recency.
func SelectRepresentative(records []nvd.Record) []nvd.Record {
	sorted := append([]nvd.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := severityRank(sorted[i]), severityRank(sorted[j])
		if ri != rj {
			return ri < rj
		}
		ti, _ := nvd.CVE{Published: sorted[i].Published}.PublishedAt()
		tj, _ := nvd.CVE{Published: sorted[j].Published}.PublishedAt()
		return ti.After(tj)
	})
	n := len(sorted)
	if n > maxCritical {
		n = maxCritical
	}
	return sorted[:n]
}

func severityRank(r nvd.Record) int {
	sev, ok := r.Severity()
	if !ok {
		return report.Severity("").Rank()
	}
	return sev.Rank()
}

func dedupeRecords(records []nvd.Record) []nvd.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]nvd.Record, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func canonicalTrend(s string) string {
	switch report.NormalizeTrend(s) {
	case "improving":
		return report.TrendImproving
	case "degrading":
		return report.TrendDegrading
	}
	return report.TrendStable
}

// onceLookup allows a single lookup per agent run and keeps its result.
type onceLookup struct {
	src CVESource

	mu      sync.Mutex
	called  bool
	keyword string
	records []nvd.Record
	err     error
}

func (l *onceLookup) Name() string                { return l.src.Name() }
func (l *onceLookup) Description() string         { return l.src.Description() }
func (l *onceLookup) Parameters() json.RawMessage { return l.src.Parameters() }

func (l *onceLookup) Invoke(ctx context.Context, args map[string]any) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.called {
		return map[string]string{
			"note": l.src.Name() + " was already called in this run. Reuse the records from the previous call.",
		}, nil
	}
	keyword := tools.String(args, "keyword")
	if keyword == "" {
		// a malformed call does not use up the lookup
		return nil, fmt.Errorf("keyword required")
	}
	l.called = true
	l.keyword = keyword
	l.records, l.err = l.src.Lookup(ctx, args)
	if l.err != nil {
		return nil, l.err
	}
	return l.records, nil
}

func (l *onceLookup) result() (bool, string, []nvd.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.called, l.keyword, l.records, l.err
}

func newCVEAgent(gen Generator, source CVESource, prompts *Prompts, steps map[string]int) *CVEAgent {
	return &CVEAgent{
		Prompt:   prompts.Agent(report.KeyCVE),
		MaxSteps: maxSteps(steps, report.KeyCVE),
		gen:      gen,
		source:   source,
	}
}
