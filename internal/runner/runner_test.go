package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/agent/research"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/report"
	"github.com/mohammad-safakhou/sentinel/internal/store"
)

type fakeResolver struct {
	app   report.ApplicationIntel
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(context.Context, string) (report.ApplicationIntel, error) {
	f.calls.Add(1)
	return f.app, nil
}

// fakeGraphs builds one stage per canned section plus a finalize stage.
// Dropped sections fail; a gate holds the vendor stage until released.
type fakeGraphs struct {
	drop          []string
	gate          chan struct{}
	started       chan struct{}
	stallFinalize bool

	mu    sync.Mutex
	ran   map[string]int
	query string
}

func sections() map[string]any {
	return map[string]any{
		report.KeyVendor:     report.VendorIntel{Name: "Bitwarden Inc.", Country: "US"},
		report.KeyCategory:   report.AppCategoryResult{Category: "Security", Subcategory: "Password Management", Confidence: 0.9},
		report.KeyCVE:        report.CVESection{ByYearCounts: map[string]int{}, Trend: report.TrendStable},
		report.KeyCompliance: report.ComplianceSection{Certs: []report.ComplianceCert{{Framework: "SOC 2 Type II", Status: "Certified"}}},
		report.KeyIncidents:  report.IncidentSection{Trend: report.TrendStable},
		report.KeyDocs:       report.DocFeatures{Encryption: []string{"AES-256"}},
	}
}

func (f *fakeGraphs) runs(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ran[key]
}

func (f *fakeGraphs) agentQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query
}

func (f *fakeGraphs) Graph(id string, now func() time.Time) (*core.Graph, error) {
	dropped := map[string]bool{}
	for _, k := range f.drop {
		dropped[k] = true
	}
	var stages []core.Stage
	var keys []string
	for key, v := range sections() {
		keys = append(keys, key)
		stages = append(stages, core.Stage{
			Name: key,
			Run: func(ctx context.Context, st *core.RunState) (map[string]any, error) {
				f.mu.Lock()
				if f.ran == nil {
					f.ran = map[string]int{}
				}
				f.ran[key]++
				if key == report.KeyVendor {
					f.query, _ = core.Lookup[string](st, research.KeyQuery)
				}
				f.mu.Unlock()
				if key == report.KeyVendor && f.gate != nil {
					close(f.started)
					select {
					case <-f.gate:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				if dropped[key] {
					return nil, errors.New("upstream unavailable")
				}
				return map[string]any{key: v}, nil
			},
		})
	}
	stages = append(stages, core.Stage{
		Name:   "finalize",
		Writes: []string{report.KeyReport, report.KeyFullAssessment},
		After:  keys,
		Run: func(ctx context.Context, st *core.RunState) (map[string]any, error) {
			if f.stallFinalize {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			runID, _ := core.Lookup[string](st, research.KeyRunID)
			asm, err := report.Finalize(st, report.FinalizeOptions{ID: id, RunID: runID, Now: now})
			if err != nil {
				return nil, err
			}
			if app, ok := core.Lookup[report.ApplicationIntel](st, research.KeyApplication); ok {
				asm.SetApplicationName(app.Name)
			}
			return map[string]any{report.KeyReport: asm.Report, report.KeyFullAssessment: asm.Full}, nil
		},
	})
	return core.NewGraph(stages...)
}

type countingRecorder struct {
	runs map[string]int
	hits int
	miss int
}

func (c *countingRecorder) RecordRun(outcome string) { c.runs[outcome]++ }
func (c *countingRecorder) RecordCacheLookup(hit bool) {
	if hit {
		c.hits++
	} else {
		c.miss++
	}
}

func newTestRunner(t *testing.T, res Resolver, g *fakeGraphs) (*Runner, store.Store, *countingRecorder) {
	t.Helper()
	return newTestRunnerWith(t, res, g, core.Options{MaxConcurrentStages: 2})
}

func newTestRunnerWith(t *testing.T, res Resolver, g *fakeGraphs, orch core.Options) (*Runner, store.Store, *countingRecorder) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	orch.Logger = quiet
	st, err := store.NewFileStore(t.TempDir(), quiet)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	rec := &countingRecorder{runs: map[string]int{}}
	r, err := New(Options{
		Resolver:     res,
		Graphs:       g,
		Orchestrator: core.NewOrchestrator(orch),
		Store:        st,
		Recorder:     rec,
		Logger:       quiet,
		Now:          func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, st, rec
}

func TestParameterize(t *testing.T) {
	cases := map[string]string{
		"Bitwarden":              "bitwarden",
		"  Slack  Technologies":  "slack-technologies",
		"1Password (AgileBits)":  "1password-agilebits",
		"https://www.notion.so/": "https-www-notion-so",
		"---":                    "",
	}
	for in, want := range cases {
		if got := Parameterize(in); got != want {
			t.Fatalf("Parameterize(%q) = %q, want %q", in, got, want)
		}
	}
	if got := AssessmentID("Slack", "Salesforce, Inc."); got != "slack_salesforce-inc" {
		t.Fatalf("AssessmentID = %q", got)
	}
}

func TestAssessCachesByAlias(t *testing.T) {
	res := &fakeResolver{app: report.ApplicationIntel{Name: "Bitwarden", VendorName: "Bitwarden Inc."}}
	g := &fakeGraphs{}
	r, st, rec := newTestRunner(t, res, g)
	ctx := context.Background()

	first, err := r.Assess(ctx, Request{Query: "Bitwarden"})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if first.ID != "bitwarden_bitwarden-inc" || first.Cached || first.RunID == "" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if q := g.agentQuery(); q != "Bitwarden Bitwarden Inc." && q != "Bitwarden" {
		t.Fatalf("agent query = %q", q)
	}

	var full report.FullAssessment
	if err := json.Unmarshal(first.Document, &full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if full.Summary.TrustScore == nil {
		t.Fatalf("trust score not attached")
	}
	if s := full.Summary.TrustScore.Score; s < 0 || s > 100 {
		t.Fatalf("score out of range: %d", s)
	}
	if full.Application.Name != "Bitwarden" {
		t.Fatalf("application name = %q", full.Application.Name)
	}

	second, err := r.Assess(ctx, Request{Query: "  bitwarden "})
	if err != nil {
		t.Fatalf("Assess cached: %v", err)
	}
	if !second.Cached || second.ID != first.ID || string(second.Document) != string(first.Document) {
		t.Fatalf("expected byte-identical cached result, got %+v", second)
	}
	if res.calls.Load() != 1 || g.runs(report.KeyVendor) != 1 {
		t.Fatalf("cache hit must not resolve or run: resolves=%d runs=%d", res.calls.Load(), g.runs(report.KeyVendor))
	}
	if st, err := r.Status(second.RunID); err != nil || st.Status != core.RunCompleted {
		t.Fatalf("cached run status = %+v, %v", st, err)
	}
	if id, err := st.GetAlias(ctx, "bitwarden"); err != nil || id != first.ID {
		t.Fatalf("alias = %q, %v", id, err)
	}
	if rec.runs["complete"] != 1 || rec.runs["cached"] != 1 || rec.hits != 1 || rec.miss != 1 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestAssessWithVendorSkipsResolution(t *testing.T) {
	g := &fakeGraphs{}
	r, _, _ := newTestRunner(t, nil, g)
	ctx := context.Background()

	res, err := r.Assess(ctx, Request{Query: "Slack", Vendor: "Salesforce"})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if res.ID != "slack_salesforce" {
		t.Fatalf("id = %q", res.ID)
	}
	if q := g.agentQuery(); q != "Slack Salesforce" {
		t.Fatalf("agent query = %q", q)
	}
	again, err := r.Assess(ctx, Request{Query: "Slack", Vendor: "Salesforce"})
	if err != nil || !again.Cached {
		t.Fatalf("expected cached result, got %+v, %v", again, err)
	}

	if _, err := r.Assess(ctx, Request{Query: "Slack"}); !errors.As(err, new(errs.ConfigurationError)) {
		t.Fatalf("expected ConfigurationError without resolver, got %v", err)
	}
}

func TestAssessForceReruns(t *testing.T) {
	g := &fakeGraphs{}
	r, _, _ := newTestRunner(t, nil, g)
	ctx := context.Background()
	req := Request{Query: "Notion", Vendor: "Notion Labs"}
	if _, err := r.Assess(ctx, req); err != nil {
		t.Fatalf("Assess: %v", err)
	}
	req.Force = true
	res, err := r.Assess(ctx, req)
	if err != nil {
		t.Fatalf("Assess forced: %v", err)
	}
	if res.Cached || g.runs(report.KeyVendor) != 2 {
		t.Fatalf("force must rerun: cached=%v runs=%d", res.Cached, g.runs(report.KeyVendor))
	}
}

func TestAssessIncompleteRun(t *testing.T) {
	g := &fakeGraphs{drop: []string{report.KeyCVE, report.KeyDocs}}
	r, st, rec := newTestRunner(t, nil, g)
	ctx := context.Background()

	_, err := r.Assess(ctx, Request{Query: "Acme Vault", Vendor: "Acme"})
	var incomplete *errs.IncompleteRunError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteRunError, got %v", err)
	}
	if len(incomplete.Missing) != 2 || incomplete.Missing[0] != report.KeyCVE || incomplete.Missing[1] != report.KeyDocs {
		t.Fatalf("missing = %v", incomplete.Missing)
	}
	if len(incomplete.Completed) != 4 || incomplete.RunID == "" {
		t.Fatalf("completed = %v run=%q", incomplete.Completed, incomplete.RunID)
	}
	if _, ok := incomplete.Failures["finalize"]; !ok {
		t.Fatalf("failures = %v", incomplete.Failures)
	}
	if len(incomplete.Partial) != 4 || incomplete.Cancelled {
		t.Fatalf("partial = %v cancelled=%v", incomplete.Partial, incomplete.Cancelled)
	}
	if _, ok := incomplete.Partial[report.KeyVendor].(report.VendorIntel); !ok {
		t.Fatalf("partial vendor = %#v", incomplete.Partial[report.KeyVendor])
	}
	if ids, _ := st.List(ctx); len(ids) != 0 {
		t.Fatalf("incomplete run persisted: %v", ids)
	}
	if rec.runs["incomplete"] != 1 {
		t.Fatalf("recorder = %+v", rec.runs)
	}
	status, err := r.Status(incomplete.RunID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != core.RunIncomplete || status.TotalStages != 7 {
		t.Fatalf("status = %+v", status)
	}
}

func TestAssessRejectsEmptyQuery(t *testing.T) {
	r, _, _ := newTestRunner(t, nil, &fakeGraphs{})
	if _, err := r.Assess(context.Background(), Request{Query: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestAssessResumesIncompleteRun(t *testing.T) {
	g := &fakeGraphs{drop: []string{report.KeyCVE}}
	r, st, _ := newTestRunner(t, nil, g)
	ctx := context.Background()
	req := Request{Query: "Acme Vault", Vendor: "Acme"}

	_, err := r.Assess(ctx, req)
	var incomplete *errs.IncompleteRunError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteRunError, got %v", err)
	}

	g.drop = nil
	res, err := r.Assess(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if g.runs(report.KeyVendor) != 1 || g.runs(report.KeyDocs) != 1 || g.runs(report.KeyCVE) != 2 {
		t.Fatalf("retry reran completed sections: vendor=%d docs=%d cve=%d",
			g.runs(report.KeyVendor), g.runs(report.KeyDocs), g.runs(report.KeyCVE))
	}
	if ids, _ := st.List(ctx); len(ids) != 1 || ids[0] != res.ID {
		t.Fatalf("stored = %v", ids)
	}

	// an explicit resume works on a fresh runner too
	g2 := &fakeGraphs{}
	r2, _, _ := newTestRunner(t, nil, g2)
	if _, err := r2.Assess(ctx, Request{Query: "Acme Vault", Vendor: "Acme", Resume: incomplete.Partial}); err != nil {
		t.Fatalf("explicit resume: %v", err)
	}
	if g2.runs(report.KeyVendor) != 0 || g2.runs(report.KeyCVE) != 1 {
		t.Fatalf("explicit resume: vendor=%d cve=%d", g2.runs(report.KeyVendor), g2.runs(report.KeyCVE))
	}
}

func TestStartExposesStatusInFlight(t *testing.T) {
	g := &fakeGraphs{gate: make(chan struct{}), started: make(chan struct{})}
	r, _, _ := newTestRunner(t, nil, g)

	runID, outcome, err := r.Start(context.Background(), Request{Query: "Slack", Vendor: "Salesforce", RunID: "run-fixed"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runID != "run-fixed" {
		t.Fatalf("run id = %q", runID)
	}
	if st, err := r.Status(runID); err != nil || (st.Status != core.RunPending && st.Status != core.RunRunning) {
		t.Fatalf("status right after Start = %+v, %v", st, err)
	}
	<-g.started
	st, err := r.Status(runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != core.RunRunning || !strings.Contains(strings.Join(st.Running, ","), report.KeyVendor) {
		t.Fatalf("in-flight status = %+v", st)
	}
	if _, _, err := r.Start(context.Background(), Request{Query: "Slack", Vendor: "Salesforce", RunID: "run-fixed"}); !errors.Is(err, core.ErrRunExists) {
		t.Fatalf("duplicate run id: %v", err)
	}

	close(g.gate)
	out := <-outcome
	if out.Err != nil || out.Result.RunID != "run-fixed" {
		t.Fatalf("outcome = %+v", out)
	}
	if st, _ := r.Status(runID); st.Status != core.RunCompleted {
		t.Fatalf("final status = %+v", st)
	}
}

func TestAssessReportsCancellationAfterSections(t *testing.T) {
	g := &fakeGraphs{stallFinalize: true}
	r, _, _ := newTestRunnerWith(t, nil, g, core.Options{MaxConcurrentStages: 2, RunTimeout: 50 * time.Millisecond})

	_, err := r.Assess(context.Background(), Request{Query: "Acme Vault", Vendor: "Acme"})
	var incomplete *errs.IncompleteRunError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteRunError, got %v", err)
	}
	if !incomplete.Cancelled || len(incomplete.Missing) != 0 || !strings.Contains(incomplete.Reason, "deadline") {
		t.Fatalf("incomplete = %+v", incomplete)
	}
	if len(incomplete.Completed) != 6 {
		t.Fatalf("completed = %v", incomplete.Completed)
	}
}
