// Package runner drives one assessment end to end: identifier derivation,
// cache lookup, the research run, scoring and persistence.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/agent/research"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/report"
	"github.com/mohammad-safakhou/sentinel/internal/scoring"
	"github.com/mohammad-safakhou/sentinel/internal/store"
)

var runnerTracer = otel.Tracer("sentinel/internal/runner")

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query must not be empty")

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

const maxPartials = 64

// Parameterize lowercases s, collapses every run of characters outside
// [a-z0-9] into a single '-' and trims leading and trailing '-'.
func Parameterize(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// AssessmentID is the deterministic identifier of an application.
func AssessmentID(name, vendor string) string {
	return Parameterize(name) + "_" + Parameterize(vendor)
}

// Resolver maps a free-text query to the application it names.
type Resolver interface {
	Resolve(ctx context.Context, query string) (report.ApplicationIntel, error)
}

// GraphBuilder builds the run graph for an assessment identifier.
type GraphBuilder interface {
	Graph(id string, now func() time.Time) (*core.Graph, error)
}

// Recorder receives run-level events; telemetry implements it.
type Recorder interface {
	RecordRun(outcome string)
	RecordCacheLookup(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(string)        {}
func (nopRecorder) RecordCacheLookup(bool) {}

// Request is one assessment request.
type Request struct {
	Query string
	// Vendor skips resolution when set; Query is then the application name.
	Vendor string
	// Force bypasses the cache and any retained partial run.
	Force bool
	// RunID names the run; one is generated when empty.
	RunID string
	// Resume seeds sections from an earlier incomplete run. When nil, the
	// sections retained from the last incomplete run of the same assessment
	// are used.
	Resume map[string]any
}

// Outcome is the result of an assessment started with Start.
type Outcome struct {
	Result *Result
	Err    error
}

// Result is a finished or cached assessment.
type Result struct {
	ID       string
	RunID    string
	Cached   bool
	Document []byte
}

// Options configures a Runner.
type Options struct {
	Resolver     Resolver
	Graphs       GraphBuilder
	Orchestrator *core.Orchestrator
	Engine       *scoring.Engine
	Store        store.Store
	Recorder     Recorder
	Logger       *log.Logger
	Now          func() time.Time
}

// Runner is the run coordinator. Each Assess call owns its run state.
type Runner struct {
	resolver Resolver
	graphs   GraphBuilder
	orch     *core.Orchestrator
	engine   *scoring.Engine
	store    store.Store
	recorder Recorder
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	partials map[string]map[string]any
}

func New(opts Options) (*Runner, error) {
	if opts.Graphs == nil || opts.Orchestrator == nil || opts.Store == nil {
		return nil, fmt.Errorf("runner: graphs, orchestrator and store are required")
	}
	r := &Runner{
		resolver: opts.Resolver,
		graphs:   opts.Graphs,
		orch:     opts.Orchestrator,
		engine:   opts.Engine,
		store:    opts.Store,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		now:      opts.Now,
		partials: map[string]map[string]any{},
	}
	if r.engine == nil {
		r.engine = scoring.NewEngine(nil)
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.logger == nil {
		r.logger = log.New(log.Writer(), "[RUNNER] ", log.LstdFlags)
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Assess returns the stored assessment for the query or runs the research
// pipeline to produce one. A run that cannot assemble a complete report
// returns *errs.IncompleteRunError.
func (r *Runner) Assess(ctx context.Context, req Request) (*Result, error) {
	runID, err := r.register(req)
	if err != nil {
		return nil, err
	}
	return r.assess(ctx, req, runID)
}

// Start registers the run and assesses in the background. The run id is
// queryable through Status as soon as Start returns; the outcome is delivered
// on the returned channel. The run outlives ctx cancellation.
func (r *Runner) Start(ctx context.Context, req Request) (string, <-chan Outcome, error) {
	runID, err := r.register(req)
	if err != nil {
		return "", nil, err
	}
	out := make(chan Outcome, 1)
	go func() {
		res, err := r.assess(context.WithoutCancel(ctx), req, runID)
		out <- Outcome{Result: res, Err: err}
	}()
	return runID, out, nil
}

func (r *Runner) register(req Request) (string, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "", ErrEmptyQuery
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := r.orch.Pending(runID); err != nil {
		return "", err
	}
	return runID, nil
}

func (r *Runner) assess(ctx context.Context, req Request, runID string) (res *Result, err error) {
	query := strings.TrimSpace(req.Query)
	ctx, span := runnerTracer.Start(ctx, "runner.Assess")
	span.SetAttributes(attribute.String("run.id", runID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var incomplete *errs.IncompleteRunError
			if errors.As(err, &incomplete) {
				r.recorder.RecordRun("incomplete")
			} else {
				r.recorder.RecordRun("error")
				r.orch.MarkFailed(runID, err)
			}
		} else {
			if res.Cached {
				r.orch.MarkCompleted(runID)
			}
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	vendor := strings.TrimSpace(req.Vendor)
	span.SetAttributes(attribute.String("query", query), attribute.Bool("force", req.Force))

	// A query without a vendor is remembered as an alias of the identifier
	// it resolved to, so repeating it needs no resolution.
	var alias string
	if vendor == "" {
		alias = Parameterize(query)
		if !req.Force {
			if cached, ok := r.cachedByAlias(ctx, alias); ok {
				cached.RunID = runID
				r.recorder.RecordCacheLookup(true)
				r.recorder.RecordRun("cached")
				span.SetAttributes(attribute.String("assessment.id", cached.ID), attribute.Bool("cached", true))
				return cached, nil
			}
		}
	}

	app := report.ApplicationIntel{Name: query, VendorName: vendor}
	if vendor == "" {
		if r.resolver == nil {
			return nil, errs.ConfigurationError{Setting: "resolver", Detail: "vendor is required when no resolver is configured"}
		}
		if app, err = r.resolver.Resolve(ctx, query); err != nil {
			return nil, err
		}
	}
	id := AssessmentID(app.Name, app.VendorName)
	if err := store.ValidateKey(id); err != nil {
		return nil, fmt.Errorf("derived identifier: %w", err)
	}
	span.SetAttributes(attribute.String("assessment.id", id))

	if !req.Force {
		data, err := r.store.Get(ctx, id)
		switch {
		case err == nil:
			r.recorder.RecordCacheLookup(true)
			r.recorder.RecordRun("cached")
			r.rememberAlias(ctx, alias, id)
			return &Result{ID: id, RunID: runID, Cached: true, Document: data}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		r.recorder.RecordCacheLookup(false)
	}

	g, err := r.graphs.Graph(id, r.now)
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	resume := sectionsOnly(req.Resume)
	if req.Resume == nil && !req.Force {
		resume = r.partial(id)
	}
	if len(resume) > 0 {
		r.logger.Printf("run %s: resuming %s with %d sections from an earlier run", runID, id, len(resume))
	}
	r.logger.Printf("run %s: assessing %s (%s by %s)", runID, id, app.Name, app.VendorName)
	run, err := r.orch.RunFrom(ctx, g, runID, map[string]any{
		research.KeyQuery:       agentQuery(app),
		research.KeyRunID:       runID,
		research.KeyApplication: app,
	}, resume)
	if err != nil {
		return nil, err
	}

	full, ok := core.Lookup[report.FullAssessment](run.State, report.KeyFullAssessment)
	if !ok {
		incomplete := incompleteError(ctx, run)
		r.keepPartial(id, incomplete.Partial)
		r.orch.MarkIncomplete(runID, incomplete)
		r.logger.Printf("run %s: incomplete: %v", runID, incomplete)
		return nil, incomplete
	}
	rep, _ := core.Lookup[report.ResearchReport](run.State, report.KeyReport)
	breakdown, err := r.engine.EvaluateReport(rep)
	if err != nil {
		return nil, fmt.Errorf("score %s: %w", id, err)
	}
	if err := full.AttachTrustScore(breakdown); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	if err := r.store.Put(ctx, id, data); err != nil {
		return nil, err
	}
	r.rememberAlias(ctx, alias, id)
	r.keepPartial(id, nil)
	r.recorder.RecordRun("complete")
	r.logger.Printf("run %s: stored %s score=%d confidence=%s", runID, id, breakdown.Score, breakdown.Confidence)
	return &Result{ID: id, RunID: runID, Document: data}, nil
}

// Status reports the progress of an in-flight or recent run.
func (r *Runner) Status(runID string) (core.RunStatus, error) {
	return r.orch.GetStatus(runID)
}

func (r *Runner) cachedByAlias(ctx context.Context, alias string) (*Result, bool) {
	id, err := r.store.GetAlias(ctx, alias)
	if err != nil {
		return nil, false
	}
	data, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, false
	}
	return &Result{ID: id, Cached: true, Document: data}, true
}

func (r *Runner) rememberAlias(ctx context.Context, alias, id string) {
	if alias == "" {
		return
	}
	if err := r.store.PutAlias(ctx, alias, id); err != nil {
		r.logger.Printf("alias %s -> %s not stored: %v", alias, id, err)
	}
}

func (r *Runner) partial(id string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partials[id]
}

// keepPartial retains the sections of an incomplete run; nil forgets them.
func (r *Runner) keepPartial(id string, sections map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(sections) == 0 {
		delete(r.partials, id)
		return
	}
	if _, ok := r.partials[id]; !ok && len(r.partials) >= maxPartials {
		for k := range r.partials {
			delete(r.partials, k)
			break
		}
	}
	r.partials[id] = sections
}

func agentQuery(app report.ApplicationIntel) string {
	name, vendor := strings.TrimSpace(app.Name), strings.TrimSpace(app.VendorName)
	if vendor == "" || strings.Contains(strings.ToLower(name), strings.ToLower(vendor)) {
		return name
	}
	return name + " " + vendor
}

func sectionKeys() map[string]bool {
	keys := map[string]bool{report.KeyArchitecture: true, report.KeySummary: true}
	for _, k := range research.WaveOne {
		keys[k] = true
	}
	return keys
}

// sectionsOnly drops resume entries that are not research sections.
func sectionsOnly(resume map[string]any) map[string]any {
	if resume == nil {
		return nil
	}
	keys := sectionKeys()
	out := make(map[string]any, len(resume))
	for k, v := range resume {
		if keys[k] {
			out[k] = v
		}
	}
	return out
}

// incompleteError describes which sections are missing and which completed,
// and carries the completed section values. A run missing nothing ended
// before finalize could assemble it and is reported as cancelled.
func incompleteError(ctx context.Context, run *core.RunResult) *errs.IncompleteRunError {
	finalizeErr := run.StageError("finalize")
	var out *errs.IncompleteRunError
	if !errors.As(finalizeErr, &out) {
		out = &errs.IncompleteRunError{Missing: report.MissingKeys(run.State)}
	}
	out.RunID = run.RunID
	sections := sectionKeys()
	out.Completed = nil
	out.Partial = map[string]any{}
	for _, k := range run.State.Keys() {
		if sections[k] {
			out.Completed = append(out.Completed, k)
			out.Partial[k], _ = run.State.Get(k)
		}
	}
	sort.Strings(out.Completed)
	out.Failures = run.Failures()

	if len(out.Missing) == 0 {
		cause := finalizeErr
		if cause == nil {
			cause = ctx.Err()
		}
		if cause == nil {
			cause = errors.New("report was not assembled")
		}
		out.Reason = cause.Error()
		out.Cancelled = errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || ctx.Err() != nil
	}
	return out
}
