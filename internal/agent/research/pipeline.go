package research

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/llm"
	"github.com/mohammad-safakhou/sentinel/internal/report"
)

// Deps are the collaborators a pipeline is built from.
type Deps struct {
	// Research serves tool-using stages; Synthesis serves architecture and
	// summary. Synthesis defaults to Research.
	Research  Generator
	Synthesis Generator
	Search    llm.Tool
	CVE       CVESource
	Prompts   *Prompts
	MaxSteps  map[string]int
	// StageTimeout overrides the orchestrator's per-stage timeout when set.
	StageTimeout time.Duration
	Logger       *log.Logger
}

// Pipeline holds the configured agents. It is safe for concurrent runs; all
// per-run data lives in the run state.
type Pipeline struct {
	agents       map[string]*Agent
	cve          *CVEAgent
	stageTimeout time.Duration
	logger       *log.Logger
}

// WaveOne are the stages that fan out from the query.
var WaveOne = []string{
	report.KeyVendor, report.KeyCategory, report.KeyCVE, report.KeyCompliance,
	report.KeyIncidents, report.KeyDocs, report.KeyAlternatives,
}

func NewPipeline(d Deps) (*Pipeline, error) {
	if d.Research == nil {
		return nil, fmt.Errorf("research generator required")
	}
	if d.Search == nil {
		return nil, fmt.Errorf("search tool required")
	}
	if d.CVE == nil {
		return nil, fmt.Errorf("cve source required")
	}
	if d.Synthesis == nil {
		d.Synthesis = d.Research
	}
	if d.Prompts == nil {
		p, err := LoadPrompts("")
		if err != nil {
			return nil, err
		}
		d.Prompts = p
	}
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags)
	}

	web := []llm.Tool{d.Search}
	p := &Pipeline{
		agents: map[string]*Agent{
			report.KeyVendor:       newAgent(report.KeyVendor, d.Research, d.Prompts, d.MaxSteps, web, structured[report.VendorIntel]()),
			report.KeyCategory:     newAgent(report.KeyCategory, d.Research, d.Prompts, d.MaxSteps, web, structured[report.AppCategoryResult]()),
			report.KeyCompliance:   newAgent(report.KeyCompliance, d.Research, d.Prompts, d.MaxSteps, web, structured[report.ComplianceSection]()),
			report.KeyIncidents:    newAgent(report.KeyIncidents, d.Research, d.Prompts, d.MaxSteps, web, structured[report.IncidentSection]()),
			report.KeyDocs:         newAgent(report.KeyDocs, d.Research, d.Prompts, d.MaxSteps, web, structured[report.DocFeatures]()),
			report.KeyAlternatives: newAgent(report.KeyAlternatives, d.Research, d.Prompts, d.MaxSteps, web, structured[report.Alternatives]()),
			report.KeyArchitecture: newAgent(report.KeyArchitecture, d.Synthesis, d.Prompts, d.MaxSteps, nil, structured[report.ArchitectureSummary]()),
			report.KeySummary:      newAgent(report.KeySummary, d.Synthesis, d.Prompts, d.MaxSteps, nil, structured[report.AssessmentSummary]()),
		},
		cve:          newCVEAgent(d.Research, d.CVE, d.Prompts, d.MaxSteps),
		stageTimeout: d.StageTimeout,
		logger:       d.Logger,
	}
	p.agents[report.KeyArchitecture].Context = architectureContext
	p.agents[report.KeySummary].Context = summaryContext
	return p, nil
}

// Graph builds the run graph for one assessment. id becomes the
// FullAssessment identifier.
//
//	wave 1: vendor category cve compliance incidents docs alternatives
//	architecture <- vendor category cve compliance incidents docs
//	summary      <- architecture (after alternatives)
//	finalize     after summary
func (p *Pipeline) Graph(id string, now func() time.Time) (*core.Graph, error) {
	var stages []core.Stage
	for _, key := range WaveOne {
		stages = append(stages, core.Stage{Name: key, Timeout: p.stageTimeout, Run: p.stageFunc(key)})
	}
	stages = append(stages,
		core.Stage{
			Name:      report.KeyArchitecture,
			DependsOn: architectureContext,
			Timeout:   p.stageTimeout,
			Run:       p.stageFunc(report.KeyArchitecture),
		},
		core.Stage{
			Name:      report.KeySummary,
			DependsOn: []string{report.KeyArchitecture},
			After:     []string{report.KeyAlternatives},
			Timeout:   p.stageTimeout,
			Run:       p.stageFunc(report.KeySummary),
		},
		core.Stage{
			Name:   "finalize",
			Writes: []string{report.KeyReport, report.KeyFullAssessment},
			After:  []string{report.KeySummary},
			Run:    finalizeStage(id, now),
		},
	)
	return core.NewGraph(stages...)
}

func (p *Pipeline) stageFunc(key string) core.StageFunc {
	run := p.cve.Run
	if key != report.KeyCVE {
		run = p.agents[key].Run
	}
	return func(ctx context.Context, st *core.RunState) (map[string]any, error) {
		start := time.Now()
		out, err := run(ctx, st)
		if err != nil {
			p.logger.Printf("agent %s failed after %s: %v", key, time.Since(start).Round(time.Millisecond), err)
			return nil, err
		}
		p.logger.Printf("agent %s finished in %s", key, time.Since(start).Round(time.Millisecond))
		return out, nil
	}
}

// finalizeStage assembles the report. Missing required sections surface as
// *errs.IncompleteRunError from report.Finalize.
func finalizeStage(id string, now func() time.Time) core.StageFunc {
	return func(_ context.Context, st *core.RunState) (map[string]any, error) {
		runID, _ := core.Lookup[string](st, KeyRunID)
		asm, err := report.Finalize(st, report.FinalizeOptions{ID: id, RunID: runID, Now: now})
		if err != nil {
			return nil, err
		}
		if app, ok := core.Lookup[report.ApplicationIntel](st, KeyApplication); ok {
			asm.SetApplicationName(app.Name)
		}
		return map[string]any{report.KeyReport: asm.Report, report.KeyFullAssessment: asm.Full}, nil
	}
}
