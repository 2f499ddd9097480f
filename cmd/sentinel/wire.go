package main

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/agent/research"
	"github.com/mohammad-safakhou/sentinel/internal/agent/telemetry"
	"github.com/mohammad-safakhou/sentinel/internal/llm"
	"github.com/mohammad-safakhou/sentinel/internal/runner"
	"github.com/mohammad-safakhou/sentinel/internal/scoring"
	"github.com/mohammad-safakhou/sentinel/internal/store"
	"github.com/mohammad-safakhou/sentinel/internal/tools/nvd"
	"github.com/mohammad-safakhou/sentinel/internal/tools/websearch"
)

// app is everything a command needs, built once from configuration.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	store     store.Store
	runner    *runner.Runner
	shutdown  func(context.Context) error
}

func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.shutdown != nil {
		_ = a.shutdown(ctx)
	}
	a.telemetry.LogSummary()
}

func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	tel := telemetry.NewTelemetry(cfg.Telemetry)
	shutdown, err := telemetry.SetupTracing(ctx, tel, "sentinel", version)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}

	provider, err := llm.NewProvider(cfg.LLM, nil)
	if err != nil {
		return nil, err
	}
	base := llm.NewGenerator(provider, llm.Options{
		Model:       cfg.LLM.Routing.Model("research"),
		Temperature: cfg.Agents.Temperature,
		Recorder:    tel,
	})
	synthesis := base.WithModel(cfg.LLM.Routing.Model("synthesis"))

	scraper, err := websearch.NewScraper(cfg.Sources.WebSearch, nil)
	if err != nil {
		return nil, err
	}
	search := websearch.NewTool(scraper)
	cves := nvd.NewTool(nvd.NewClient(cfg.Sources.NVD, nil), nvd.Defaults{
		ResultsPerPage: cfg.Sources.NVD.ResultsPerPage,
		MaxResults:     cfg.Sources.NVD.MaxResults,
		MaxPages:       cfg.Sources.NVD.MaxPages,
	})

	prompts, err := research.LoadPrompts(cfg.General.PromptsFile)
	if err != nil {
		return nil, err
	}
	pipeline, err := research.NewPipeline(research.Deps{
		Research:  base,
		Synthesis: synthesis,
		Search:    search,
		CVE:       cves,
		Prompts:   prompts,
		MaxSteps:  cfg.Agents.MaxSteps,
	})
	if err != nil {
		return nil, err
	}
	resolver := research.NewResolver(base, search, prompts, cfg.Agents.MaxSteps)

	orch := core.NewOrchestrator(core.Options{
		MaxConcurrentStages: cfg.Agents.MaxConcurrentAgents,
		StageTimeout:        cfg.Agents.AgentTimeout,
		RunTimeout:          cfg.Agents.RunTimeout,
		Observer:            tel,
	})

	st, err := store.New(ctx, cfg.Storage, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	r, err := runner.New(runner.Options{
		Resolver:     resolver,
		Graphs:       pipeline,
		Orchestrator: orch,
		Engine:       scoring.NewEngine(cfg.Scoring.Weights),
		Store:        st,
		Recorder:     tel,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, telemetry: tel, store: st, runner: r, shutdown: shutdown}, nil
}
