package telemetry

import (
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/llm"
)

// Telemetry provides run monitoring and cost tracking. It keeps in-memory
// aggregates for the status API and exports the same events to Prometheus.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker

	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
	cacheLookup *prometheus.CounterVec
}

// Metrics holds aggregate counters
type Metrics struct {
	mu sync.RWMutex

	TotalRuns      int64
	CompleteRuns   int64
	IncompleteRuns int64

	StageExecutions map[string]int64
	StageFailures   map[string]int64
	StageAvgTimes   map[string]time.Duration

	LLMRequests   map[string]int64
	LLMFailures   map[string]int64
	LLMTokensUsed map[string]int64

	ToolCalls    map[string]int64
	ToolFailures map[string]int64

	CacheHits   int64
	CacheMisses int64
}

// CostTracker tracks generation spend per model
type CostTracker struct {
	mu          sync.RWMutex
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// Snapshot is a copy of the aggregates safe to serialize.
type Snapshot struct {
	TotalRuns       int64                    `json:"total_runs"`
	CompleteRuns    int64                    `json:"complete_runs"`
	IncompleteRuns  int64                    `json:"incomplete_runs"`
	StageExecutions map[string]int64         `json:"stage_executions"`
	StageFailures   map[string]int64         `json:"stage_failures"`
	StageAvgTimes   map[string]time.Duration `json:"stage_avg_times"`
	LLMRequests     map[string]int64         `json:"llm_requests"`
	LLMFailures     map[string]int64         `json:"llm_failures"`
	LLMTokensUsed   map[string]int64         `json:"llm_tokens_used"`
	ToolCalls       map[string]int64         `json:"tool_calls"`
	ToolFailures    map[string]int64         `json:"tool_failures"`
	CacheHits       int64                    `json:"cache_hits"`
	CacheMisses     int64                    `json:"cache_misses"`
	TotalCost       float64                  `json:"total_cost_usd"`
	TotalTokens     int64                    `json:"total_tokens"`
	ModelCosts      map[string]float64       `json:"model_costs_usd"`
}

var (
	_ llm.Recorder = (*Telemetry)(nil)
)

// NewTelemetry creates a telemetry instance with its own Prometheus registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageExecutions: make(map[string]int64),
			StageFailures:   make(map[string]int64),
			StageAvgTimes:   make(map[string]time.Duration),
			LLMRequests:     make(map[string]int64),
			LLMFailures:     make(map[string]int64),
			LLMTokensUsed:   make(map[string]int64),
			ToolCalls:       make(map[string]int64),
			ToolFailures:    make(map[string]int64),
		},
		costTracker: &CostTracker{ModelCosts: make(map[string]float64)},
		registry:    prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_runs_total",
			Help: "Assessment runs by outcome (complete, incomplete, cached, error).",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_stage_duration_seconds",
			Help:    "Research stage durations by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}, []string{"stage", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_total",
			Help: "Generation tokens by model and kind (input, output).",
		}, []string{"model", "kind"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_llm_cost_usd_total",
			Help: "Estimated generation spend in USD by model.",
		}, []string{"model"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		cacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_cache_lookups_total",
			Help: "Assessment cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.runs, t.stages, t.tokens, t.cost, t.toolCalls, t.cacheLookup,
	)
	return t
}

// Handler serves the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordRun counts a finished run.
func (t *Telemetry) RecordRun(outcome string) {
	if !t.config.Enabled {
		return
	}
	t.runs.WithLabelValues(outcome).Inc()

	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.TotalRuns++
	switch outcome {
	case "complete":
		t.metrics.CompleteRuns++
	case "incomplete":
		t.metrics.IncompleteRuns++
	}
}

// ObserveStage records a stage outcome and duration.
func (t *Telemetry) ObserveStage(stage, outcome string, d time.Duration) {
	if !t.config.Enabled {
		return
	}
	t.stages.WithLabelValues(stage, outcome).Observe(d.Seconds())

	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.StageExecutions[stage]++
	if outcome != "succeeded" {
		t.metrics.StageFailures[stage]++
	}
	n := t.metrics.StageExecutions[stage]
	if n == 1 {
		t.metrics.StageAvgTimes[stage] = d
	} else {
		total := t.metrics.StageAvgTimes[stage] * time.Duration(n-1)
		t.metrics.StageAvgTimes[stage] = (total + d) / time.Duration(n)
	}
}

// RecordLLMCall records one generation call.
func (t *Telemetry) RecordLLMCall(model string, usage llm.Usage, cost float64, err error) {
	if !t.config.Enabled {
		return
	}
	t.tokens.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	t.tokens.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))

	t.metrics.mu.Lock()
	t.metrics.LLMRequests[model]++
	if err != nil {
		t.metrics.LLMFailures[model]++
	}
	t.metrics.LLMTokensUsed[model] += usage.InputTokens + usage.OutputTokens
	t.metrics.mu.Unlock()

	if !t.config.CostTracking {
		return
	}
	t.cost.WithLabelValues(model).Add(cost)
	t.costTracker.mu.Lock()
	defer t.costTracker.mu.Unlock()
	t.costTracker.ModelCosts[model] += cost
	t.costTracker.TotalCost += cost
	t.costTracker.TotalTokens += usage.InputTokens + usage.OutputTokens
}

// RecordToolCall records one tool invocation.
func (t *Telemetry) RecordToolCall(tool string, err error) {
	if !t.config.Enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.toolCalls.WithLabelValues(tool, outcome).Inc()

	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.ToolCalls[tool]++
	if err != nil {
		t.metrics.ToolFailures[tool]++
	}
}

// RecordCacheLookup records an assessment cache hit or miss.
func (t *Telemetry) RecordCacheLookup(hit bool) {
	if !t.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	t.cacheLookup.WithLabelValues(result).Inc()

	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	if hit {
		t.metrics.CacheHits++
	} else {
		t.metrics.CacheMisses++
	}
}

// GetSnapshot returns a copy of the aggregates
func (t *Telemetry) GetSnapshot() Snapshot {
	t.metrics.mu.RLock()
	s := Snapshot{
		TotalRuns:       t.metrics.TotalRuns,
		CompleteRuns:    t.metrics.CompleteRuns,
		IncompleteRuns:  t.metrics.IncompleteRuns,
		StageExecutions: copyMap(t.metrics.StageExecutions),
		StageFailures:   copyMap(t.metrics.StageFailures),
		StageAvgTimes:   copyMap(t.metrics.StageAvgTimes),
		LLMRequests:     copyMap(t.metrics.LLMRequests),
		LLMFailures:     copyMap(t.metrics.LLMFailures),
		LLMTokensUsed:   copyMap(t.metrics.LLMTokensUsed),
		ToolCalls:       copyMap(t.metrics.ToolCalls),
		ToolFailures:    copyMap(t.metrics.ToolFailures),
		CacheHits:       t.metrics.CacheHits,
		CacheMisses:     t.metrics.CacheMisses,
	}
	t.metrics.mu.RUnlock()

	t.costTracker.mu.RLock()
	s.TotalCost = t.costTracker.TotalCost
	s.TotalTokens = t.costTracker.TotalTokens
	s.ModelCosts = copyMap(t.costTracker.ModelCosts)
	t.costTracker.mu.RUnlock()
	return s
}

// GetPerformanceReport returns a human readable summary
func (t *Telemetry) GetPerformanceReport() string {
	s := t.GetSnapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "runs=%d complete=%d incomplete=%d cache_hits=%d cache_misses=%d\n",
		s.TotalRuns, s.CompleteRuns, s.IncompleteRuns, s.CacheHits, s.CacheMisses)

	stages := make([]string, 0, len(s.StageExecutions))
	for name := range s.StageExecutions {
		stages = append(stages, name)
	}
	sort.Strings(stages)
	for _, name := range stages {
		fmt.Fprintf(&b, "stage %-13s runs=%d failures=%d avg=%v\n",
			name, s.StageExecutions[name], s.StageFailures[name], s.StageAvgTimes[name].Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "llm cost=$%.4f tokens=%d", s.TotalCost, s.TotalTokens)
	return b.String()
}

// LogSummary writes the performance report to the telemetry logger.
func (t *Telemetry) LogSummary() {
	if !t.config.Enabled {
		return
	}
	t.logger.Printf("%s", t.GetPerformanceReport())
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
