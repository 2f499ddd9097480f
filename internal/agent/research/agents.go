package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/sentinel/internal/agent/core"
	"github.com/mohammad-safakhou/sentinel/internal/llm"
	"github.com/mohammad-safakhou/sentinel/internal/report"
)

// Seed keys placed in the run state before any stage runs.
const (
	KeyQuery       = "query"
	KeyRunID       = "run_id"
	KeyApplication = "application"
)

// Generator is the generation capability the agents need.
type Generator interface {
	GenerateStructured(ctx context.Context, prompt, input string, schema llm.Schema, out any) error
	GenerateStructuredWithTools(ctx context.Context, prompt, input string, tools []llm.Tool, schema llm.Schema, maxSteps int, out any) error
}

// Search hints appended to the query of the web-research agents.
var searchHints = map[string]string{
	report.KeyVendor:       " company about",
	report.KeyCompliance:   " trust center security compliance certifications",
	report.KeyIncidents:    " breach incident security news",
	report.KeyDocs:         " security documentation site:docs.* OR site:support.*",
	report.KeyAlternatives: " alternatives competitors",
}

// DefaultMaxSteps bounds the tool loop of each agent.
var DefaultMaxSteps = map[string]int{
	report.KeyVendor:       6,
	report.KeyAlternatives: 6,
	report.KeyCompliance:   8,
	report.KeyIncidents:    8,
	report.KeyDocs:         8,
	report.KeyCVE:          4,
	report.KeyCategory:     2,
	report.KeyArchitecture: 1,
	report.KeySummary:      1,
	"resolver":             4,
}

var (
	architectureContext = []string{
		report.KeyVendor, report.KeyCategory, report.KeyCVE,
		report.KeyCompliance, report.KeyIncidents, report.KeyDocs,
	}
	summaryContext = append(append([]string(nil), architectureContext...),
		report.KeyArchitecture, report.KeyAlternatives)
)

// Agent produces one report section with a single structured-with-tools call.
type Agent struct {
	Key      string
	Prompt   string
	Hint     string
	MaxSteps int
	Tools    []llm.Tool
	// Context lists sections serialized into the input. Agents with context
	// read prior sections only and never receive tools.
	Context []string

	gen    Generator
	decode func(ctx context.Context, a *Agent, input string, schema llm.Schema) (any, error)
}

// Run is the agent's stage function.
func (a *Agent) Run(ctx context.Context, st *core.RunState) (map[string]any, error) {
	query, ok := core.Lookup[string](st, KeyQuery)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%s agent: query missing from run state", a.Key)
	}
	schema, err := report.SectionSchema(a.Key)
	if err != nil {
		return nil, err
	}
	input, err := a.input(query, st)
	if err != nil {
		return nil, err
	}
	v, err := a.decode(ctx, a, input, schema)
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", a.Key, err)
	}
	return map[string]any{a.Key: v}, nil
}

func (a *Agent) input(query string, st *core.RunState) (string, error) {
	if len(a.Context) == 0 {
		return query + a.Hint, nil
	}
	sections := make(map[string]any, len(a.Context))
	for _, k := range a.Context {
		if v, ok := st.Get(k); ok {
			sections[k] = v
		}
	}
	raw, err := json.MarshalIndent(sections, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%s agent: encode context: %w", a.Key, err)
	}
	return query + "\n\nPreviously computed sections (JSON):\n" + string(raw), nil
}

func structured[T any]() func(context.Context, *Agent, string, llm.Schema) (any, error) {
	return func(ctx context.Context, a *Agent, input string, schema llm.Schema) (any, error) {
		var out T
		if err := a.gen.GenerateStructuredWithTools(ctx, a.Prompt, input, a.Tools, schema, a.MaxSteps, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func newAgent(key string, gen Generator, prompts *Prompts, steps map[string]int, tools []llm.Tool, decode func(context.Context, *Agent, string, llm.Schema) (any, error)) *Agent {
	return &Agent{
		Key:      key,
		Prompt:   prompts.Agent(key),
		Hint:     searchHints[key],
		MaxSteps: maxSteps(steps, key),
		Tools:    tools,
		gen:      gen,
		decode:   decode,
	}
}

func maxSteps(overrides map[string]int, key string) int {
	if n, ok := overrides[key]; ok && n > 0 {
		return n
	}
	return DefaultMaxSteps[key]
}
