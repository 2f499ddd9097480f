package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/sentinel/internal/errs"
)

var llmTracer = otel.Tracer("sentinel/internal/llm")

// NoFinalAnswer is the transcript answer when the step budget runs out while
// the model still wants tools.
const NoFinalAnswer = "No final answer was produced within the step limit."

const defaultMaxObservationChars = 24000

// Options configures a Generator.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxObservationChars bounds each tool observation fed back to the model.
	MaxObservationChars int
	Recorder            Recorder
	Logger              *log.Logger
}

// Generator runs prompts against a Provider.
type Generator struct {
	provider       Provider
	model          string
	temperature    float64
	maxTokens      int
	maxObservation int
	recorder       Recorder
	logger         *log.Logger
}

// NewGenerator creates a generator bound to a provider and default model.
func NewGenerator(p Provider, opts Options) *Generator {
	g := &Generator{
		provider:       p,
		model:          opts.Model,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		maxObservation: opts.MaxObservationChars,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
	}
	if g.maxObservation <= 0 {
		g.maxObservation = defaultMaxObservationChars
	}
	if g.recorder == nil {
		g.recorder = nopRecorder{}
	}
	if g.logger == nil {
		g.logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return g
}

// WithModel returns a copy using a different model.
func (g *Generator) WithModel(model string) *Generator {
	cp := *g
	if model != "" {
		cp.model = model
	}
	return &cp
}

// Model returns the model the generator calls.
func (g *Generator) Model() string { return g.model }

// Generate returns the model's free-text answer for input under prompt.
func (g *Generator) Generate(ctx context.Context, prompt, input string) (string, error) {
	resp, err := g.chat(ctx, ChatRequest{Messages: seed(prompt, input)})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateStructured asks for a schema-conforming object and decodes it into
// out. Validation failures are returned as errs.SchemaValidationError.
func (g *Generator) GenerateStructured(ctx context.Context, prompt, input string, schema Schema, out any) error {
	return g.extract(ctx, seed(prompt, input), schema, out)
}

// GenerateWithTools runs the bounded tool loop and returns the final answer,
// or NoFinalAnswer when maxSteps model calls did not produce one.
func (g *Generator) GenerateWithTools(ctx context.Context, prompt, input string, tools []Tool, maxSteps int) (string, error) {
	tr, err := g.runToolLoop(ctx, prompt, input, tools, maxSteps)
	if err != nil {
		return "", err
	}
	return tr.Answer, nil
}

// GenerateStructuredWithTools runs the tool loop, then makes one extraction
// call over the whole transcript constrained to schema.
func (g *Generator) GenerateStructuredWithTools(ctx context.Context, prompt, input string, tools []Tool, schema Schema, maxSteps int, out any) error {
	tr, err := g.runToolLoop(ctx, prompt, input, tools, maxSteps)
	if err != nil {
		return err
	}
	return g.extract(ctx, tr.Messages, schema, out)
}

func seed(prompt, input string) []Message {
	msgs := make([]Message, 0, 2)
	if strings.TrimSpace(prompt) != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: prompt})
	}
	return append(msgs, Message{Role: RoleUser, Content: input})
}

func (g *Generator) chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Model == "" {
		req.Model = g.model
	}
	if req.Temperature == 0 {
		req.Temperature = g.temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.maxTokens
	}
	ctx, span := llmTracer.Start(ctx, "Generator.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", g.provider.Name()),
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
		attribute.Bool("structured", req.ResponseFormat != nil),
	)

	start := time.Now()
	resp, err := g.provider.Chat(ctx, req)
	cost := 0.0
	if err == nil {
		cost = g.provider.CalculateCost(resp.Usage, req.Model)
	}
	g.recorder.RecordLLMCall(req.Model, resp.Usage, cost, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ChatResponse{}, err
	}
	span.SetAttributes(
		attribute.Int64("tokens_in", resp.Usage.InputTokens),
		attribute.Int64("tokens_out", resp.Usage.OutputTokens),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	g.logger.Printf("model=%s in=%d out=%d tool_calls=%d took=%s", req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, len(resp.ToolCalls), time.Since(start).Round(time.Millisecond))
	return resp, nil
}

func (g *Generator) extract(ctx context.Context, transcript []Message, schema Schema, out any) error {
	msgs := append(append([]Message(nil), transcript...), Message{
		Role:    RoleUser,
		Content: "Using everything above, return only the structured object matching the " + schema.Name() + " schema. Respond with JSON only.",
	})
	resp, err := g.chat(ctx, ChatRequest{
		Messages:       msgs,
		ResponseFormat: &ResponseFormat{Name: schema.Name(), Schema: json.RawMessage(schema.Document())},
	})
	if err != nil {
		return err
	}
	return Decode(resp.Content, schema, out)
}

// Decode extracts a JSON object from model output, validates it against
// schema, unmarshals it into out and runs out's Validate method if it has
// one. Nothing is coerced.
func Decode(content string, schema Schema, out any) error {
	raw, err := ExtractJSON(content)
	if err != nil {
		return errs.SchemaValidationError{Schema: schema.Name(), Reason: "no JSON object in model output"}
	}
	if err := schema.Validate([]byte(raw)); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return errs.SchemaValidationError{Schema: schema.Name(), Reason: err.Error()}
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			var sve errs.SchemaValidationError
			if errors.As(err, &sve) {
				return err
			}
			return errs.SchemaValidationError{Schema: schema.Name(), Reason: err.Error()}
		}
	}
	return nil
}

func toolIndex(tools []Tool) (map[string]Tool, []ToolSpec, error) {
	index := make(map[string]Tool, len(tools))
	specs := make([]ToolSpec, 0, len(tools))
	for _, t := range tools {
		if _, dup := index[t.Name()]; dup {
			return nil, nil, errs.ConfigurationError{Setting: "tools", Detail: fmt.Sprintf("duplicate tool name %q", t.Name())}
		}
		index[t.Name()] = t
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return index, specs, nil
}

func toolNames(index map[string]Tool) string {
	names := make([]string, 0, len(index))
	for n := range index {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
