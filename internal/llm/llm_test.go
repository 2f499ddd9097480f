package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
)

type scriptedProvider struct {
	mu       sync.Mutex
	replies  []ChatResponse
	requests []ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return ChatResponse{}, errors.New("script exhausted")
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r, nil
}

func (p *scriptedProvider) CalculateCost(Usage, string) float64 { return 0 }

type countingRecorder struct {
	mu        sync.Mutex
	llmCalls  int
	toolCalls map[string][]error
}

func (r *countingRecorder) RecordLLMCall(string, Usage, float64, error) {
	r.mu.Lock()
	r.llmCalls++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordToolCall(tool string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.toolCalls == nil {
		r.toolCalls = map[string][]error{}
	}
	r.toolCalls[tool] = append(r.toolCalls[tool], err)
}

type echoTool struct {
	name string
	err  error
}

func (t echoTool) Name() string                { return t.name }
func (t echoTool) Description() string         { return "echoes its query" }
func (t echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t echoTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	if t.err != nil {
		return nil, t.err
	}
	return map[string]any{"echo": args["query"]}, nil
}

type objectSchema struct{}

func (objectSchema) Name() string     { return "widget" }
func (objectSchema) Document() []byte { return []byte(`{"type":"object"}`) }
func (objectSchema) Validate(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return errs.SchemaValidationError{Schema: "widget", Reason: "not an object"}
	}
	if _, ok := m["name"]; !ok {
		return errs.SchemaValidationError{Schema: "widget", Field: "name", Reason: "required"}
	}
	return nil
}

type widget struct {
	Name string `json:"name"`
}

func (p widget) Validate() error {
	if p.Name == "forbidden" {
		return errors.New("name not allowed")
	}
	return nil
}

func quietGenerator(p Provider, rec Recorder) *Generator {
	return NewGenerator(p, Options{Model: "m", Recorder: rec, Logger: log.New(io.Discard, "", 0)})
}

func TestToolLoopUnknownToolBecomesObservation(t *testing.T) {
	p := &scriptedProvider{replies: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "missing_tool", Arguments: `{}`}}},
		{Content: "done"},
	}}
	rec := &countingRecorder{}
	g := quietGenerator(p, rec)

	out, err := g.GenerateWithTools(context.Background(), "sys", "find", []Tool{echoTool{name: "search"}}, 4)
	if err != nil {
		t.Fatalf("GenerateWithTools: %v", err)
	}
	if out != "done" {
		t.Fatalf("answer = %q", out)
	}
	last := p.requests[1].Messages
	obs := last[len(last)-1]
	if obs.Role != RoleTool || !strings.Contains(obs.Content, "Tool missing_tool is not available") {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if len(rec.toolCalls["missing_tool"]) != 1 || rec.toolCalls["missing_tool"][0] == nil {
		t.Fatalf("expected a failed tool record, got %+v", rec.toolCalls)
	}
}

func TestToolLoopToolFailureDoesNotAbort(t *testing.T) {
	p := &scriptedProvider{replies: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "search", Arguments: `{"query":"x"}`}}},
		{Content: "recovered"},
	}}
	rec := &countingRecorder{}
	g := quietGenerator(p, rec)

	out, err := g.GenerateWithTools(context.Background(), "", "q", []Tool{echoTool{name: "search", err: errors.New("backend down")}}, 3)
	if err != nil {
		t.Fatalf("GenerateWithTools: %v", err)
	}
	if out != "recovered" {
		t.Fatalf("answer = %q", out)
	}
	msgs := p.requests[1].Messages
	if !strings.Contains(msgs[len(msgs)-1].Content, "Tool search failed: backend down") {
		t.Fatalf("observation = %q", msgs[len(msgs)-1].Content)
	}
	var terr errs.ToolInvocationError
	if !errors.As(rec.toolCalls["search"][0], &terr) {
		t.Fatalf("expected ToolInvocationError record, got %v", rec.toolCalls["search"][0])
	}
}

func TestToolLoopStepLimit(t *testing.T) {
	call := ChatResponse{ToolCalls: []ToolCall{{ID: "1", Name: "search", Arguments: `{"query":"x"}`}}}
	p := &scriptedProvider{replies: []ChatResponse{call, call, call}}
	g := quietGenerator(p, nil)

	out, err := g.GenerateWithTools(context.Background(), "", "q", []Tool{echoTool{name: "search"}}, 2)
	if err != nil {
		t.Fatalf("GenerateWithTools: %v", err)
	}
	if out != NoFinalAnswer {
		t.Fatalf("answer = %q", out)
	}
	if len(p.requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(p.requests))
	}
}

func TestGenerateStructuredWithToolsExtractsOverTranscript(t *testing.T) {
	p := &scriptedProvider{replies: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "1", Name: "search", Arguments: `{"query":"acme"}`}}},
		{Content: "Acme is a vendor."},
		{Content: "```json\n{\"name\":\"Acme\"}\n```"},
	}}
	g := quietGenerator(p, nil)

	var out widget
	if err := g.GenerateStructuredWithTools(context.Background(), "sys", "acme", []Tool{echoTool{name: "search"}}, objectSchema{}, 4, &out); err != nil {
		t.Fatalf("GenerateStructuredWithTools: %v", err)
	}
	if out.Name != "Acme" {
		t.Fatalf("name = %q", out.Name)
	}
	extraction := p.requests[2]
	if extraction.ResponseFormat == nil || extraction.ResponseFormat.Name != "widget" {
		t.Fatalf("extraction call missing response format: %+v", extraction.ResponseFormat)
	}
	if len(extraction.Tools) != 0 {
		t.Fatalf("extraction call should not offer tools")
	}
	if !strings.Contains(extraction.Messages[len(extraction.Messages)-2].Content, "Acme is a vendor.") {
		t.Fatalf("extraction did not see the transcript")
	}
}

func TestGenerateStructuredRejectsInvalidOutput(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		field string
	}{
		{"no json", "I could not find anything.", ""},
		{"missing field", `{"other":1}`, "name"},
		{"semantic check", `{"name":"forbidden"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{replies: []ChatResponse{{Content: tt.reply}}}
			g := quietGenerator(p, nil)
			var out widget
			err := g.GenerateStructured(context.Background(), "", "x", objectSchema{}, &out)
			var sve errs.SchemaValidationError
			if !errors.As(err, &sve) {
				t.Fatalf("expected SchemaValidationError, got %v", err)
			}
			if sve.Field != tt.field {
				t.Fatalf("field = %q, want %q", sve.Field, tt.field)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":\"}\"}\n```", `{"a":"}"}`},
		{`Here you go: {"a":[1,2]} thanks`, `{"a":[1,2]}`},
		{`[{"a":1}]`, `[{"a":1}]`},
		{"\uFEFF```json\n{\"b\":2}\n```", `{"b":2}`},
	}
	for _, tt := range tests {
		got, err := ExtractJSON(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ExtractJSON(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ExtractJSON("no braces here"); err == nil {
		t.Fatalf("expected error for text without JSON")
	}
}

func TestOpenAIProviderMissingKey(t *testing.T) {
	t.Setenv("SENTINEL_TEST_MISSING_KEY", "")
	p := NewOpenAIProvider("openai", config.LLMProvider{
		Type:      "openai",
		APIKeyEnv: "SENTINEL_TEST_MISSING_KEY",
		Models:    map[string]config.LLMModel{"m": {Name: "gpt"}},
	}, log.New(io.Discard, "", 0))
	_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	var cfgErr errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestOpenAIProviderToolCallsAndUsage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"query\":\"acme\"}"}}]}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", config.LLMProvider{
		Type:    "openai",
		APIKey:  "k",
		BaseURL: srv.URL,
		Models:  map[string]config.LLMModel{"m": {APIName: "gpt-4o-mini", CostPer1K: 1, CostPer1KOutput: 2}},
	}, log.New(io.Discard, "", 0))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolSpec{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got["model"] != "gpt-4o-mini" {
		t.Fatalf("wire model = %v", got["model"])
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" || resp.ToolCalls[0].Arguments != `{"query":"acme"}` {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if cost := p.CalculateCost(resp.Usage, "m"); math.Abs(cost-0.018) > 1e-9 {
		t.Fatalf("cost = %v", cost)
	}
}
