package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/sentinel/config"
	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/mohammad-safakhou/sentinel/internal/helpers"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// ModelInfo describes a configured model
type ModelInfo struct {
	Name            string
	APIName         string
	MaxTokens       int
	Temperature     float64
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// NewProvider creates the routed provider from configuration. Credentials are
// not checked here; a missing key surfaces on the first call.
func NewProvider(cfg config.LLMConfig, logger *log.Logger) (Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, errs.ConfigurationError{Setting: "llm.providers", Detail: "no LLM providers configured"}
	}
	name := cfg.Routing.Provider
	if name == "" {
		names := make([]string, 0, len(cfg.Providers))
		for n := range cfg.Providers {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	p, ok := cfg.Providers[name]
	if !ok {
		return nil, errs.ConfigurationError{Setting: "llm.routing.provider", Detail: fmt.Sprintf("provider %q not declared", name)}
	}
	switch p.Type {
	case "openai", "gemini", "openai-compatible":
		return NewOpenAIProvider(name, p, logger), nil
	default:
		return nil, errs.ConfigurationError{Setting: "llm.providers." + name + ".type", Detail: fmt.Sprintf("unsupported LLM provider type: %s", p.Type)}
	}
}

// OpenAIProvider talks to any chat-completions compatible endpoint, including
// Gemini's OpenAI compatibility layer.
type OpenAIProvider struct {
	name   string
	config config.LLMProvider
	models map[string]ModelInfo
	client *helpers.HTTPClient
	logger *log.Logger
}

// NewOpenAIProvider creates a new chat-completions provider
func NewOpenAIProvider(name string, cfg config.LLMProvider, logger *log.Logger) *OpenAIProvider {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
		if cfg.Type == "gemini" {
			cfg.BaseURL = defaultGeminiBaseURL
		}
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
		if cfg.Type == "gemini" {
			cfg.APIKeyEnv = "GEMINI_API_KEY"
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	p := &OpenAIProvider{
		name:   name,
		config: cfg,
		models: make(map[string]ModelInfo, len(cfg.Models)),
		client: helpers.NewHTTPClient(timeout, cfg.MaxRetries, 500*time.Millisecond),
		logger: logger,
	}
	for key, m := range cfg.Models {
		api := m.APIName
		if api == "" {
			api = m.Name
		}
		if api == "" {
			api = key
		}
		p.models[key] = ModelInfo{
			Name:            m.Name,
			APIName:         api,
			MaxTokens:       m.MaxTokens,
			Temperature:     m.Temperature,
			CostPer1KInput:  m.CostPer1K,
			CostPer1KOutput: m.CostPer1KOutput,
		}
	}
	return p
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// GetModelInfo returns information about a specific model
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, ok := p.models[model]
	if !ok {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *OpenAIProvider) CalculateCost(usage Usage, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0
	}
	return float64(usage.InputTokens)/1000.0*info.CostPer1KInput + float64(usage.OutputTokens)/1000.0*info.CostPer1KOutput
}

func (p *OpenAIProvider) apiKey() (string, error) {
	if p.config.APIKey != "" {
		return p.config.APIKey, nil
	}
	if v := os.Getenv(p.config.APIKeyEnv); v != "" {
		return v, nil
	}
	return "", errs.ConfigurationError{
		Setting: "llm.providers." + p.name + ".api_key",
		Detail:  "set it in config or the " + p.config.APIKeyEnv + " environment variable",
	}
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   *string         `json:"arguments,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type wireResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Tools          []wireTool          `json:"tools,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   *string        `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat performs one chat-completions round trip.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	apiKey, err := p.apiKey()
	if err != nil {
		return ChatResponse{}, err
	}
	info, ok := p.models[req.Model]
	if !ok {
		return ChatResponse{}, errs.ConfigurationError{Setting: "llm.providers." + p.name + ".models", Detail: fmt.Sprintf("model %s not configured", req.Model)}
	}

	body := wireRequest{
		Model:       info.APIName,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = info.MaxTokens
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: tc.ID, Type: "function", Function: wireFunction{Name: tc.Name, Arguments: &args}})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{Type: "function", Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	if req.ResponseFormat != nil {
		body.ResponseFormat = &wireResponseFormat{
			Type:       "json_schema",
			JSONSchema: &wireJSONSchema{Name: req.ResponseFormat.Name, Schema: req.ResponseFormat.Schema},
		}
	}

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	var out wireResponse
	attempts, err := p.client.DoJSON(ctx, http.MethodPost, strings.TrimRight(p.config.BaseURL, "/")+"/chat/completions", headers, body, &out)
	if err != nil {
		var se *helpers.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return ChatResponse{}, errs.ConfigurationError{Setting: "llm.providers." + p.name + ".api_key", Detail: se.Error()}
		}
		p.logger.Printf("chat %s failed after %d attempts: %v", req.Model, attempts, err)
		return ChatResponse{}, errs.UpstreamGenerationError{Provider: p.name, Model: req.Model, Attempts: attempts, Err: err}
	}
	if len(out.Choices) == 0 {
		return ChatResponse{}, errs.UpstreamGenerationError{Provider: p.name, Model: req.Model, Attempts: attempts, Err: errors.New("no choices")}
	}

	msg := out.Choices[0].Message
	resp := ChatResponse{Usage: Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}}
	if msg.Content != nil {
		resp.Content = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != nil {
			call.Arguments = *tc.Function.Arguments
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp, nil
}
