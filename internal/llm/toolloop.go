package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/sentinel/internal/errs"
)

type loopState int

const (
	awaitingModel loopState = iota
	executingTools
	answered
	stepLimit
)

func (s loopState) String() string {
	switch s {
	case awaitingModel:
		return "awaiting_model"
	case executingTools:
		return "executing_tools"
	case answered:
		return "answered"
	case stepLimit:
		return "step_limit"
	}
	return "unknown"
}

// Transcript is the outcome of a tool loop.
type Transcript struct {
	Messages []Message
	Answer   string
	Steps    int // model calls made
	State    string
}

// runToolLoop alternates model calls and tool executions. maxSteps counts
// model calls; at least one is always made.
func (g *Generator) runToolLoop(ctx context.Context, prompt, input string, tools []Tool, maxSteps int) (*Transcript, error) {
	if maxSteps < 1 {
		maxSteps = 1
	}
	index, specs, err := toolIndex(tools)
	if err != nil {
		return nil, err
	}

	tr := &Transcript{Messages: seed(prompt, input)}
	state := awaitingModel
	var pending []ToolCall

	for state == awaitingModel || state == executingTools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch state {
		case awaitingModel:
			if tr.Steps >= maxSteps {
				state = stepLimit
				continue
			}
			resp, err := g.chat(ctx, ChatRequest{Messages: tr.Messages, Tools: specs})
			if err != nil {
				return nil, err
			}
			tr.Steps++
			tr.Messages = append(tr.Messages, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
			if len(resp.ToolCalls) == 0 {
				tr.Answer = resp.Content
				state = answered
				continue
			}
			pending = resp.ToolCalls
			state = executingTools

		case executingTools:
			for _, call := range pending {
				tr.Messages = append(tr.Messages, Message{
					Role:       RoleTool,
					ToolCallID: call.ID,
					Name:       call.Name,
					Content:    g.invoke(ctx, index, call),
				})
			}
			pending = nil
			state = awaitingModel
		}
	}

	if state == stepLimit {
		tr.Answer = NoFinalAnswer
		g.logger.Printf("tool loop hit step limit (%d model calls)", tr.Steps)
	}
	tr.State = state.String()
	return tr, nil
}

// invoke runs one tool call and renders its observation. Tool failures never
// abort the loop; they become observations the model can react to.
func (g *Generator) invoke(ctx context.Context, index map[string]Tool, call ToolCall) string {
	tool, ok := index[call.Name]
	if !ok {
		g.recorder.RecordToolCall(call.Name, errs.ToolInvocationError{Tool: call.Name, Err: fmt.Errorf("not available")})
		return fmt.Sprintf("Tool %s is not available. Available tools: %s", call.Name, toolNames(index))
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			terr := errs.ToolInvocationError{Tool: call.Name, Err: fmt.Errorf("invalid arguments: %w", err)}
			g.recorder.RecordToolCall(call.Name, terr)
			return fmt.Sprintf("Tool %s failed: %v", call.Name, terr.Err)
		}
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		g.recorder.RecordToolCall(call.Name, errs.ToolInvocationError{Tool: call.Name, Err: err})
		g.logger.Printf("tool %s failed: %v", call.Name, err)
		return fmt.Sprintf("Tool %s failed: %v", call.Name, err)
	}
	g.recorder.RecordToolCall(call.Name, nil)
	return g.observation(result)
}

func (g *Generator) observation(result any) string {
	var s string
	switch v := result.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(b)
		}
	}
	if r := []rune(s); len(r) > g.maxObservation {
		s = string(r[:g.maxObservation]) + "\n[truncated]"
	}
	return s
}
