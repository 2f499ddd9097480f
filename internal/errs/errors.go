// Package errs defines the failure taxonomy shared by the generation layer,
// the research stages and the run coordinator. Each type is matched with
// errors.As; none of them carry behaviour beyond formatting.
package errs

import (
	"fmt"
	"sort"
	"strings"
)

// ConfigurationError reports a required credential or setting that is absent.
// It is fatal and never retried.
type ConfigurationError struct {
	Setting string
	Detail  string
}

func (e ConfigurationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("configuration: %s is not set", e.Setting)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Detail)
}

// UpstreamGenerationError reports a generative backend failure after the
// provider exhausted its retry budget.
type UpstreamGenerationError struct {
	Provider string
	Model    string
	Attempts int
	Err      error
}

func (e UpstreamGenerationError) Error() string {
	return fmt.Sprintf("upstream generation failed (provider=%s model=%s attempts=%d): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e UpstreamGenerationError) Unwrap() error { return e.Err }

// ToolInvocationError wraps a failing tool call. Inside the tool loop it is
// handed back to the model as an observation.
type ToolInvocationError struct {
	Tool string
	Err  error
}

func (e ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e ToolInvocationError) Unwrap() error { return e.Err }

// SchemaValidationError reports structured output that does not conform to a
// section schema, including enumeration membership violations.
type SchemaValidationError struct {
	Schema string
	Field  string
	Reason string
}

func (e SchemaValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("schema %s: field %s: %s", e.Schema, e.Field, e.Reason)
}

// IncompleteRunError is the structured "missing sections" result of a run
// that could not assemble a complete report. Completed lists the keys that
// were produced and Partial holds their values so a retry can resume from
// them. Cancelled is set when every section was present but the run ended
// before the report was assembled; Reason then carries the cause.
type IncompleteRunError struct {
	RunID     string
	Missing   []string
	Completed []string
	Failures  map[string]string
	Partial   map[string]any
	Cancelled bool
	Reason    string
}

func (e *IncompleteRunError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("run %s cancelled before the report was assembled: %s", e.RunID, e.Reason)
	}
	missing := append([]string(nil), e.Missing...)
	sort.Strings(missing)
	return fmt.Sprintf("run %s incomplete: missing sections [%s]", e.RunID, strings.Join(missing, ", "))
}
