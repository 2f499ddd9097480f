package research

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts is the prompt library handed to the generation capability. Prompt
// wording is data, not code.
type Prompts struct {
	Resolver string            `yaml:"resolver"`
	Agents   map[string]string `yaml:"agents"`
}

// Agent returns the prompt for a section key.
func (p *Prompts) Agent(key string) string {
	if p == nil {
		return ""
	}
	return p.Agents[key]
}

// LoadPrompts returns the built-in library, with entries from the YAML file at
// path (if any) replacing the built-in ones.
func LoadPrompts(path string) (*Prompts, error) {
	var base Prompts
	if err := yaml.Unmarshal(defaultPrompts, &base); err != nil {
		return nil, fmt.Errorf("parse built-in prompts: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return &base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var override Prompts
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if strings.TrimSpace(override.Resolver) != "" {
		base.Resolver = override.Resolver
	}
	for k, v := range override.Agents {
		if _, ok := base.Agents[k]; !ok {
			return nil, fmt.Errorf("prompts file %s: unknown agent %q", path, k)
		}
		if strings.TrimSpace(v) != "" {
			base.Agents[k] = v
		}
	}
	return &base, nil
}
