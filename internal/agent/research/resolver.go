package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/sentinel/internal/llm"
	"github.com/mohammad-safakhou/sentinel/internal/report"
)

// Resolver turns a free-text product name or URL into ApplicationIntel.
type Resolver struct {
	gen      Generator
	search   llm.Tool
	prompt   string
	maxSteps int
}

func NewResolver(gen Generator, search llm.Tool, prompts *Prompts, steps map[string]int) *Resolver {
	r := &Resolver{gen: gen, search: search, maxSteps: maxSteps(steps, "resolver")}
	if prompts != nil {
		r.prompt = prompts.Resolver
	}
	return r
}

// Resolve identifies the product and its vendor.
func (r *Resolver) Resolve(ctx context.Context, query string) (report.ApplicationIntel, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return report.ApplicationIntel{}, fmt.Errorf("resolve: empty query")
	}
	schema, err := report.SectionSchema("application")
	if err != nil {
		return report.ApplicationIntel{}, err
	}
	input := "Product: " + query
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		input = "Product URL: " + query
	}
	var tools []llm.Tool
	if r.search != nil {
		tools = []llm.Tool{r.search}
	}
	var out report.ApplicationIntel
	if err := r.gen.GenerateStructuredWithTools(ctx, r.prompt, input, tools, schema, r.maxSteps, &out); err != nil {
		return report.ApplicationIntel{}, fmt.Errorf("resolve %q: %w", query, err)
	}
	out.Name = strings.TrimSpace(out.Name)
	out.VendorName = strings.TrimSpace(out.VendorName)
	return out, nil
}
