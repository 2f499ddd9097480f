package core

import (
	"context"
	"fmt"
	"time"
)

// StageFunc computes a stage's outputs from the run state. Every key the
// stage declares in Writes must be present in a successful result.
type StageFunc func(ctx context.Context, st *RunState) (map[string]any, error)

// Stage is one node of the run graph.
type Stage struct {
	Name string
	// Writes lists the state keys the stage produces; empty means [Name].
	Writes []string
	// DependsOn names stages that must succeed first; if any fails the stage
	// is skipped.
	DependsOn []string
	// After names stages that must settle (succeed, fail or be skipped)
	// first without their success being required.
	After []string
	// Timeout overrides the orchestrator's per-stage timeout.
	Timeout time.Duration
	Run     StageFunc
}

func (s Stage) writes() []string {
	if len(s.Writes) == 0 {
		return []string{s.Name}
	}
	return s.Writes
}

// Graph is a validated, acyclic set of stages.
type Graph struct {
	stages []Stage
	index  map[string]int
	order  []string
}

// NewGraph validates names, write keys and edges and computes a topological
// order. Ties keep declaration order.
func NewGraph(stages ...Stage) (*Graph, error) {
	g := &Graph{stages: stages, index: make(map[string]int, len(stages))}
	writers := map[string]string{}
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %s has no run function", s.Name)
		}
		if _, dup := g.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %s", s.Name)
		}
		g.index[s.Name] = i
		for _, k := range s.writes() {
			if other, ok := writers[k]; ok {
				return nil, fmt.Errorf("state key %s written by both %s and %s", k, other, s.Name)
			}
			writers[k] = s.Name
		}
	}

	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, dep := range append(append([]string(nil), s.DependsOn...), s.After...) {
			if _, ok := g.index[dep]; !ok {
				return nil, fmt.Errorf("stage %s depends on unknown stage %s", s.Name, dep)
			}
			if dep == s.Name {
				return nil, fmt.Errorf("stage %s depends on itself", s.Name)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var queue []string
	for _, s := range stages {
		if indegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		g.order = append(g.order, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(g.order) != len(stages) {
		return nil, fmt.Errorf("circular dependency detected among stages")
	}
	return g, nil
}

// Order returns the stage names in topological order.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Stage returns a stage by name.
func (g *Graph) Stage(name string) (Stage, bool) {
	i, ok := g.index[name]
	if !ok {
		return Stage{}, false
	}
	return g.stages[i], true
}

// Len is the number of stages.
func (g *Graph) Len() int { return len(g.stages) }
