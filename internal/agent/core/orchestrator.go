package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var orchestratorTracer = otel.Tracer("sentinel/internal/agent/core")

// Stage outcomes.
const (
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// Run statuses.
const (
	RunPending    = "pending"
	RunRunning    = "running"
	RunCompleted  = "completed"
	RunIncomplete = "incomplete"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
)

const maxRetainedRuns = 256

// ErrRunExists is returned when a run id is registered twice.
var ErrRunExists = errors.New("run id already in use")

// StageObserver receives stage outcomes; telemetry implements it.
type StageObserver interface {
	ObserveStage(stage, outcome string, d time.Duration)
}

// Options configures an Orchestrator.
type Options struct {
	MaxConcurrentStages int
	StageTimeout        time.Duration
	RunTimeout          time.Duration
	Observer            StageObserver
	Logger              *log.Logger
}

// StageResult is the outcome of one stage.
type StageResult struct {
	Stage     string        `json:"stage"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
	// Resumed is set when the stage output came from an earlier run.
	Resumed bool `json:"resumed,omitempty"`

	err error
}

// Err returns the stage error, if any.
func (r StageResult) Err() error { return r.err }

// RunResult is everything a run produced.
type RunResult struct {
	RunID  string
	State  *RunState
	Stages map[string]StageResult
}

// Failures maps failed or skipped stages to their reason.
func (r *RunResult) Failures() map[string]string {
	out := map[string]string{}
	for name, s := range r.Stages {
		if s.Outcome != StageSucceeded {
			out[name] = s.Error
		}
	}
	return out
}

// StageError returns the error of a failed stage.
func (r *RunResult) StageError(name string) error {
	if s, ok := r.Stages[name]; ok {
		return s.err
	}
	return nil
}

// RunStatus is the externally visible progress of a run.
type RunStatus struct {
	RunID           string            `json:"run_id"`
	Status          string            `json:"status"`
	Progress        float64           `json:"progress"`
	Running         []string          `json:"running,omitempty"`
	Succeeded       []string          `json:"succeeded,omitempty"`
	Failed          map[string]string `json:"failed,omitempty"`
	CompletedStages int               `json:"completed_stages"`
	TotalStages     int               `json:"total_stages"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastUpdated     time.Time         `json:"last_updated"`

	running map[string]struct{}
	cancel  context.CancelFunc
	retired bool
}

// Orchestrator executes stage graphs. A stage starts as soon as every stage
// it waits on has settled; at most MaxConcurrentStages run at once per run.
type Orchestrator struct {
	opts   Options
	logger *log.Logger

	mu         sync.RWMutex
	processing map[string]*RunStatus
	finished   []string
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.MaxConcurrentStages <= 0 {
		opts.MaxConcurrentStages = 1
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{opts: opts, logger: opts.Logger, processing: make(map[string]*RunStatus)}
}

type settled struct {
	result StageResult
	out    map[string]any
}

// Run executes g over a fresh RunState seeded with seed. A stage failure never
// aborts the run; it is recorded and its hard dependents are skipped. The
// returned error is non-nil only for an unusable graph or a run id in use.
func (o *Orchestrator) Run(ctx context.Context, g *Graph, runID string, seed map[string]any) (*RunResult, error) {
	return o.RunFrom(ctx, g, runID, seed, nil)
}

// RunFrom is Run resuming from the outputs of an earlier run. A stage whose
// declared writes are all present in resume settles as succeeded without
// running and its values are committed as if it had produced them. Resume
// keys no stage fully covers are ignored.
func (o *Orchestrator) RunFrom(ctx context.Context, g *Graph, runID string, seed, resume map[string]any) (*RunResult, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}
	if runID == "" {
		runID = uuid.New().String()
	}
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("run.id", runID), attribute.Int("run.stages", g.Len())))
	defer span.End()

	status, err := o.start(runID, g.Len(), cancel)
	if err != nil {
		return nil, err
	}
	defer o.finish(runID)

	res := &RunResult{RunID: runID, State: NewRunState(seed), Stages: make(map[string]StageResult, g.Len())}
	sem := semaphore.NewWeighted(int64(o.opts.MaxConcurrentStages))
	done := make(chan settled)
	launched := make(map[string]bool, g.Len())
	inflight := 0

	o.logger.Printf("run %s: starting %d stages", runID, g.Len())
	for len(res.Stages) < g.Len() {
		for _, name := range o.ready(g, res, launched) {
			stage, _ := g.Stage(name)
			if out, ok := resumed(stage, resume); ok {
				r := StageResult{Stage: name, StartedAt: time.Now(), Outcome: StageSucceeded, Resumed: true}
				if err := commit(res.State, stage.writes(), out); err != nil {
					r.Outcome, r.err, r.Error = StageFailed, err, err.Error()
				}
				o.settle(status, res, r)
				continue
			}
			if failed := failedDependency(stage, res); failed != "" {
				r := StageResult{Stage: name, Outcome: StageSkipped, StartedAt: time.Now(), err: fmt.Errorf("dependency %s did not succeed", failed)}
				r.Error = r.err.Error()
				o.settle(status, res, r)
				continue
			}
			launched[name] = true
			inflight++
			o.markRunning(status, name, true)
			go func(s Stage) {
				r, out := o.execute(ctx, sem, s, res.State)
				done <- settled{result: r, out: out}
			}(stage)
		}
		if inflight == 0 {
			if len(res.Stages) < g.Len() {
				continue
			}
			break
		}

		s := <-done
		inflight--
		o.markRunning(status, s.result.Stage, false)
		if s.result.Outcome == StageSucceeded {
			if err := commit(res.State, stageWrites(g, s.result.Stage), s.out); err != nil {
				s.result.Outcome = StageFailed
				s.result.err = err
				s.result.Error = err.Error()
			}
		}
		o.settle(status, res, s.result)
	}

	failures := res.Failures()
	span.SetAttributes(attribute.Int("run.failed_stages", len(failures)))
	if len(failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d stages did not succeed", len(failures)))
	} else {
		span.SetStatus(codes.Ok, "completed")
	}
	o.updateStatus(status, RunCompleted, 1.0)
	o.logger.Printf("run %s: finished (%d stages, %d not succeeded)", runID, g.Len(), len(failures))
	return res, nil
}

// ready returns unsettled, unlaunched stages whose waits have all settled, in
// topological order.
func (o *Orchestrator) ready(g *Graph, res *RunResult, launched map[string]bool) []string {
	var out []string
	for _, name := range g.order {
		if launched[name] {
			continue
		}
		if _, ok := res.Stages[name]; ok {
			continue
		}
		stage, _ := g.Stage(name)
		ok := true
		for _, dep := range append(append([]string(nil), stage.DependsOn...), stage.After...) {
			if _, settledDep := res.Stages[dep]; !settledDep {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, name)
		}
	}
	return out
}

func resumed(s Stage, resume map[string]any) (map[string]any, bool) {
	if len(resume) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(s.writes()))
	for _, k := range s.writes() {
		v, ok := resume[k]
		if !ok {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}

func failedDependency(s Stage, res *RunResult) string {
	for _, dep := range s.DependsOn {
		if r := res.Stages[dep]; r.Outcome != StageSucceeded {
			return dep
		}
	}
	return ""
}

func stageWrites(g *Graph, name string) []string {
	s, _ := g.Stage(name)
	return s.writes()
}

func commit(st *RunState, keys []string, out map[string]any) error {
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			return fmt.Errorf("stage did not produce key %s", k)
		}
	}
	for k := range out {
		found := false
		for _, w := range keys {
			if w == k {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("stage produced undeclared key %s", k)
		}
	}
	for _, k := range keys {
		if err := st.Put(k, out[k]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, sem *semaphore.Weighted, s Stage, st *RunState) (r StageResult, out map[string]any) {
	r = StageResult{Stage: s.Name, StartedAt: time.Now()}
	stageCtx, span := orchestratorTracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(attribute.String("stage", s.Name)))
	defer span.End()
	defer func() {
		r.Duration = time.Since(r.StartedAt)
		if rec := recover(); rec != nil {
			r.err = fmt.Errorf("stage %s panicked: %v", s.Name, rec)
			out = nil
		}
		if r.err != nil {
			r.Outcome = StageFailed
			r.Error = r.err.Error()
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			o.logger.Printf("stage %s failed after %v: %v", s.Name, r.Duration.Round(time.Millisecond), r.err)
		} else {
			r.Outcome = StageSucceeded
			span.SetStatus(codes.Ok, "completed")
			o.logger.Printf("stage %s completed in %v", s.Name, r.Duration.Round(time.Millisecond))
		}
		if o.opts.Observer != nil {
			o.opts.Observer.ObserveStage(s.Name, r.Outcome, r.Duration)
		}
	}()

	if err := sem.Acquire(stageCtx, 1); err != nil {
		r.err = err
		return r, nil
	}
	defer sem.Release(1)

	timeout := s.Timeout
	if timeout == 0 {
		timeout = o.opts.StageTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(stageCtx, timeout)
		defer cancel()
	}
	out, r.err = s.Run(stageCtx, st)
	if r.err == nil && stageCtx.Err() != nil {
		r.err = stageCtx.Err()
	}
	return r, out
}

func (o *Orchestrator) settle(status *RunStatus, res *RunResult, r StageResult) {
	res.Stages[r.Stage] = r
	o.mu.Lock()
	defer o.mu.Unlock()
	status.CompletedStages = len(res.Stages)
	if r.Outcome == StageSucceeded {
		status.Succeeded = append(status.Succeeded, r.Stage)
		sort.Strings(status.Succeeded)
	} else {
		if status.Failed == nil {
			status.Failed = map[string]string{}
		}
		status.Failed[r.Stage] = r.Error
	}
	if status.TotalStages > 0 {
		status.Progress = float64(status.CompletedStages) / float64(status.TotalStages)
	}
	status.LastUpdated = time.Now()
}

func (o *Orchestrator) markRunning(status *RunStatus, stage string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		status.running[stage] = struct{}{}
	} else {
		delete(status.running, stage)
	}
	status.Running = status.Running[:0]
	for s := range status.running {
		status.Running = append(status.Running, s)
	}
	sort.Strings(status.Running)
	status.LastUpdated = time.Now()
}

// Pending registers runID before its graph starts so its status can be
// queried while the caller is still preparing the run.
func (o *Orchestrator) Pending(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.processing[runID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	now := time.Now()
	o.processing[runID] = &RunStatus{RunID: runID, Status: RunPending, CreatedAt: now, LastUpdated: now, running: map[string]struct{}{}}
	return nil
}

// start moves a pending run to running or registers a new one.
func (o *Orchestrator) start(runID string, total int, cancel context.CancelFunc) (*RunStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status, ok := o.processing[runID]
	switch {
	case !ok:
		status = &RunStatus{RunID: runID, CreatedAt: time.Now(), running: map[string]struct{}{}}
		o.processing[runID] = status
	case status.Status != RunPending:
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	status.Status = RunRunning
	status.TotalStages = total
	status.LastUpdated = time.Now()
	status.cancel = cancel
	return status, nil
}

func (o *Orchestrator) finish(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.processing[runID]; ok {
		o.retire(s)
	}
}

// retire ends a run and evicts the oldest finished runs. Callers hold o.mu.
func (o *Orchestrator) retire(s *RunStatus) {
	s.cancel = nil
	if s.retired {
		return
	}
	s.retired = true
	o.finished = append(o.finished, s.RunID)
	for len(o.finished) > maxRetainedRuns {
		delete(o.processing, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// updateStatus updates the run status
func (o *Orchestrator) updateStatus(status *RunStatus, newStatus string, progress float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status.Status == RunCancelled {
		return
	}
	status.Status = newStatus
	status.Progress = progress
	status.LastUpdated = time.Now()
}

// MarkFailed records a run-level failure reported by the caller.
func (o *Orchestrator) MarkFailed(runID string, err error) { o.mark(runID, RunFailed, err) }

// MarkIncomplete records that a finished run could not assemble its report.
func (o *Orchestrator) MarkIncomplete(runID string, err error) { o.mark(runID, RunIncomplete, err) }

// MarkCompleted ends a run that finished without executing its graph, such
// as one served from the cache.
func (o *Orchestrator) MarkCompleted(runID string) { o.mark(runID, RunCompleted, nil) }

func (o *Orchestrator) mark(runID, status string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.processing[runID]
	if !ok {
		return
	}
	s.Status = status
	s.Error = ""
	if err != nil {
		s.Error = err.Error()
	}
	if status == RunCompleted {
		s.Progress = 1
	}
	s.LastUpdated = time.Now()
	if s.cancel == nil {
		o.retire(s)
	}
}

// GetStatus returns the current status of a run
func (o *Orchestrator) GetStatus(runID string) (RunStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	status, exists := o.processing[runID]
	if !exists {
		return RunStatus{}, fmt.Errorf("run not found: %s", runID)
	}
	cp := *status
	cp.Running = append([]string(nil), status.Running...)
	cp.Succeeded = append([]string(nil), status.Succeeded...)
	if status.Failed != nil {
		cp.Failed = make(map[string]string, len(status.Failed))
		for k, v := range status.Failed {
			cp.Failed[k] = v
		}
	}
	cp.running = nil
	cp.cancel = nil
	return cp, nil
}

// CancelRun cancels an in-flight run. Running stages observe the cancelled
// context; stages not yet started fail immediately.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	status, exists := o.processing[runID]
	if !exists {
		return fmt.Errorf("run not found: %s", runID)
	}
	if status.cancel == nil {
		return fmt.Errorf("run %s already finished", runID)
	}
	status.cancel()
	status.Status = RunCancelled
	status.LastUpdated = time.Now()
	return nil
}
