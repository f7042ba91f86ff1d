// Package engine dispatches workflow steps to external agents according to
// the workflow's topology, applies per-step timeout and retry policy, and
// drives the state manager through transitions until each execution reaches a
// terminal state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/logging"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/repository"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/internal/state"
	"github.com/InnovativeDigitalMarketingSolutions/BMAD-sub010/pkg/models"
)

// Config tunes engine scheduling.
type Config struct {
	// DefaultConcurrency bounds parallel dispatch when a workflow does not
	// set max_concurrency.
	DefaultConcurrency int
	// RetryBackoff is the base delay before a retry; doubled per failed
	// attempt up to RetryBackoffCap.
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration
}

// sweepInterval bounds how long the scheduling loop sleeps without a signal.
const sweepInterval = time.Second

// Engine runs one scheduling loop per active execution.
type Engine struct {
	stateMgr *state.Manager
	store    repository.Store
	agents   AgentClient
	logger   *logging.Logger
	cfg      Config
	tracer   trace.Tracer

	mu     sync.Mutex
	graphs map[string]*depGraph
	runs   map[string]*run
}

// New wires an execution engine to the state manager, store, and agent
// client.
func New(stateMgr *state.Manager, store repository.Store, agents AgentClient, logger *logging.Logger, cfg Config) *Engine {
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 8
	}
	e := &Engine{
		stateMgr: stateMgr,
		store:    store,
		agents:   agents,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.Tracer("workflow-engine"),
		graphs:   make(map[string]*depGraph),
		runs:     make(map[string]*run),
	}
	return e
}

// run pairs an execution context with its scheduling loop channels.
type run struct {
	ec      *state.ExecutionContext
	graph   *depGraph
	signals chan signal
	wake    chan struct{}
	done    chan struct{}
}

// signal reports the outcome of one dispatched attempt back to the loop.
type signal struct {
	stepName string
	attempt  int
	outcome  models.StepStatus // succeeded, failed, or timed_out
	result   json.RawMessage
	err      string
}

// Execute starts an asynchronous execution of the workflow against the input
// and returns the execution id immediately.
func (e *Engine) Execute(ctx context.Context, wf *models.Workflow, input json.RawMessage) (string, error) {
	g, err := e.graphFor(wf)
	if err != nil {
		return "", err
	}
	ec, err := e.stateMgr.Begin(ctx, wf, input)
	if err != nil {
		return "", err
	}
	e.startRun(ec, g)
	e.logger.Info("engine: execution %s of workflow %s started", ec.Execution.ID, wf.ID)
	return ec.Execution.ID, nil
}

// Resume restarts the scheduling loops for executions recovered after a
// crash. It must be called before any new Execute so recovered mid-flight
// steps are not double-dispatched.
func (e *Engine) Resume(recovered []*state.ExecutionContext) error {
	for _, ec := range recovered {
		g, err := e.graphFor(ec.Workflow)
		if err != nil {
			return err
		}
		r := e.startRun(ec, g)
		// Retry timers do not survive a restart; re-arm them for steps that
		// were mid-backoff or interrupted in flight.
		for _, view := range ec.Snapshot() {
			if view.Status == models.StepStatusRetrying {
				delay := backoff(e.cfg.RetryBackoff, e.cfg.RetryBackoffCap, view.Attempt)
				go e.retryLater(r, view.Step.Name, delay)
			}
		}
		e.logger.Info("engine: execution %s resumed", ec.Execution.ID)
	}
	return nil
}

// Status returns the latest durable view of an execution.
func (e *Engine) Status(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Cancel cooperatively cancels an execution: status flips to cancelled, no
// new dispatch happens, outstanding steps are skipped. Agents already
// mid-flight are not interrupted; their late signals are discarded as stale.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	if err := e.stateMgr.Cancel(ctx, executionID); err != nil {
		return err
	}
	e.mu.Lock()
	r := e.runs[executionID]
	e.mu.Unlock()
	if r != nil {
		nudge(r.wake)
	}
	return nil
}

// PublishEvent delivers a named external event to every active event-driven
// execution and returns how many executions received it.
func (e *Engine) PublishEvent(name string, payload json.RawMessage) int {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	delivered := 0
	for _, r := range runs {
		if r.ec.Workflow.Type != models.WorkflowTypeEventDriven {
			continue
		}
		r.ec.RecordEvent(name, payload)
		nudge(r.wake)
		delivered++
	}
	return delivered
}

func (e *Engine) startRun(ec *state.ExecutionContext, g *depGraph) *run {
	r := &run{
		ec:      ec,
		graph:   g,
		signals: make(chan signal, 2*len(ec.Workflow.Steps)+8),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[ec.Execution.ID] = r
	e.mu.Unlock()
	go e.runLoop(r)
	return r
}

func (e *Engine) runLoop(r *run) {
	ctx := context.Background()
	defer func() {
		close(r.done)
		e.mu.Lock()
		delete(e.runs, r.ec.Execution.ID)
		e.mu.Unlock()
	}()

	for {
		if r.ec.Status().Terminal() {
			return
		}
		if err := e.applySkips(ctx, r); err != nil {
			e.failExecution(ctx, r, err)
			return
		}
		if e.allStepsTerminal(r) {
			iterated, err := e.maybeIterate(ctx, r)
			if err != nil {
				e.failExecution(ctx, r, err)
				return
			}
			if iterated {
				continue
			}
			e.finalize(ctx, r)
			return
		}
		if err := e.dispatchReady(ctx, r); err != nil {
			e.failExecution(ctx, r, err)
			return
		}

		select {
		case sig := <-r.signals:
			e.applySignal(ctx, r, sig)
		case <-r.wake:
		case <-time.After(sweepInterval):
		}
	}
}

// applySkips transitions steps whose fate is already decided: dependents of
// terminally failed steps (unless tolerated) and conditional branches whose
// predicate is false. Layers are processed in topological order so a
// failure-induced skip cascades in one pass.
func (e *Engine) applySkips(ctx context.Context, r *run) error {
	views := stepViewsByName(r.ec.Snapshot())
	results := r.ec.StepResults()
	// Skips caused by upstream failure propagate; skips caused by
	// conditions or cancellation satisfy dependents instead.
	failureLike := make(map[string]bool)
	for name, view := range views {
		if view.Status == models.StepStatusFailed && !view.BestEffort && !r.ec.WorkflowCfg.ContinueOnFailure {
			failureLike[name] = true
		}
	}

	for _, layer := range r.graph.layers {
		for _, name := range layer {
			view := views[name]
			if view.Status != models.StepStatusPending {
				continue
			}
			for _, dep := range r.graph.deps[name] {
				if failureLike[dep] {
					if err := e.skip(ctx, r, name, fmt.Sprintf("dependency %s failed", dep)); err != nil {
						return err
					}
					failureLike[name] = true
					break
				}
			}
			if failureLike[name] {
				continue
			}
			if r.ec.Workflow.Type == models.WorkflowTypeConditional && view.Config.When != nil {
				if !e.depsSatisfied(r, views, name) {
					continue
				}
				ok, err := view.Config.When.Evaluate(results)
				if err != nil {
					return fmt.Errorf("step %s predicate: %w", name, err)
				}
				if !ok {
					if err := e.skip(ctx, r, name, "branch condition not met"); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (e *Engine) skip(ctx context.Context, r *run, stepName, reason string) error {
	err := e.stateMgr.Skip(ctx, r.ec, stepName, reason)
	if err != nil && !errors.Is(err, models.ErrStaleTransition) {
		return err
	}
	return nil
}

// depsSatisfied reports whether every dependency of a step reached a state
// that permits the step to start: succeeded, skipped, or a tolerated failure.
func (e *Engine) depsSatisfied(r *run, views map[string]state.StepView, stepName string) bool {
	for _, dep := range r.graph.deps[stepName] {
		view, ok := views[dep]
		if !ok {
			return false
		}
		switch view.Status {
		case models.StepStatusSucceeded, models.StepStatusSkipped:
		case models.StepStatusFailed:
			if !view.BestEffort && !r.ec.WorkflowCfg.ContinueOnFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// dispatchReady computes the ready set and dispatches according to topology.
func (e *Engine) dispatchReady(ctx context.Context, r *run) error {
	snapshot := r.ec.Snapshot()
	views := stepViewsByName(snapshot)

	active := 0
	for _, view := range snapshot {
		switch view.Status {
		case models.StepStatusDispatched, models.StepStatusRunning, models.StepStatusRetrying:
			active++
		}
	}

	var ready []state.StepView
	for _, view := range snapshot { // definition order
		if view.Status != models.StepStatusPending {
			continue
		}
		if !e.depsSatisfied(r, views, view.Step.Name) {
			continue
		}
		if r.ec.Workflow.Type == models.WorkflowTypeEventDriven && view.Config.Event != "" && !r.ec.EventReceived(view.Config.Event) {
			continue
		}
		ready = append(ready, view)
	}

	slots := e.slots(r, active)
	for _, view := range ready {
		if slots <= 0 {
			break
		}
		if err := e.dispatchStep(ctx, r, view); err != nil {
			return err
		}
		slots--
	}
	return nil
}

// slots returns how many new dispatches the topology permits right now.
func (e *Engine) slots(r *run, active int) int {
	switch r.ec.Workflow.Type {
	case models.WorkflowTypeSequential, models.WorkflowTypeLoop:
		// Serialized by construction: at most one step in flight.
		if active > 0 {
			return 0
		}
		return 1
	default:
		limit := r.ec.WorkflowCfg.MaxConcurrency
		if limit <= 0 {
			limit = e.cfg.DefaultConcurrency
		}
		return limit - active
	}
}

func (e *Engine) dispatchStep(ctx context.Context, r *run, view state.StepView) error {
	rec, err := e.stateMgr.Dispatch(ctx, r.ec, view.Step.Name)
	if err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			return nil
		}
		return err
	}
	go e.invoke(r, view.Step, view.Config, rec)
	return nil
}

// invoke runs one attempt against the agent under the step's timeout and
// reports exactly one outcome signal.
func (e *Engine) invoke(r *run, step *models.WorkflowStep, cfg *models.StepConfig, rec *models.StepExecution) {
	ctx, span := e.tracer.Start(context.Background(), "engine.dispatch",
		trace.WithAttributes(
			attribute.String("workflow.execution_id", rec.ExecutionID),
			attribute.String("workflow.step", step.Name),
			attribute.Int("workflow.attempt", rec.Attempt),
		))
	defer span.End()

	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.stateMgr.MarkRunning(ctx, r.ec, step.Name, rec.Attempt); err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			return
		}
		e.logger.Warn("engine: could not mark step %s running: %v", step.Name, err)
	}

	result, err := e.agents.Invoke(ctx, Dispatch{
		StepID:          step.ID,
		StepName:        step.Name,
		ExecutionID:     rec.ExecutionID,
		AgentRef:        step.AgentRef,
		Attempt:         rec.Attempt,
		Iteration:       rec.Iteration,
		Config:          cfg.Payload,
		Input:           r.ec.Execution.InputData,
		UpstreamResults: r.ec.StepResults(),
	})

	sig := signal{stepName: step.Name, attempt: rec.Attempt}
	switch {
	case err == nil:
		sig.outcome = models.StepStatusSucceeded
		sig.result = result
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		sig.outcome = models.StepStatusTimedOut
		sig.err = fmt.Sprintf("no response within %ds", step.TimeoutSeconds)
	default:
		sig.outcome = models.StepStatusFailed
		sig.err = err.Error()
	}

	select {
	case r.signals <- sig:
	case <-r.done:
	}
}

// applySignal feeds an attempt outcome through the state manager and, when
// the step enters retrying, schedules the next attempt after backoff.
func (e *Engine) applySignal(ctx context.Context, r *run, sig signal) {
	final, err := e.stateMgr.CompleteAttempt(ctx, r.ec, sig.stepName, sig.attempt, sig.outcome, sig.result, sig.err)
	if err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			// The first terminal transition for this attempt won;
			// this signal is discarded.
			return
		}
		e.failExecution(ctx, r, err)
		return
	}
	if final == models.StepStatusRetrying {
		delay := backoff(e.cfg.RetryBackoff, e.cfg.RetryBackoffCap, sig.attempt)
		e.logger.Debug("engine: step %s attempt %d %s, retrying in %s", sig.stepName, sig.attempt, sig.outcome, delay)
		go e.retryLater(r, sig.stepName, delay)
	}
}

func (e *Engine) retryLater(r *run, stepName string, delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.done:
			return
		}
	}
	if r.ec.Cancelled() {
		return
	}
	view, ok := stepViewsByName(r.ec.Snapshot())[stepName]
	if !ok {
		return
	}
	ctx := context.Background()
	rec, err := e.stateMgr.Dispatch(ctx, r.ec, stepName)
	if err != nil {
		if !errors.Is(err, models.ErrStaleTransition) {
			e.failExecution(ctx, r, err)
		}
		return
	}
	go e.invoke(r, view.Step, view.Config, rec)
}

func (e *Engine) allStepsTerminal(r *run) bool {
	for _, view := range r.ec.Snapshot() {
		if !view.Status.Terminal() {
			return false
		}
	}
	return true
}

// maybeIterate re-enters the step set for loop workflows while the bound and
// predicate allow. Each iteration produces fresh attempt records.
func (e *Engine) maybeIterate(ctx context.Context, r *run) (bool, error) {
	if r.ec.Workflow.Type != models.WorkflowTypeLoop {
		return false, nil
	}
	if firstFailure(r.ec.Snapshot()) != nil {
		return false, nil
	}
	loop := r.ec.WorkflowCfg.Loop
	if loop == nil {
		return false, nil
	}
	next := r.ec.Iteration() + 1
	if next >= loop.MaxIterations {
		return false, nil
	}
	if loop.While != nil {
		ok, err := loop.While.Evaluate(r.ec.StepResults())
		if err != nil {
			return false, fmt.Errorf("loop predicate: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	if err := e.stateMgr.BeginIteration(ctx, r.ec, next); err != nil {
		return false, err
	}
	e.logger.Debug("engine: execution %s entering iteration %d", r.ec.Execution.ID, next)
	return true, nil
}

// finalize derives the terminal execution status and writes output data.
func (e *Engine) finalize(ctx context.Context, r *run) {
	snapshot := r.ec.Snapshot()
	if failed := firstFailure(snapshot); failed != nil {
		msg := fmt.Sprintf("step %s failed: %s", failed.Step.Name, failed.Error)
		if err := e.stateMgr.Finalize(ctx, r.ec, models.ExecutionStatusFailed, nil, msg); err != nil && !errors.Is(err, models.ErrStaleTransition) {
			e.logger.Error("engine: failed to finalize execution %s: %v", r.ec.Execution.ID, err)
		}
		e.logger.Info("engine: execution %s failed: %s", r.ec.Execution.ID, msg)
		return
	}

	output, err := e.buildOutput(r)
	if err != nil {
		e.failExecution(ctx, r, err)
		return
	}
	if err := e.stateMgr.Finalize(ctx, r.ec, models.ExecutionStatusSucceeded, output, ""); err != nil && !errors.Is(err, models.ErrStaleTransition) {
		e.logger.Error("engine: failed to finalize execution %s: %v", r.ec.Execution.ID, err)
		return
	}
	e.logger.Info("engine: execution %s succeeded", r.ec.Execution.ID)
}

// buildOutput collects the results of designated output steps, or all step
// results when none are designated.
func (e *Engine) buildOutput(r *run) (json.RawMessage, error) {
	results := r.ec.StepResults()
	designated := r.ec.WorkflowCfg.OutputSteps
	out := make(map[string]json.RawMessage)
	if len(designated) == 0 {
		out = results
	} else {
		for _, name := range designated {
			if res, ok := results[name]; ok {
				out[name] = res
			}
		}
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return encoded, nil
}

// failExecution escalates an internal failure (typically the store staying
// unreachable past its retry budget) so the execution does not hang.
func (e *Engine) failExecution(ctx context.Context, r *run, cause error) {
	e.logger.Error("engine: execution %s aborted: %v", r.ec.Execution.ID, cause)
	msg := fmt.Sprintf("internal error: %v", cause)
	if err := e.stateMgr.Finalize(ctx, r.ec, models.ExecutionStatusFailed, nil, msg); err != nil && !errors.Is(err, models.ErrStaleTransition) {
		e.logger.Error("engine: failed to record aborted execution %s: %v", r.ec.Execution.ID, err)
	}
}

func (e *Engine) graphFor(wf *models.Workflow) (*depGraph, error) {
	key := wf.ID + "@" + wf.UpdatedAt.UTC().Format(time.RFC3339Nano)
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.graphs[key]; ok {
		return g, nil
	}
	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}
	e.graphs[key] = g
	return g, nil
}

func firstFailure(snapshot []state.StepView) *state.StepView {
	for i, view := range snapshot {
		if view.Status == models.StepStatusFailed && !view.BestEffort {
			return &snapshot[i]
		}
	}
	return nil
}

func stepViewsByName(snapshot []state.StepView) map[string]state.StepView {
	out := make(map[string]state.StepView, len(snapshot))
	for _, view := range snapshot {
		out[view.Step.Name] = view
	}
	return out
}

func nudge(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
