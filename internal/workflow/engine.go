package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/agents"
	"github.com/runehost/runehost/internal/events"
	"github.com/runehost/runehost/internal/state"
	"github.com/runehost/runehost/pkg/models"
)

const (
	defaultStepTimeout   = 30 * time.Second
	defaultMaxIterations = 1000
)

// Function is a Go callable usable as a workflow step.
type Function func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error)

// Engine executes workflow definitions against the agent registry, the
// tool registry, and workflow-scoped shared state.
type Engine struct {
	state  *state.Manager
	agents *agents.Registry
	tools  *ToolRegistry
	bus    *events.Bus

	mu        sync.RWMutex
	functions map[string]Function
}

// NewEngine wires the engine. state and bus may be nil for detached
// executions (tests, dry runs); step results are then kept in memory
// only.
func NewEngine(st *state.Manager, registry *agents.Registry, tools *ToolRegistry, bus *events.Bus) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Engine{
		state:     st,
		agents:    registry,
		tools:     tools,
		bus:       bus,
		functions: make(map[string]Function),
	}
}

// SetBus attaches an event bus for workflow lifecycle events.
func (e *Engine) SetBus(bus *events.Bus) { e.bus = bus }

// RegisterFunction installs a named Go function step executor.
func (e *Engine) RegisterFunction(name string, fn Function) {
	e.mu.Lock()
	e.functions[name] = fn
	e.mu.Unlock()
}

// Tools exposes the tool registry.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// Workflow is one executable instance of a definition.
type Workflow struct {
	def    Definition
	engine *Engine

	mu     sync.Mutex
	status Status
}

// New builds a workflow after validating its definition.
func (e *Engine) New(def Definition) (*Workflow, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	return &Workflow{def: def, engine: e, status: StatusPending}, nil
}

// Info describes the workflow.
func (w *Workflow) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	steps := len(w.def.Steps) + len(w.def.Body)
	for _, b := range w.def.Branches {
		steps += len(b.Steps)
	}
	for _, b := range w.def.CondBranches {
		steps += len(b.Steps)
	}
	return Info{Name: w.def.Name, Kind: w.def.Kind, Status: w.status, Steps: steps}
}

// Status returns the current lifecycle status.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Workflow) transition(to Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !canTransition(w.status, to) {
		return &models.ScriptError{
			Code:    models.CodeInvalidTransition,
			Message: fmt.Sprintf("workflow %s: cannot go %s -> %s", w.def.Name, w.status, to),
		}
	}
	w.status = to
	return nil
}

// execution is the per-run mutable context shared by all steps.
type execution struct {
	id    string
	input interface{}

	mu     sync.Mutex
	shared map[string]interface{}
	errors []StepError
}

func (x *execution) setShared(key string, value interface{}) {
	x.mu.Lock()
	x.shared[key] = value
	x.mu.Unlock()
}

func (x *execution) sharedCopy() map[string]interface{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	cp := make(map[string]interface{}, len(x.shared))
	for k, v := range x.shared {
		cp[k] = v
	}
	return cp
}

func (x *execution) recordError(index int, name string, err error) {
	x.mu.Lock()
	x.errors = append(x.errors, StepError{ExecutionID: x.id, StepIndex: index, StepName: name, Error: err.Error()})
	x.mu.Unlock()
}

// Execute runs the workflow once. Partial state is left in place on
// failure so callers can inspect it.
func (w *Workflow) Execute(ctx context.Context, input interface{}) (*Result, error) {
	if err := w.transition(StatusRunning); err != nil {
		return nil, err
	}

	start := time.Now()
	exec := &execution{
		id:     uuid.NewString(),
		input:  input,
		shared: make(map[string]interface{}),
	}
	w.emit(ctx, "workflow.started", exec.id, nil)

	runCtx := ctx
	if w.def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.def.Timeout)
		defer cancel()
	}

	var output interface{}
	var err error
	switch w.def.Kind {
	case KindSequential:
		output, err = w.runSequential(runCtx, exec)
	case KindParallel:
		output, err = w.runParallel(runCtx, exec)
	case KindConditional:
		output, err = w.runConditional(runCtx, exec)
	case KindLoop:
		output, err = w.runLoop(runCtx, exec)
	default:
		err = &models.ScriptError{Code: models.CodeValidationError, Message: "unknown workflow kind: " + string(w.def.Kind)}
	}

	result := &Result{
		ExecutionID: exec.id,
		Workflow:    w.def.Name,
		Output:      output,
		StepResults: exec.sharedCopy(),
		Errors:      exec.errors,
		StartedAt:   start.UTC(),
		Duration:    time.Since(start),
	}

	if err != nil {
		result.Status = StatusFailed
		if ctx.Err() == context.Canceled {
			result.Status = StatusCancelled
		}
		_ = w.transition(result.Status)
		w.emit(ctx, "workflow.failed", exec.id, map[string]interface{}{"error": err.Error()})
		log.Warn().
			Str("workflow", w.def.Name).
			Str("execution", exec.id).
			Err(err).
			Dur("elapsed", result.Duration).
			Msg("Workflow failed")
		return result, err
	}

	result.Status = StatusSucceeded
	_ = w.transition(StatusSucceeded)
	w.emit(ctx, "workflow.completed", exec.id, nil)
	log.Info().
		Str("workflow", w.def.Name).
		Str("execution", exec.id).
		Dur("elapsed", result.Duration).
		Msg("✅ Workflow completed")
	return result, nil
}

func (w *Workflow) emit(ctx context.Context, eventType, executionID string, payload map[string]interface{}) {
	if w.engine.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["workflow"] = w.def.Name
	_, err := w.engine.bus.Emit(ctx, eventType, payload, models.EventMetadata{
		CorrelationID: executionID,
		Source:        "workflow:" + w.def.Name,
	})
	if err != nil {
		log.Debug().Err(err).Str("type", eventType).Msg("Workflow event not published")
	}
}

// ── Sequential ───────────────────────────────────────────────

func (w *Workflow) runSequential(ctx context.Context, exec *execution) (interface{}, error) {
	var last interface{}
	for i, step := range w.def.Steps {
		output, err := w.runStep(ctx, exec, step)
		if err != nil {
			exec.recordError(i, step.Name, err)
			if w.def.ErrorStrategy != ErrorContinue {
				return last, fmt.Errorf("step %q: %w", step.Name, err)
			}
			continue
		}
		w.storeStepResult(ctx, exec, step.Name, output)
		last = output
	}
	return last, nil
}

// ── Parallel ─────────────────────────────────────────────────

func (w *Workflow) runParallel(ctx context.Context, exec *execution) (interface{}, error) {
	maxConc := w.def.MaxConcurrency
	if maxConc <= 0 {
		maxConc = len(w.def.Branches)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	var failMu sync.Mutex
	var firstErr error

	for bi, branch := range w.def.Branches {
		wg.Add(1)
		go func(bi int, branch Branch) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-branchCtx.Done():
				return
			}

			var last interface{}
			for si, step := range branch.Steps {
				output, err := w.runStep(branchCtx, exec, step)
				if err != nil {
					exec.recordError(si, branch.Name+"/"+step.Name, err)
					if branch.Optional {
						return
					}
					failMu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("branch %q step %q: %w", branch.Name, step.Name, err)
						if w.def.FailFast {
							cancel()
						}
					}
					failMu.Unlock()
					return
				}
				last = output
			}
			w.storeStepResult(ctx, exec, branch.Name, last)
		}(bi, branch)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return exec.sharedCopy(), nil
}

// ── Conditional ──────────────────────────────────────────────

func (w *Workflow) runConditional(ctx context.Context, exec *execution) (interface{}, error) {
	order := w.def.Order
	if len(order) == 0 {
		for name := range w.def.CondBranches {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	chosen := ""
	for _, name := range order {
		branch, ok := w.def.CondBranches[name]
		if !ok {
			continue
		}
		hold, err := w.evalCondition(branch.Condition, exec, nil)
		if err != nil {
			return nil, fmt.Errorf("branch %q condition: %w", name, err)
		}
		if hold {
			chosen = name
			break
		}
	}
	if chosen == "" {
		chosen = w.def.DefaultBranch
	}
	if chosen == "" {
		return nil, nil
	}
	branch, ok := w.def.CondBranches[chosen]
	if !ok {
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("workflow %s: branch %q not defined", w.def.Name, chosen),
		}
	}

	exec.setShared("workflow:"+w.def.Name+":chosen_branch", chosen)
	var last interface{}
	for i, step := range branch.Steps {
		output, err := w.runStep(ctx, exec, step)
		if err != nil {
			exec.recordError(i, chosen+"/"+step.Name, err)
			return last, fmt.Errorf("branch %q step %q: %w", chosen, step.Name, err)
		}
		w.storeStepResult(ctx, exec, step.Name, output)
		last = output
	}
	return last, nil
}

// ── Loop ─────────────────────────────────────────────────────

func (w *Workflow) runLoop(ctx context.Context, exec *execution) (interface{}, error) {
	it := w.def.Iterator
	maxIter := it.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	var outputs []interface{}
	iterate := func(index int, value interface{}) (stop bool, err error) {
		exec.setShared("loop:index", index)
		exec.setShared("loop:current_value", value)

		var last interface{}
		for si, step := range w.def.Body {
			output, err := w.runStep(ctx, exec, step)
			if err != nil {
				exec.recordError(si, step.Name, err)
				return true, fmt.Errorf("iteration %d step %q: %w", index, step.Name, err)
			}
			w.storeStepResult(ctx, exec, step.Name, output)
			last = output
		}
		outputs = append(outputs, last)

		if w.def.BreakCondition != "" {
			brk, err := w.evalExpr(w.def.BreakCondition, exec, map[string]interface{}{
				"index": index, "current_value": value, "last": last,
			})
			if err != nil {
				return true, fmt.Errorf("break condition: %w", err)
			}
			if brk {
				return true, nil
			}
		}
		return false, nil
	}

	switch {
	case it.Collection != nil:
		for i, value := range it.Collection {
			if i >= maxIter {
				break
			}
			if stop, err := iterate(i, value); err != nil {
				return nil, err
			} else if stop {
				break
			}
		}

	case it.Range != nil:
		r := it.Range
		stride := r.Step
		if stride == 0 {
			stride = 1
		}
		index := 0
		for v := r.Start; (stride > 0 && v < r.End) || (stride < 0 && v > r.End); v += stride {
			if index >= maxIter {
				break
			}
			if stop, err := iterate(index, v); err != nil {
				return nil, err
			} else if stop {
				break
			}
			index++
		}

	case it.WhileCondition != "":
		for index := 0; index < maxIter; index++ {
			hold, err := w.evalExpr(it.WhileCondition, exec, map[string]interface{}{"index": index})
			if err != nil {
				return nil, fmt.Errorf("while condition: %w", err)
			}
			if !hold {
				break
			}
			if stop, err := iterate(index, index); err != nil {
				return nil, err
			} else if stop {
				break
			}
		}
	}

	output := aggregate(w.def.Aggregation, outputs)
	w.storeStepResult(ctx, exec, "result", output)
	return output, nil
}

func aggregate(agg Aggregation, outputs []interface{}) interface{} {
	switch agg {
	case AggSum:
		sum := 0.0
		for _, o := range outputs {
			if f, ok := toFloat(o); ok {
				sum += f
			}
		}
		return sum
	case AggCollect:
		return outputs
	default: // last
		if len(outputs) == 0 {
			return nil
		}
		return outputs[len(outputs)-1]
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ── Steps & conditions ───────────────────────────────────────

// storeStepResult writes a step's output to the in-memory shared map
// and, when a state manager is attached, persists it under the
// workflow scope.
func (w *Workflow) storeStepResult(ctx context.Context, exec *execution, stepName string, output interface{}) {
	key := fmt.Sprintf("workflow:%s:%s", w.def.Name, stepName)
	exec.setShared(key, output)
	if w.engine.state == nil {
		return
	}
	if _, err := w.engine.state.Set(ctx, state.Workflow(w.def.Name), key, output); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Step result not persisted")
	}
}

func (w *Workflow) runStep(ctx context.Context, exec *execution, step Step) (interface{}, error) {
	if err := step.Validate(); err != nil {
		return nil, err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := w.dispatchStep(stepCtx, exec, step)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-stepCtx.Done():
		return nil, &models.ScriptError{
			Code:    models.CodeTimeout,
			Message: fmt.Sprintf("step %q timed out after %s", step.Name, timeout),
		}
	}
}

func (w *Workflow) dispatchStep(ctx context.Context, exec *execution, step Step) (interface{}, error) {
	switch {
	case step.Tool != "":
		tool, ok := w.engine.tools.Get(step.Tool)
		if !ok {
			return nil, &models.ScriptError{Code: models.CodeNotFound, Message: "unknown tool: " + step.Tool}
		}
		return tool.Call(ctx, step.Parameters)

	case step.Agent != "":
		agent, ok := w.engine.agents.Get(step.Agent)
		if !ok {
			return nil, &models.ScriptError{Code: models.CodeNotFound, Message: "unknown agent: " + step.Agent}
		}
		input := step.Input
		if input == nil {
			input = exec.input
		}
		if err := agent.ValidateInput(input); err != nil {
			return nil, err
		}
		return agent.Execute(ctx, input)

	default:
		w.engine.mu.RLock()
		fn, ok := w.engine.functions[step.Function]
		w.engine.mu.RUnlock()
		if !ok {
			return nil, &models.ScriptError{Code: models.CodeNotFound, Message: "unknown function: " + step.Function}
		}
		return fn(ctx, step.Input, exec.sharedCopy())
	}
}

func (w *Workflow) evalCondition(cond Condition, exec *execution, extra map[string]interface{}) (bool, error) {
	switch cond.Type {
	case CondAlways:
		return true, nil
	case CondNever:
		return false, nil
	case CondSharedDataExists:
		shared := exec.sharedCopy()
		_, ok := shared[cond.Key]
		return ok, nil
	case CondSharedDataEquals:
		shared := exec.sharedCopy()
		return reflect.DeepEqual(shared[cond.Key], cond.Value), nil
	case CondExpression:
		return w.evalExpr(cond.Expression, exec, extra)
	default:
		return false, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: "unknown condition type: " + string(cond.Type),
		}
	}
}

// evalExpr evaluates a boolean expression against the shared state and
// the workflow input.
func (w *Workflow) evalExpr(src string, exec *execution, extra map[string]interface{}) (bool, error) {
	env := map[string]interface{}{
		"shared": exec.sharedCopy(),
		"input":  exec.input,
	}
	if extra != nil {
		env["loop"] = extra
	}
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("bad expression %q: %v", src, err),
		}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	hold, ok := out.(bool)
	if !ok {
		return false, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("expression %q did not yield a boolean", src),
		}
	}
	return hold, nil
}

// ── Definition validation ────────────────────────────────────

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return &models.ScriptError{Code: models.CodeValidationError, Message: "workflow name is required"}
	}

	switch def.Kind {
	case KindSequential:
		if len(def.Steps) == 0 {
			return &models.ScriptError{Code: models.CodeValidationError, Message: "sequential workflow needs steps"}
		}
		return validateSteps(def.Steps)

	case KindParallel:
		if len(def.Branches) == 0 {
			return &models.ScriptError{Code: models.CodeValidationError, Message: "parallel workflow needs branches"}
		}
		for _, b := range def.Branches {
			if b.Name == "" {
				return &models.ScriptError{Code: models.CodeValidationError, Message: "parallel branch name is required"}
			}
			if err := validateSteps(b.Steps); err != nil {
				return err
			}
		}
		return nil

	case KindConditional:
		if len(def.CondBranches) == 0 {
			return &models.ScriptError{Code: models.CodeValidationError, Message: "conditional workflow needs branches"}
		}
		if def.DefaultBranch != "" {
			if _, ok := def.CondBranches[def.DefaultBranch]; !ok {
				return &models.ScriptError{
					Code:    models.CodeValidationError,
					Message: "default branch not defined: " + def.DefaultBranch,
				}
			}
		}
		for _, b := range def.CondBranches {
			if err := validateSteps(b.Steps); err != nil {
				return err
			}
		}
		return nil

	case KindLoop:
		if def.Iterator == nil {
			return &models.ScriptError{Code: models.CodeValidationError, Message: "loop workflow needs an iterator"}
		}
		sources := 0
		if def.Iterator.Collection != nil {
			sources++
		}
		if def.Iterator.Range != nil {
			sources++
		}
		if def.Iterator.WhileCondition != "" {
			sources++
		}
		if sources != 1 {
			return &models.ScriptError{
				Code:    models.CodeValidationError,
				Message: "loop iterator must have exactly one of collection, range, while_condition",
			}
		}
		if len(def.Body) == 0 {
			return &models.ScriptError{Code: models.CodeValidationError, Message: "loop workflow needs a body"}
		}
		return validateSteps(def.Body)

	default:
		return &models.ScriptError{Code: models.CodeValidationError, Message: "unknown workflow kind: " + string(def.Kind)}
	}
}

func validateSteps(steps []Step) error {
	for _, s := range steps {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
