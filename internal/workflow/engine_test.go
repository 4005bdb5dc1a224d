package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/runehost/runehost/internal/agents"
	"github.com/runehost/runehost/internal/state"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/internal/workflow"
	"github.com/runehost/runehost/pkg/models"
)

func newTestEngine(t *testing.T) (*workflow.Engine, *state.Manager) {
	t.Helper()
	backend := storage.NewMemory("")
	t.Cleanup(func() { backend.Close() })

	st := state.NewManager(backend, "test-tenant")
	registry := agents.NewRegistry(true)
	registry.Register(agents.NewMockAgent("summarizer", "summarize"))
	return workflow.NewEngine(st, registry, nil, nil), st
}

func mustNew(t *testing.T, e *workflow.Engine, def workflow.Definition) *workflow.Workflow {
	t.Helper()
	w, err := e.New(def)
	if err != nil {
		t.Fatalf("New(%s) error: %v", def.Name, err)
	}
	return w
}

func TestSequential_CalculatorStep(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	w := mustNew(t, e, workflow.Definition{
		Kind: workflow.KindSequential,
		Name: "seq",
		Steps: []workflow.Step{
			{Name: "calc", Tool: "calculator", Parameters: map[string]interface{}{"input": "5+3"}},
		},
	})

	result, err := w.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Status != workflow.StatusSucceeded {
		t.Errorf("Status = %s, want succeeded", result.Status)
	}
	if result.Output != 8 {
		t.Errorf("Output = %v, want 8", result.Output)
	}

	// The step result lands in the shared map under the workflow key.
	if got := result.StepResults["workflow:seq:calc"]; got != 8 {
		t.Errorf("StepResults[workflow:seq:calc] = %v, want 8", got)
	}

	// And is persisted to the workflow state scope.
	var persisted float64
	if err := st.GetValue(ctx, state.Workflow("seq"), "workflow:seq:calc", &persisted); err != nil {
		t.Fatalf("GetValue() error: %v", err)
	}
	if persisted != 8 {
		t.Errorf("persisted step result = %v, want 8", persisted)
	}
}

func TestSequential_StopOnError(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("boom", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return nil, errors.New("step exploded")
	})

	ran := false
	e.RegisterFunction("after", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		ran = true
		return "never", nil
	})

	w := mustNew(t, e, workflow.Definition{
		Kind: workflow.KindSequential,
		Name: "stops",
		Steps: []workflow.Step{
			{Name: "first", Function: "boom"},
			{Name: "second", Function: "after"},
		},
	})

	result, err := w.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("Execute() should fail")
	}
	if result.Status != workflow.StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].StepName != "first" {
		t.Errorf("Errors = %+v, want one entry for step first", result.Errors)
	}
	if ran {
		t.Error("step after the failure still ran under the stop strategy")
	}
}

func TestSequential_ContinueOnError(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("boom", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return nil, errors.New("step exploded")
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:          workflow.KindSequential,
		Name:          "tolerant",
		ErrorStrategy: workflow.ErrorContinue,
		Steps: []workflow.Step{
			{Name: "first", Function: "boom"},
			{Name: "calc", Tool: "calculator", Parameters: map[string]interface{}{"input": "5+3"}},
		},
	})

	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() with continue strategy error: %v", err)
	}
	if result.Output != 8 {
		t.Errorf("Output = %v, want 8 from the surviving step", result.Output)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %+v, want the failed step recorded", result.Errors)
	}
}

func TestSequential_AgentStep(t *testing.T) {
	e, _ := newTestEngine(t)

	w := mustNew(t, e, workflow.Definition{
		Kind: workflow.KindSequential,
		Name: "with-agent",
		Steps: []workflow.Step{
			{Name: "summarize", Agent: "summarizer", Input: "long text"},
		},
	})

	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Output == nil {
		t.Error("agent step produced no output")
	}
}

func TestSequential_UnknownTool(t *testing.T) {
	e, _ := newTestEngine(t)

	w := mustNew(t, e, workflow.Definition{
		Kind:  workflow.KindSequential,
		Name:  "broken",
		Steps: []workflow.Step{{Name: "nope", Tool: "does-not-exist"}},
	})

	_, err := w.Execute(context.Background(), nil)
	var se *models.ScriptError
	if !errors.As(err, &se) || se.Code != models.CodeNotFound {
		t.Errorf("Execute() error = %v, want NOT_FOUND", err)
	}
}

func TestParallel_BranchesAndOptional(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("flaky", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return nil, errors.New("optional branch down")
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:           workflow.KindParallel,
		Name:           "par",
		MaxConcurrency: 2,
		Branches: []workflow.Branch{
			{Name: "calc", Steps: []workflow.Step{
				{Name: "add", Tool: "calculator", Parameters: map[string]interface{}{"input": "2+2"}},
			}},
			{Name: "echo", Steps: []workflow.Step{
				{Name: "say", Tool: "echo", Parameters: map[string]interface{}{"msg": "hi"}},
			}},
			{Name: "besteffort", Optional: true, Steps: []workflow.Step{
				{Name: "try", Function: "flaky"},
			}},
		},
	})

	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got := result.StepResults["workflow:par:calc"]; got != 4 {
		t.Errorf("calc branch result = %v, want 4", got)
	}
	if _, ok := result.StepResults["workflow:par:echo"]; !ok {
		t.Error("echo branch result missing")
	}
	// The optional branch failed silently; only its error is recorded.
	if _, ok := result.StepResults["workflow:par:besteffort"]; ok {
		t.Error("failed optional branch stored a result")
	}
}

func TestParallel_RequiredBranchFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("boom", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return nil, errors.New("required branch down")
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:     workflow.KindParallel,
		Name:     "par-fail",
		FailFast: true,
		Branches: []workflow.Branch{
			{Name: "good", Steps: []workflow.Step{
				{Name: "add", Tool: "calculator", Parameters: map[string]interface{}{"input": "1+1"}},
			}},
			{Name: "bad", Steps: []workflow.Step{{Name: "die", Function: "boom"}}},
		},
	})

	result, err := w.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("Execute() with a failing required branch should fail")
	}
	if result.Status != workflow.StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
}

func TestConditional_OrderAndChosenBranch(t *testing.T) {
	e, _ := newTestEngine(t)

	def := workflow.Definition{
		Kind:  workflow.KindConditional,
		Name:  "route",
		Order: []string{"alpha", "beta", "fallback"},
		CondBranches: map[string]workflow.ConditionalBranch{
			"alpha": {
				Condition: workflow.Condition{Type: workflow.CondExpression, Expression: `input == "alpha"`},
				Steps:     []workflow.Step{{Name: "a", Tool: "echo", Parameters: map[string]interface{}{"took": "alpha"}}},
			},
			"beta": {
				Condition: workflow.Condition{Type: workflow.CondExpression, Expression: `input == "beta"`},
				Steps:     []workflow.Step{{Name: "b", Tool: "calculator", Parameters: map[string]interface{}{"input": "10-3"}}},
			},
			"fallback": {
				Condition: workflow.Condition{Type: workflow.CondNever},
				Steps:     []workflow.Step{{Name: "f", Tool: "echo", Parameters: map[string]interface{}{"took": "fallback"}}},
			},
		},
		DefaultBranch: "fallback",
	}

	w := mustNew(t, e, def)
	result, err := w.Execute(context.Background(), "beta")
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Output != 7 {
		t.Errorf("Output = %v, want 7 from the beta branch", result.Output)
	}
	if got := result.StepResults["workflow:route:chosen_branch"]; got != "beta" {
		t.Errorf("chosen_branch = %v, want beta", got)
	}

	// No condition holds: the default branch runs.
	w2 := mustNew(t, e, def)
	result, err = w2.Execute(context.Background(), "neither")
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got := result.StepResults["workflow:route:chosen_branch"]; got != "fallback" {
		t.Errorf("chosen_branch = %v, want fallback", got)
	}
}

func TestConditional_SharedDataEquals(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("noop", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})

	w := mustNew(t, e, workflow.Definition{
		Kind: workflow.KindConditional,
		Name: "shared-route",
		CondBranches: map[string]workflow.ConditionalBranch{
			"hit": {
				Condition: workflow.Condition{Type: workflow.CondSharedDataEquals, Key: "mode", Value: "fast"},
				Steps:     []workflow.Step{{Name: "run", Function: "noop"}},
			},
			"miss": {
				Condition: workflow.Condition{Type: workflow.CondAlways},
				Steps:     []workflow.Step{{Name: "run", Function: "noop"}},
			},
		},
		Order: []string{"hit", "miss"},
	})

	// Fresh executions start with empty shared state, so the equals
	// condition cannot hold and evaluation falls through to miss.
	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got := result.StepResults["workflow:shared-route:chosen_branch"]; got != "miss" {
		t.Errorf("chosen_branch = %v, want miss", got)
	}
}

func TestLoop_RangeWithSumAggregation(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("current", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return shared["loop:current_value"], nil
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:        workflow.KindLoop,
		Name:        "sum-range",
		Iterator:    &workflow.Iterator{Range: &workflow.Range{Start: 0, End: 6, Step: 2}},
		Body:        []workflow.Step{{Name: "emit", Function: "current"}},
		Aggregation: workflow.AggSum,
	})

	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	// 0 + 2 + 4
	if result.Output != 6.0 {
		t.Errorf("Output = %v, want 6", result.Output)
	}
	if got := result.StepResults["workflow:sum-range:result"]; got != 6.0 {
		t.Errorf("aggregated result = %v, want 6", got)
	}
}

func TestLoop_CollectionWithCollect(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("upper", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return fmt.Sprintf("item:%v", shared["loop:current_value"]), nil
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:        workflow.KindLoop,
		Name:        "collect",
		Iterator:    &workflow.Iterator{Collection: []interface{}{"a", "b"}},
		Body:        []workflow.Step{{Name: "map", Function: "upper"}},
		Aggregation: workflow.AggCollect,
	})

	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	items, ok := result.Output.([]interface{})
	if !ok || len(items) != 2 {
		t.Fatalf("Output = %v, want two collected items", result.Output)
	}
	if items[0] != "item:a" || items[1] != "item:b" {
		t.Errorf("collected = %v", items)
	}
}

func TestLoop_WhileWithBreakCondition(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("tick", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		return shared["loop:index"], nil
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:           workflow.KindLoop,
		Name:           "bounded",
		Iterator:       &workflow.Iterator{WhileCondition: "true", MaxIterations: 10},
		Body:           []workflow.Step{{Name: "tick", Function: "tick"}},
		BreakCondition: "loop.index >= 2",
		Aggregation:    workflow.AggLast,
	})

	result, err := w.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	// Iterations 0, 1, 2 ran; the break fired on index 2.
	if result.Output != 2 {
		t.Errorf("Output = %v, want 2", result.Output)
	}
}

func TestLoop_MaxIterationsCeiling(t *testing.T) {
	e, _ := newTestEngine(t)
	count := 0
	e.RegisterFunction("count", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		count++
		return count, nil
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:     workflow.KindLoop,
		Name:     "capped",
		Iterator: &workflow.Iterator{WhileCondition: "true", MaxIterations: 3},
		Body:     []workflow.Step{{Name: "count", Function: "count"}},
	})

	if _, err := w.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if count != 3 {
		t.Errorf("body ran %d times, want 3", count)
	}
}

func TestExecute_RerunRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	w := mustNew(t, e, workflow.Definition{
		Kind:  workflow.KindSequential,
		Name:  "once",
		Steps: []workflow.Step{{Name: "calc", Tool: "calculator", Parameters: map[string]interface{}{"input": "1+1"}}},
	})

	if _, err := w.Execute(context.Background(), nil); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if w.Status() != workflow.StatusSucceeded {
		t.Errorf("Status() = %s, want succeeded", w.Status())
	}

	_, err := w.Execute(context.Background(), nil)
	var se *models.ScriptError
	if !errors.As(err, &se) || se.Code != models.CodeInvalidTransition {
		t.Errorf("second Execute() error = %v, want INVALID_STATE_TRANSITION", err)
	}
}

func TestStep_Timeout(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RegisterFunction("slow", func(ctx context.Context, input interface{}, shared map[string]interface{}) (interface{}, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	w := mustNew(t, e, workflow.Definition{
		Kind:  workflow.KindSequential,
		Name:  "deadline",
		Steps: []workflow.Step{{Name: "slow", Function: "slow", Timeout: 30 * time.Millisecond}},
	})

	_, err := w.Execute(context.Background(), nil)
	var se *models.ScriptError
	if !errors.As(err, &se) || se.Code != models.CodeTimeout {
		t.Errorf("Execute() error = %v, want TIMEOUT", err)
	}
}

func TestNew_DefinitionValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	cases := []struct {
		name string
		def  workflow.Definition
	}{
		{"missing name", workflow.Definition{Kind: workflow.KindSequential, Steps: []workflow.Step{{Name: "s", Tool: "echo"}}}},
		{"no steps", workflow.Definition{Kind: workflow.KindSequential, Name: "empty"}},
		{"step without executor", workflow.Definition{Kind: workflow.KindSequential, Name: "bad", Steps: []workflow.Step{{Name: "s"}}}},
		{"step with two executors", workflow.Definition{Kind: workflow.KindSequential, Name: "bad", Steps: []workflow.Step{{Name: "s", Tool: "echo", Agent: "summarizer"}}}},
		{"loop without iterator", workflow.Definition{Kind: workflow.KindLoop, Name: "bad", Body: []workflow.Step{{Name: "s", Tool: "echo"}}}},
		{"loop with two sources", workflow.Definition{
			Kind: workflow.KindLoop, Name: "bad",
			Iterator: &workflow.Iterator{Collection: []interface{}{1}, WhileCondition: "true"},
			Body:     []workflow.Step{{Name: "s", Tool: "echo"}},
		}},
		{"default branch undefined", workflow.Definition{
			Kind: workflow.KindConditional, Name: "bad",
			CondBranches: map[string]workflow.ConditionalBranch{
				"a": {Condition: workflow.Condition{Type: workflow.CondAlways}, Steps: []workflow.Step{{Name: "s", Tool: "echo"}}},
			},
			DefaultBranch: "ghost",
		}},
		{"unknown kind", workflow.Definition{Kind: workflow.Kind("spiral"), Name: "bad"}},
	}
	for _, tc := range cases {
		_, err := e.New(tc.def)
		var se *models.ScriptError
		if !errors.As(err, &se) || se.Code != models.CodeValidationError {
			t.Errorf("%s: New() error = %v, want VALIDATION_ERROR", tc.name, err)
		}
	}
}
