// Package workflow implements the composition engine: sequential,
// parallel, conditional, and loop workflows over agent and tool steps,
// sharing a workflow-scoped state namespace.
package workflow

import (
	"fmt"
	"time"

	"github.com/runehost/runehost/pkg/models"
)

// Kind discriminates the workflow composition shapes.
type Kind string

const (
	KindSequential  Kind = "sequential"
	KindParallel    Kind = "parallel"
	KindConditional Kind = "conditional"
	KindLoop        Kind = "loop"
)

// Status is the workflow execution lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusPaused is reserved for external control.
	StatusPaused Status = "paused"
)

// validTransitions enumerates the allowed status edges.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorStrategy controls sequential behavior on step failure.
type ErrorStrategy string

const (
	ErrorStop     ErrorStrategy = "stop"
	ErrorContinue ErrorStrategy = "continue"
)

// Step is one unit of work: exactly one of Tool, Agent, or Function
// names the executor.
type Step struct {
	Name       string                 `json:"name"`
	Tool       string                 `json:"tool,omitempty"`
	Agent      string                 `json:"agent,omitempty"`
	Function   string                 `json:"function,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Input      interface{}            `json:"input,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
}

// Validate checks that the step names exactly one executor.
func (s Step) Validate() error {
	n := 0
	for _, id := range []string{s.Tool, s.Agent, s.Function} {
		if id != "" {
			n++
		}
	}
	if s.Name == "" {
		return &models.ScriptError{Code: models.CodeValidationError, Message: "step name is required"}
	}
	if n != 1 {
		return &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("step %q must name exactly one of tool, agent, function", s.Name),
		}
	}
	return nil
}

// Branch is a named step list within a parallel workflow.
type Branch struct {
	Name        string `json:"name"`
	Steps       []Step `json:"steps"`
	Optional    bool   `json:"optional,omitempty"`
	Description string `json:"description,omitempty"`
}

// ConditionType enumerates the built-in condition shapes.
type ConditionType string

const (
	CondAlways           ConditionType = "always"
	CondNever            ConditionType = "never"
	CondSharedDataEquals ConditionType = "shared_data_equals"
	CondSharedDataExists ConditionType = "shared_data_exists"
	CondExpression       ConditionType = "expression"
)

// Condition gates a conditional branch or a loop.
type Condition struct {
	Type       ConditionType `json:"type"`
	Key        string        `json:"key,omitempty"`
	Value      interface{}   `json:"value,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

// ConditionalBranch pairs a condition with its steps.
type ConditionalBranch struct {
	Condition Condition `json:"condition"`
	Steps     []Step    `json:"steps"`
}

// Range iterates integers [Start, End) with the given stride.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Step  int `json:"step"`
}

// Iterator drives a loop workflow: exactly one of the three sources.
type Iterator struct {
	Collection     []interface{} `json:"collection,omitempty"`
	Range          *Range        `json:"range,omitempty"`
	WhileCondition string        `json:"while_condition,omitempty"`
	MaxIterations  int           `json:"max_iterations,omitempty"`
}

// Aggregation folds per-iteration loop outputs into one result.
type Aggregation string

const (
	AggSum     Aggregation = "sum"
	AggLast    Aggregation = "last"
	AggCollect Aggregation = "collect"
)

// Definition is the full declarative shape of one workflow.
type Definition struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`

	// Sequential.
	Steps         []Step        `json:"steps,omitempty"`
	ErrorStrategy ErrorStrategy `json:"error_strategy,omitempty"`

	// Parallel.
	Branches       []Branch `json:"branches,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	FailFast       bool     `json:"fail_fast,omitempty"`

	// Conditional. Branch evaluation follows Order when present.
	CondBranches  map[string]ConditionalBranch `json:"cond_branches,omitempty"`
	Order         []string                     `json:"order,omitempty"`
	DefaultBranch string                       `json:"default_branch,omitempty"`

	// Loop.
	Iterator       *Iterator   `json:"iterator,omitempty"`
	Body           []Step      `json:"body,omitempty"`
	BreakCondition string      `json:"break_condition,omitempty"`
	Aggregation    Aggregation `json:"aggregation,omitempty"`

	// Whole-workflow timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StepError records one failed step within an execution.
type StepError struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	StepName    string `json:"step_name"`
	Error       string `json:"error"`
}

// Result is the outcome of one workflow execution. StepResults holds
// the shared-state key for each step alongside its output.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Workflow    string                 `json:"workflow"`
	Status      Status                 `json:"status"`
	Output      interface{}            `json:"output,omitempty"`
	StepResults map[string]interface{} `json:"step_results,omitempty"`
	Errors      []StepError            `json:"errors,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	Duration    time.Duration          `json:"duration"`
}

// Info describes a workflow to callers of get_info.
type Info struct {
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`
	Steps  int    `json:"steps"`
}
