package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/runehost/runehost/pkg/models"
)

// KindInfo describes one workflow kind's parameter schema for
// discovery clients.
type KindInfo struct {
	Kind     Kind     `json:"kind"`
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// Discovery exposes the available workflow kinds and builds workflows
// from JSON-shaped parameter maps.
type Discovery struct {
	engine *Engine
}

// NewDiscovery creates a discovery surface over the engine.
func NewDiscovery(engine *Engine) *Discovery {
	return &Discovery{engine: engine}
}

// Kinds lists the supported workflow kinds and their parameters.
func (d *Discovery) Kinds() []KindInfo {
	return []KindInfo{
		{Kind: KindSequential, Required: []string{"name", "steps"}, Optional: []string{"error_strategy", "timeout"}},
		{Kind: KindParallel, Required: []string{"name", "branches"}, Optional: []string{"max_concurrency", "fail_fast", "timeout"}},
		{Kind: KindConditional, Required: []string{"name", "branches"}, Optional: []string{"default_branch", "evaluation_mode"}},
		{Kind: KindLoop, Required: []string{"name", "iterator", "body"}, Optional: []string{"break_condition", "aggregation", "timeout"}},
	}
}

// Wire shapes mirror the parameter schema. Timeouts are seconds.
type wireStep struct {
	Name       string                 `json:"name"`
	Tool       string                 `json:"tool,omitempty"`
	Agent      string                 `json:"agent,omitempty"`
	Function   string                 `json:"function,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Input      interface{}            `json:"input,omitempty"`
	Timeout    float64                `json:"timeout,omitempty"`
}

func (s wireStep) toStep() Step {
	return Step{
		Name:       s.Name,
		Tool:       s.Tool,
		Agent:      s.Agent,
		Function:   s.Function,
		Parameters: s.Parameters,
		Input:      s.Input,
		Timeout:    secs(s.Timeout),
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func toSteps(ws []wireStep) []Step {
	out := make([]Step, 0, len(ws))
	for _, s := range ws {
		out = append(out, s.toStep())
	}
	return out
}

// Create builds a workflow of the given kind from the parameter map,
// validating required parameters and the resulting definition.
func (d *Discovery) Create(kind Kind, params map[string]interface{}) (*Workflow, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("workflow params not serializable: %v", err),
		}
	}

	var def Definition
	switch kind {
	case KindSequential:
		var p struct {
			Name          string     `json:"name"`
			Steps         []wireStep `json:"steps"`
			ErrorStrategy string     `json:"error_strategy,omitempty"`
			Timeout       float64    `json:"timeout,omitempty"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, badParams(kind, err)
		}
		def = Definition{
			Kind:          KindSequential,
			Name:          p.Name,
			Steps:         toSteps(p.Steps),
			ErrorStrategy: ErrorStrategy(p.ErrorStrategy),
			Timeout:       secs(p.Timeout),
		}

	case KindParallel:
		var p struct {
			Name     string `json:"name"`
			Branches []struct {
				Name        string     `json:"name"`
				Steps       []wireStep `json:"steps"`
				Optional    bool       `json:"optional,omitempty"`
				Description string     `json:"description,omitempty"`
			} `json:"branches"`
			MaxConcurrency int     `json:"max_concurrency,omitempty"`
			FailFast       bool    `json:"fail_fast,omitempty"`
			Timeout        float64 `json:"timeout,omitempty"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, badParams(kind, err)
		}
		branches := make([]Branch, 0, len(p.Branches))
		for _, b := range p.Branches {
			branches = append(branches, Branch{
				Name:        b.Name,
				Steps:       toSteps(b.Steps),
				Optional:    b.Optional,
				Description: b.Description,
			})
		}
		def = Definition{
			Kind:           KindParallel,
			Name:           p.Name,
			Branches:       branches,
			MaxConcurrency: p.MaxConcurrency,
			FailFast:       p.FailFast,
			Timeout:        secs(p.Timeout),
		}

	case KindConditional:
		var p struct {
			Name     string `json:"name"`
			Branches map[string]struct {
				Condition Condition  `json:"condition"`
				Steps     []wireStep `json:"steps"`
			} `json:"branches"`
			Order         []string `json:"order,omitempty"`
			DefaultBranch string   `json:"default_branch,omitempty"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, badParams(kind, err)
		}
		branches := make(map[string]ConditionalBranch, len(p.Branches))
		for name, b := range p.Branches {
			branches[name] = ConditionalBranch{Condition: b.Condition, Steps: toSteps(b.Steps)}
		}
		def = Definition{
			Kind:          KindConditional,
			Name:          p.Name,
			CondBranches:  branches,
			Order:         p.Order,
			DefaultBranch: p.DefaultBranch,
		}

	case KindLoop:
		var p struct {
			Name     string `json:"name"`
			Iterator struct {
				Collection     []interface{} `json:"collection,omitempty"`
				Range          *Range        `json:"range,omitempty"`
				WhileCondition string        `json:"while_condition,omitempty"`
				MaxIterations  int           `json:"max_iterations,omitempty"`
			} `json:"iterator"`
			Body           []wireStep `json:"body"`
			BreakCondition string     `json:"break_condition,omitempty"`
			Aggregation    string     `json:"aggregation,omitempty"`
			Timeout        float64    `json:"timeout,omitempty"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, badParams(kind, err)
		}
		def = Definition{
			Kind: KindLoop,
			Name: p.Name,
			Iterator: &Iterator{
				Collection:     p.Iterator.Collection,
				Range:          p.Iterator.Range,
				WhileCondition: p.Iterator.WhileCondition,
				MaxIterations:  p.Iterator.MaxIterations,
			},
			Body:           toSteps(p.Body),
			BreakCondition: p.BreakCondition,
			Aggregation:    Aggregation(p.Aggregation),
			Timeout:        secs(p.Timeout),
		}

	default:
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: "unknown workflow kind: " + string(kind),
		}
	}

	return d.engine.New(def)
}

func badParams(kind Kind, err error) error {
	return &models.ScriptError{
		Code:    models.CodeValidationError,
		Message: fmt.Sprintf("bad %s workflow params: %v", kind, err),
	}
}
