package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/runehost/runehost/pkg/models"
)

// Tool is a named, stateless callable usable as a workflow step.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// ToolRegistry maps tool names to implementations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a registry preloaded with the built-in tools.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	r.Register(&CalculatorTool{})
	r.Register(&EchoTool{})
	return r
}

// Register installs or replaces a tool under its name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()
}

// Get returns the tool for name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the registered tool names.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// CalculatorTool evaluates an arithmetic expression from the "input"
// parameter and returns the numeric result.
type CalculatorTool struct{}

func (c *CalculatorTool) Name() string        { return "calculator" }
func (c *CalculatorTool) Description() string { return "Evaluates an arithmetic expression" }

func (c *CalculatorTool) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	input, ok := params["input"].(string)
	if !ok {
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: "calculator requires a string 'input' parameter",
		}
	}
	program, err := expr.Compile(input)
	if err != nil {
		return nil, &models.ScriptError{
			Code:    models.CodeValidationError,
			Message: fmt.Sprintf("calculator: bad expression: %v", err),
		}
	}
	result, err := expr.Run(program, nil)
	if err != nil {
		return nil, fmt.Errorf("calculator: %w", err)
	}
	return result, nil
}

// EchoTool returns its parameters unchanged. Useful for wiring tests
// and workflow demos.
type EchoTool struct{}

func (e *EchoTool) Name() string        { return "echo" }
func (e *EchoTool) Description() string { return "Returns its parameters unchanged" }

func (e *EchoTool) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return params, nil
}
