package kernel

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
)

// ExprExecutor returns an Executor that evaluates code fragments as
// expressions. It is the default executor for the TCP kernel; embedders
// wire their own language runtimes through the same Executor contract.
func ExprExecutor() Executor {
	return func(ctx context.Context, code string, out *OutputCapture) (map[string]interface{}, error) {
		program, err := expr.Compile(code)
		if err != nil {
			return nil, fmt.Errorf("compile: %w", err)
		}
		value, err := expr.Run(program, map[string]interface{}{})
		if err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}
		out.HandleOutput("stdout", fmt.Sprintf("%v\n", value))
		return map[string]interface{}{"result": value}, nil
	}
}
