// Package expr evaluates the restricted expression grammar used by gateway
// conditions and compensation input mappings. Expressions run through a FEEL
// interpreter over an explicit variable scope; there is no access to ambient
// state and no way to call into host code.
package expr

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

// Evaluate evaluates an expression against the given variable scope.
func Evaluate(expression string, scope map[string]any) (any, error) {
	res, err := feel.EvalStringWithScope(expression, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return res, nil
}

// EvaluateBoolean evaluates a condition expression and reports whether it
// yielded boolean true. Any non-boolean result counts as false.
func EvaluateBoolean(expression string, scope map[string]any) (bool, error) {
	res, err := Evaluate(expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	return ok && b, nil
}

// EvaluateMappingSource resolves an IoMapping source: a "="-prefixed source
// is evaluated as an expression over the scope, anything else is returned
// as a static value.
func EvaluateMappingSource(source string, scope map[string]any) (any, error) {
	source = strings.TrimSpace(source)
	if !strings.HasPrefix(source, "=") {
		return source, nil
	}
	return Evaluate(strings.TrimPrefix(source, "="), scope)
}
