package item

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// EvaluateCondition evaluates a contract rule against its payload.
// Empty condition returns true. Supports "true"/"false" literals.
func EvaluateCondition(condition string, payload map[string]any) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return true, nil
	}
	switch strings.ToLower(cond) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(buildParams(payload))
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("condition did not evaluate to boolean")
	}
}

func buildParams(payload map[string]any) map[string]interface{} {
	params := map[string]interface{}{}
	for k, v := range payload {
		params[k] = v
	}
	flatten("", payload, params)
	return params
}

func flatten(prefix string, m map[string]any, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flatten(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
