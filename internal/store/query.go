package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Bindings are named values substituted for $name placeholders inside a
// recipe expression before evaluation. Positional opts bind as $1..$n.
type Bindings map[string]any

var bindingPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*|[0-9]+)`)

// bindExpression substitutes bindings into an expression as JSON
// literals, so #(username==$user) becomes #(username=="alice").
func bindExpression(expr string, bindings Bindings) (string, error) {
	var missing []string
	out := bindingPattern.ReplaceAllStringFunc(expr, func(tok string) string {
		name := tok[1:]
		val, ok := bindings[name]
		if !ok {
			missing = append(missing, name)
			return tok
		}
		lit, err := json.Marshal(val)
		if err != nil {
			missing = append(missing, name)
			return tok
		}
		return string(lit)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unbound parameters: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Query compiles the recipe expression with bindings, evaluates it
// against the whole store, applies limit and header and returns a deep
// copy. Any failure falls back to the recipe defaults (or an empty
// object) and is logged, never surfaced to the caller.
func (s *Store) Query(name string, bindings Bindings) any {
	s.mu.RLock()
	recipe := s.lookupLocked(name)
	s.mu.RUnlock()
	if recipe == nil {
		s.log.Warn("query: no such recipe", zap.String("recipe", name))
		return map[string]any{}
	}
	return s.QueryRecipe(recipe, bindings)
}

// QueryRecipe is Query for an already-resolved recipe.
func (s *Store) QueryRecipe(recipe *Recipe, bindings Bindings) any {
	result, err := s.evalQuery(recipe, bindings)
	if err != nil {
		s.log.Warn("query failed, serving defaults",
			zap.String("recipe", recipe.Name), zap.Error(err))
		if recipe.Defaults != nil {
			return DeepCopy(recipe.Defaults)
		}
		return map[string]any{}
	}
	return result
}

func (s *Store) evalQuery(recipe *Recipe, bindings Bindings) (any, error) {
	if recipe.Expression == "" {
		return nil, fmt.Errorf("recipe %q has no expression", recipe.Name)
	}
	expr, err := bindExpression(recipe.Expression, bindings)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	res := gjson.GetBytes(s.raw, expr)
	var value any
	if res.Exists() {
		// Unmarshal of res.Raw is the deep copy; nothing aliases the tree.
		if err := json.Unmarshal([]byte(res.Raw), &value); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode result of %q: %w", expr, err)
		}
	}
	s.mu.RUnlock()

	if value == nil {
		if recipe.Defaults != nil {
			return DeepCopy(recipe.Defaults), nil
		}
		return map[string]any{}, nil
	}

	if arr, ok := value.([]any); ok {
		arr = applyLimit(arr, recipe.Limit)
		if recipe.Header != nil {
			arr = append([]any{DeepCopy(recipe.Header)}, arr...)
		}
		return arr, nil
	}
	return value, nil
}

func applyLimit(arr []any, limit int) []any {
	switch {
	case limit > 0 && limit < len(arr):
		return arr[:limit]
	case limit < 0 && -limit < len(arr):
		return arr[len(arr)+limit:]
	default:
		return arr
	}
}
