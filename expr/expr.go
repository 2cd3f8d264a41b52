// Package expr resolves {{...}} template placeholders and transform
// expressions against a run's execution context. Expressions are jq
// programs (gojq); bare dotted paths like steps.fetch.body.value are
// accepted and normalized to jq syntax before compilation.
package expr

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
)

var (
	// singlePlaceholderRe matches a string that is exactly one placeholder;
	// such strings resolve to the raw typed value.
	singlePlaceholderRe = regexp.MustCompile(`^\{\{(.+)\}\}$`)

	// fragmentRe matches individual placeholders for interpolation.
	fragmentRe = regexp.MustCompile(`\{\{(.+?)\}\}`)

	// barePathRe matches dotted paths with optional numeric indexes
	// (steps.fetch.body.items[0].id) that need a leading dot for jq.
	barePathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\[\d+\])*$`)
)

// compiled caches gojq programs by source. Expression sets come from
// authored step configs, so the population is small and stable.
var compiled sync.Map // string -> *gojq.Code

// ResolveExpressions walks a decoded-JSON value and resolves every
// {{...}} placeholder found in strings against the context:
//
//   - a string that is exactly one placeholder yields the raw typed
//     value (numbers, objects, arrays, null survive),
//   - a string with embedded placeholders is interpolated, each value
//     stringified and spliced in reverse index order,
//   - arrays and objects recurse element-wise,
//   - a placeholder that fails to compile or evaluate is preserved
//     verbatim (interpolation is best-effort).
//
// Values without placeholders are returned unchanged.
func ResolveExpressions(v any, ctx map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveExpressions(item, ctx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveExpressions(item, ctx)
		}
		return out
	default:
		return v
	}
}

// EvaluateTransform compiles and evaluates one expression against the
// context, returning the raw result. Unlike ResolveExpressions, errors
// propagate: transform steps must fail explicitly.
func EvaluateTransform(expression string, ctx map[string]any) (any, error) {
	return evaluate(expression, ctx)
}

func resolveString(s string, ctx map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	if m := singlePlaceholderRe.FindStringSubmatch(s); m != nil {
		if v, err := evaluate(m[1], ctx); err == nil {
			return v
		}
		// Fall through: the greedy match may have glued several
		// placeholders together ("{{a}} {{b}}"); interpolation picks
		// them apart and keeps genuinely broken fragments verbatim.
	}

	matches := fragmentRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	result := s
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		fragStart, fragEnd := m[0], m[1]
		inner := s[m[2]:m[3]]
		v, err := evaluate(inner, ctx)
		if err != nil {
			continue // keep the fragment as-is
		}
		result = result[:fragStart] + stringify(v) + result[fragEnd:]
	}
	return result
}

// evaluate substitutes built-ins, normalizes bare paths, compiles (with
// caching), and runs the program against the context, returning the
// first produced value.
func evaluate(expression string, ctx map[string]any) (any, error) {
	src := normalize(substituteBuiltins(strings.TrimSpace(expression)))

	code, err := compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	var input any
	if ctx != nil {
		input = ctx
	}
	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if evalErr, isErr := v.(error); isErr {
		return nil, fmt.Errorf("evaluate expression: %w", evalErr)
	}
	return v, nil
}

func compile(src string) (*gojq.Code, error) {
	if cached, ok := compiled.Load(src); ok {
		return cached.(*gojq.Code), nil
	}
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}
	compiled.Store(src, code)
	return code, nil
}

// normalize turns a bare dotted path into a jq path expression. Anything
// else must already be valid jq.
func normalize(expression string) string {
	if barePathRe.MatchString(expression) {
		return "." + expression
	}
	return expression
}

// substituteBuiltins textually replaces $now(), $uuid(), and
// $timestamp() with literals before the expression reaches the query
// language.
func substituteBuiltins(expression string) string {
	if !strings.Contains(expression, "$") {
		return expression
	}
	if strings.Contains(expression, "$now()") {
		now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
		expression = strings.ReplaceAll(expression, "$now()", strconv.Quote(now))
	}
	if strings.Contains(expression, "$uuid()") {
		// Each occurrence gets its own identifier.
		for strings.Contains(expression, "$uuid()") {
			expression = strings.Replace(expression, "$uuid()", strconv.Quote(uuid.NewString()), 1)
		}
	}
	if strings.Contains(expression, "$timestamp()") {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		expression = strings.ReplaceAll(expression, "$timestamp()", ts)
	}
	return expression
}

// stringify renders a resolved value for interpolation: nil becomes the
// empty string, objects and arrays canonical JSON, primitives their
// standard string form.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case *big.Int:
		return val.String()
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
