package expr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment compiles CEL conditions over a request and the response status.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to cache-control conditions.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("status", cel.IntType),
		cel.Variable("contentType", cel.StringType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// costLimit bounds the work one condition may do per evaluation.
const costLimit = 10_000

// Program is a compiled boolean condition.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares expression for evaluation. It must yield a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program}, nil
}

// EvalBool runs the condition against vars.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expr: %q yielded %s, not bool", p.source, val.Type().TypeName())
	}
	return b, nil
}

// Source returns the trimmed expression for logging.
func (p Program) Source() string { return p.source }

// RequestActivation builds the variables a condition sees for one response.
// Header names are lower-cased; only the first value of each header and query
// parameter is exposed.
func RequestActivation(r *http.Request, status int, contentType string) map[string]any {
	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	return map[string]any{
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       query,
		"header":      headers,
		"status":      int64(status),
		"contentType": contentType,
	}
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	if value, found := mapper.Find(key); found && value != nil {
		return value
	}
	return types.NullValue
}
