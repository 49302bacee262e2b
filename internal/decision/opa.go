package decision

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/svcgate/svcgate/api"
)

// OPAEngine is a local decision service backed by an embedded Rego policy.
type OPAEngine struct {
	mu   sync.RWMutex
	path string

	query rego.PreparedEvalQuery
}

// NewOPAEngine creates an engine from a .rego policy file.
func NewOPAEngine(path string) (*OPAEngine, error) {
	e := &OPAEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewOPAEngineFromSource creates an engine from raw Rego source.
func NewOPAEngineFromSource(source string) (*OPAEngine, error) {
	e := &OPAEngine{}
	if err := e.loadSource(source); err != nil {
		return nil, err
	}
	return e, nil
}

// Check runs the Rego policy against the request attributes.
//
// The policy must define the following in package svcgate:
//
//	decision: "allow" | "deny"
//	code: number (optional, deny only)
//	message: string (optional)
//
// Input available to the policy:
//
//	input.method, input.path, input.host: string
//	input.caller_id, input.operation: string
//	input.headers: object
//
// Policy evaluation problems are an infrastructure error, not a deny: the
// gate still fails closed, but reports them in the error class.
func (e *OPAEngine) Check(ctx context.Context, attrs *api.RequestAttributes) (*api.CheckResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := map[string]any{
		"method":    attrs.Method,
		"path":      attrs.Path,
		"host":      attrs.Host,
		"caller_id": attrs.CallerID,
		"operation": attrs.Operation,
	}
	if len(attrs.Headers) > 0 {
		headers := make(map[string]any, len(attrs.Headers))
		for k, v := range attrs.Headers {
			headers[k] = v
		}
		input["headers"] = headers
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy returned no result")
	}
	resultMap, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected policy result type %T", rs[0].Expressions[0].Value)
	}
	return parseResult(resultMap), nil
}

// Report is a no-op, as for all local engines.
func (e *OPAEngine) Report(context.Context, *api.UsageReport) error {
	return nil
}

// Reload re-reads the Rego policy file from disk and recompiles.
func (e *OPAEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	return e.loadSource(string(data))
}

func (e *OPAEngine) loadSource(source string) error {
	// Parse eagerly so a broken policy fails at load, not per request.
	_, err := ast.ParseModuleWithOpts("policy.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parsing Rego policy: %w", err)
	}

	r := rego.New(
		rego.Query("data.svcgate"),
		rego.Module("policy.rego", source),
		rego.Store(inmem.New()),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing policy query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()
	return nil
}

func parseResult(m map[string]any) *api.CheckResult {
	decision, _ := m["decision"].(string)
	if decision == "allow" {
		res := api.Allow()
		if rule, ok := m["rule"].(string); ok {
			res.Rule = rule
		}
		return res
	}

	code := http.StatusForbidden
	// Rego numbers come back as json.Number or float64 depending on the path.
	switch n := m["code"].(type) {
	case float64:
		code = int(n)
	case int:
		code = n
	case fmt.Stringer:
		fmt.Sscanf(n.String(), "%d", &code)
	}
	msg, _ := m["message"].(string)
	if msg == "" {
		msg = "denied by policy"
	}
	res := api.Deny(code, msg)
	if rule, ok := m["rule"].(string); ok {
		res.Rule = rule
	}
	return res
}
