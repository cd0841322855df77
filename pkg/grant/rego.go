package grant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// DefaultModule reproduces ListPolicy in Rego.
const DefaultModule = `package relay.grant

default allow := false

allow if "*" in input.grants

allow if input.origin in input.grants
`

const defaultEntrypoint = "relay/grant/allow"

// RegoOptions configure a RegoPolicy.
type RegoOptions struct {
	// Entrypoint is the decision path, "relay/grant/allow" by default.
	Entrypoint string
	// Modules maps module names to Rego source. Empty loads DefaultModule.
	Modules map[string]string
}

// RegoPolicy evaluates grants with an embedded OPA query prepared once.
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy parses and prepares the modules.
func NewRegoPolicy(ctx context.Context, opts RegoOptions) (*RegoPolicy, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"grant.rego": DefaultModule}
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return &RegoPolicy{query: prepared}, nil
}

// Allow evaluates the entrypoint. An undefined result denies.
func (p *RegoPolicy) Allow(ctx context.Context, req Request) (bool, error) {
	grants := req.Grants
	if grants == nil {
		grants = []string{}
	}
	input := map[string]any{
		"origin":      req.Origin,
		"server":      req.Server,
		"application": req.Application,
		"grants":      grants,
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("grant decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, errors.New("grant decision: result is not a boolean")
	}
	return allowed, nil
}
