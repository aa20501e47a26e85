package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/source"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// Engine evaluates Rego policies over the resources an environment
// declares.
type Engine struct {
	mu       sync.RWMutex
	policies []*compiledPolicy
	logger   *telemetry.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine loaded with the built-in policies.
func NewEngine(ctx context.Context, logger *telemetry.Logger) (*Engine, error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	e := &Engine{logger: logger.NewComponentLogger("policy")}
	for _, p := range BuiltinPolicies() {
		if err := e.Add(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Add compiles p and appends it. A policy with the same name is replaced.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", p.Name)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()),
		rego.Module(p.Name, p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := &compiledPolicy{policy: p, query: query}
	for i, existing := range e.policies {
		if existing.policy.Name == p.Name {
			e.policies[i] = cp
			return nil
		}
	}
	e.policies = append(e.policies, cp)
	e.logger.Debugf("Policy %s compiled", p.Name)
	return nil
}

// LoadPolicies reads .rego files from paths and adds them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.Add(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Policies returns the loaded policies in evaluation order.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	for i, cp := range e.policies {
		out[i] = cp.policy
	}
	return out
}

// NewInput builds the policy document for resources.
func NewInput(resources []*engine.Resource) Input {
	in := Input{Resources: make([]ResourceInput, 0, len(resources))}
	for _, r := range resources {
		attrs, _ := source.EncodeValue(r.Attributes).(map[string]any)
		if attrs == nil {
			attrs = map[string]any{}
		}
		ri := ResourceInput{
			ID:         r.ID(),
			Type:       r.Type,
			Name:       r.Name,
			Actions:    r.Actions,
			Provider:   r.Provider,
			Attributes: attrs,
			NotIf:      guardInput(r.NotIf),
			OnlyIf:     guardInput(r.OnlyIf),
		}
		in.Resources = append(in.Resources, ri)
	}
	return in
}

func guardInput(g *engine.Guard) *GuardInput {
	if g == nil {
		return nil
	}
	return &GuardInput{Kind: string(g.Kind), Command: g.Command}
}

// Evaluate runs every policy over resources.
func (e *Engine) Evaluate(ctx context.Context, resources []*engine.Resource) (*Result, error) {
	in := NewInput(resources)
	// Round-trip through JSON so attribute values reach OPA as plain
	// JSON types.
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{}
	for _, cp := range e.policies {
		rs, err := cp.query.Eval(ctx, rego.EvalInput(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", cp.policy.Name, err)
		}
		res.Evaluated = append(res.Evaluated, cp.policy.Name)
		for _, r := range rs {
			for _, expr := range r.Expressions {
				rules, ok := expr.Value.(map[string]any)
				if !ok {
					continue
				}
				res.Violations = append(res.Violations, collect(cp.policy.Name, SeverityError, rules["deny"])...)
				res.Warnings = append(res.Warnings, collect(cp.policy.Name, SeverityWarning, rules["warn"])...)
			}
		}
	}
	e.logger.Debugf("Evaluated %d policies over %d resources: %d violations, %d warnings",
		len(res.Evaluated), len(resources), len(res.Violations), len(res.Warnings))
	return res, nil
}

// collect turns a rule's set value into violations, sorted for stable
// output since Rego sets are unordered.
func collect(policy string, sev Severity, set any) []Violation {
	items, ok := set.([]any)
	if !ok {
		return nil
	}
	out := make([]Violation, 0, len(items))
	for _, item := range items {
		v := Violation{Policy: policy, Severity: sev}
		switch val := item.(type) {
		case string:
			v.Message = val
		case map[string]any:
			v.Message, _ = val["message"].(string)
			v.Resource, _ = val["resource"].(string)
		default:
			v.Message = fmt.Sprint(val)
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// Gate returns a kitchen gate that evaluates the environment's resources.
// Warnings are logged and published; error violations are reported together
// as one POLICY_DENIED user error.
func (e *Engine) Gate() func(ctx context.Context, env *engine.Environment) error {
	return func(ctx context.Context, env *engine.Environment) error {
		res, err := e.Evaluate(ctx, env.Resources())
		if err != nil {
			return engine.NewInternalError(engine.ErrCodePolicyDenied, "policy evaluation failed", err)
		}

		log := env.Logger().NewComponentLogger("policy")
		events := env.Events()
		findings := append(append([]Violation(nil), res.Warnings...), res.Violations...)
		for _, w := range findings {
			if w.Severity == SeverityWarning {
				log.WithResourceID(w.Resource).Warnf("Policy %s: %s", w.Policy, w.Message)
			}
			if events != nil {
				_ = events.PublishPolicyViolation(w.Resource, w.Policy, string(w.Severity), w.Message)
			}
		}
		if res.Allowed() {
			return nil
		}

		lines := make([]string, len(res.Violations))
		for i, v := range res.Violations {
			lines[i] = "  " + v.String()
		}
		return engine.NewUserError(engine.ErrCodePolicyDenied,
			fmt.Sprintf("policy denied convergence:\n%s", strings.Join(lines, "\n")), nil).
			WithDetail("violations", res.Violations)
	}
}
