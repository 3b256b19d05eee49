// Package policy implements the Policy port over per-tenant expression
// rules. Rules are compiled once at load; every rule must evaluate true for a
// request to pass.
package policy

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/atlasframe/atpd/internal/atperr"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/ports"
)

// RequestEnv is the expression environment for tenant rules.
type RequestEnv struct {
	Request RequestFields `expr:"request"`
	Tenant  TenantFields  `expr:"tenant"`
}

// RequestFields exposes the routed request to rule expressions.
type RequestFields struct {
	TaskType     string   `expr:"task_type"`
	QoS          string   `expr:"qos"`
	Quality      string   `expr:"quality"`
	MaxTokens    int64    `expr:"max_tokens"`
	MaxUSDMicros int64    `expr:"max_usd_micros"`
	DataScope    []string `expr:"data_scope"`
	Languages    []string `expr:"languages"`
	PromptChars  int      `expr:"prompt_chars"`
	TTL          int      `expr:"ttl"`
}

// TenantFields exposes tenant context to rule expressions.
type TenantFields struct {
	ID  string `expr:"id"`
	QoS string `expr:"qos"`
}

type compiledRule struct {
	src     string
	program *vm.Program
}

type tenantPolicy struct {
	cfg   config.TenantConfig
	rules []compiledRule
}

// Engine evaluates tenant policy. Implements ports.Policy.
type Engine struct {
	mu      sync.RWMutex
	tenants map[string]*tenantPolicy
}

// New compiles every tenant's rules. A rule that fails to compile rejects the
// whole config load.
func New(tenants []config.TenantConfig) (*Engine, error) {
	compiled, err := compileTenants(tenants)
	if err != nil {
		return nil, err
	}
	return &Engine{tenants: compiled}, nil
}

// Reload replaces the tenant set atomically. A compile failure keeps the
// running set.
func (e *Engine) Reload(tenants []config.TenantConfig) error {
	compiled, err := compileTenants(tenants)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.tenants = compiled
	e.mu.Unlock()
	return nil
}

func compileTenants(tenants []config.TenantConfig) (map[string]*tenantPolicy, error) {
	out := make(map[string]*tenantPolicy, len(tenants))
	for _, tc := range tenants {
		tp := &tenantPolicy{cfg: tc}
		for _, src := range tc.Rules {
			program, err := expr.Compile(src, expr.Env(RequestEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("tenant %s: compile rule %q: %w", tc.ID, src, err)
			}
			tp.rules = append(tp.rules, compiledRule{src: src, program: program})
		}
		out[tc.ID] = tp
	}
	return out, nil
}

// Evaluate checks the request against the tenant's data-scope allowlist and
// rules. Tenants without a policy entry pass with no overrides.
func (e *Engine) Evaluate(_ context.Context, req ports.Request, p ports.Principal) (ports.PolicyDecision, error) {
	e.mu.RLock()
	tp, ok := e.tenants[p.TenantID]
	e.mu.RUnlock()
	if !ok {
		return ports.PolicyDecision{Allowed: true}, nil
	}

	if len(tp.cfg.AllowedDataScope) > 0 {
		for _, scope := range req.DataScope {
			if !slices.Contains(tp.cfg.AllowedDataScope, scope) {
				return ports.PolicyDecision{}, atperr.New(atperr.CodeScope,
					"data scope "+scope+" outside tenant allowlist").WithCorrelationID(req.CorrelationID)
			}
		}
	}

	env := RequestEnv{
		Request: RequestFields{
			TaskType:     req.TaskType,
			QoS:          req.QoS,
			Quality:      req.Quality,
			MaxTokens:    req.MaxTokens,
			MaxUSDMicros: req.MaxUSDMicros,
			DataScope:    req.DataScope,
			Languages:    req.Languages,
			PromptChars:  len(req.Prompt),
			TTL:          req.TTL,
		},
		Tenant: TenantFields{ID: tp.cfg.ID, QoS: tp.cfg.QoS},
	}
	for _, rule := range tp.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return ports.PolicyDecision{}, atperr.Wrap(err, atperr.CodeAuthz,
				"rule evaluation failed: "+rule.src).WithCorrelationID(req.CorrelationID)
		}
		pass, ok := out.(bool)
		if !ok || !pass {
			return ports.PolicyDecision{}, atperr.New(atperr.CodeAuthz,
				"denied by rule: "+rule.src).WithCorrelationID(req.CorrelationID)
		}
	}

	return ports.PolicyDecision{
		Allowed:          true,
		StrategyOverride: tp.cfg.Strategy,
		WeightOverrides:  weightOverrides(tp.cfg.Weights),
	}, nil
}

func weightOverrides(w config.ScoreWeights) map[string]float64 {
	out := map[string]float64{}
	if w.Quality != 0 {
		out["quality"] = w.Quality
	}
	if w.Latency != 0 {
		out["latency"] = w.Latency
	}
	if w.Cost != 0 {
		out["cost"] = w.Cost
	}
	if w.Carbon != 0 {
		out["carbon"] = w.Carbon
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
