package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine evaluates requests against policies using the checks in
// §4.4, in order, and a CEL-backed condition language for the final
// check. Compiled condition programs are cached by expression text,
// following the same compile-and-cache shape used for other policy
// evaluators in this codebase.
type Engine struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEngine builds a CEL environment exposing the fields the condition
// expression is allowed to see: agent_id, skill_id, purpose, amount,
// currency, action, and any keys from the request's context map.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("skill_id", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: new cel env: %w", err)
	}
	return &Engine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.cache[expr] = prg
	return prg, nil
}

func conditionInput(req CredentialRequest) map[string]interface{} {
	amount := 0.0
	if req.Amount != nil {
		amount = *req.Amount
	}
	ctx := req.Context
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	return map[string]interface{}{
		"agent_id": req.AgentID,
		"skill_id": req.SkillID,
		"purpose":  req.Purpose,
		"amount":   amount,
		"currency": req.Currency,
		"action":   req.Action,
		"context":  ctx,
	}
}

// evalCondition runs the condition expression expr against req. It
// always compiles expr, so an empty expression is an error; Evaluate
// only calls it when the policy has a condition.
func (e *Engine) evalCondition(expr string, req CredentialRequest) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(conditionInput(req))
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to a boolean")
	}
	return result, nil
}

// Evaluate runs the request against a single policy, following the
// exact check order in §4.4. The first failing check produces a deny
// (or require_approval), naming the policy in the reason.
func (e *Engine) Evaluate(p Policy, req CredentialRequest, monthlySpending float64) EvalResult {
	deny := func(reason string) EvalResult {
		return EvalResult{Decision: DecisionDeny, Reason: reason, PolicyName: p.Name}
	}

	// 1. Explicit deny.
	if containsString(p.Deny, req.AgentID) {
		return deny(fmt.Sprintf("policy %q explicitly denies agent %q", p.Name, req.AgentID))
	}

	// 2. Grant scope — agent.
	if p.GrantTo != nil && p.GrantTo.AgentID.IsSet() && !p.GrantTo.AgentID.Wildcard && !p.GrantTo.AgentID.Matches(req.AgentID) {
		return deny(fmt.Sprintf("agent %q is not granted by policy %q", req.AgentID, p.Name))
	}

	// 3. Grant scope — skill.
	if req.SkillID != "" && p.GrantTo != nil && p.GrantTo.SkillID.IsSet() && !p.GrantTo.SkillID.Wildcard && !p.GrantTo.SkillID.Matches(req.SkillID) {
		return deny(fmt.Sprintf("skill %q is not granted by policy %q", req.SkillID, p.Name))
	}

	// 4. Actions.
	if len(p.Actions) > 0 && req.Action != "" && !containsString(p.Actions, req.Action) {
		return deny(fmt.Sprintf("action %q is not permitted by policy %q", req.Action, p.Name))
	}

	// 5. Per-transaction budget.
	if p.Budget != nil && p.Budget.MaxPerTransaction != nil && req.Amount != nil && *req.Amount > *p.Budget.MaxPerTransaction {
		return deny(fmt.Sprintf("amount exceeds max per transaction for policy %q", p.Name))
	}

	// 6. Monthly budget.
	if p.Budget != nil && p.Budget.MaxPerMonth != nil && req.Amount != nil && monthlySpending+*req.Amount > *p.Budget.MaxPerMonth {
		return deny(fmt.Sprintf("amount exceeds monthly budget for policy %q", p.Name))
	}

	// 7. Approval threshold.
	if p.ApprovalThreshold != nil && req.Amount != nil && *req.Amount > *p.ApprovalThreshold {
		return EvalResult{
			Decision:   DecisionRequireApproval,
			Reason:     fmt.Sprintf("amount exceeds approval threshold for policy %q", p.Name),
			PolicyName: p.Name,
			Scope:      p.Scope,
		}
	}

	// 8. Condition expression.
	if p.Condition != "" {
		ok, err := e.evalCondition(p.Condition, req)
		if err != nil {
			return deny(fmt.Sprintf("CEL condition for policy %q failed: %v", p.Name, err))
		}
		if !ok {
			return deny(fmt.Sprintf("CEL condition for policy %q was not satisfied", p.Name))
		}
	}

	// 9. All passed.
	return EvalResult{
		Decision:   DecisionAllow,
		Reason:     fmt.Sprintf("policy %q allows the request", p.Name),
		PolicyName: p.Name,
		Scope:      p.Scope,
	}
}

// EvaluateFirst selects the candidate policies whose credential matches
// req.Credential, in document order, and returns the first allow or
// require_approval. If every candidate denies, it returns the last
// denial. require_approval is terminal — EvaluateFirst never "tries
// another policy" once it is reached.
func (e *Engine) EvaluateFirst(policies []Policy, req CredentialRequest, monthlySpending float64) EvalResult {
	var candidates []Policy
	for _, p := range policies {
		if p.Credential == req.Credential {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return EvalResult{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("No policy found for credential '%s'", req.Credential),
		}
	}

	var last EvalResult
	for _, p := range candidates {
		result := e.Evaluate(p, req, monthlySpending)
		if result.Decision == DecisionAllow || result.Decision == DecisionRequireApproval {
			return result
		}
		last = result
	}
	return last
}
