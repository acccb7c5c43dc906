// Package wallet implements the request pipeline (C7): the tool
// façade that sequences the vault, policy loader/engine, audit log,
// and token store into the request -> grant -> use -> report protocol
// exposed to agents.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/checkout/credential-wallet/core/pkg/audit"
	"github.com/checkout/credential-wallet/core/pkg/policy"
	"github.com/checkout/credential-wallet/core/pkg/tokenstore"
	"github.com/checkout/credential-wallet/core/pkg/vault"
	"github.com/checkout/credential-wallet/core/pkg/walletlog"
)

// Status is the closed set of outcomes a tool-shaped operation can
// return.
type Status string

const (
	StatusGranted         Status = "granted"
	StatusRequireApproval Status = "require_approval"
	StatusDenied          Status = "denied"
	StatusError           Status = "error"
	StatusRecorded        Status = "recorded"
)

// RequestResult is the result of request_credential.
type RequestResult struct {
	Status          Status                 `json:"status"`
	TokenID         string                 `json:"token_id,omitempty"`
	CredentialValue string                 `json:"credential_value,omitempty"`
	ExpiresAt       string                 `json:"expires_at,omitempty"`
	Scope           map[string]interface{} `json:"scope,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Policy          string                 `json:"policy,omitempty"`
}

// PolicySummary is the safe projection of a policy returned by
// list_available_policies. It never includes condition, deny, or scope.
type PolicySummary struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Credential  string        `json:"credential"`
	Actions     []string      `json:"actions,omitempty"`
	Budget      *policy.Budget `json:"budget,omitempty"`
	TTL         int           `json:"ttl"`
}

// BudgetResult is the result of check_budget.
type BudgetResult struct {
	Budget            string  `json:"budget,omitempty"` // "unlimited" when no cap is configured
	Policy            string  `json:"policy,omitempty"`
	Credential        string  `json:"credential,omitempty"`
	MaxPerMonth       float64 `json:"max_per_month,omitempty"`
	SpentThisMonth    float64 `json:"spent_this_month,omitempty"`
	Remaining         float64 `json:"remaining,omitempty"`
	Currency          string  `json:"currency,omitempty"`
	MaxPerTransaction float64 `json:"max_per_transaction,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// UsageResult is the result of report_usage.
type UsageResult struct {
	Status  Status `json:"status"`
	TokenID string `json:"token_id,omitempty"`
}

// Wallet orchestrates C2-C6 for each tool invocation. It owns the
// lifecycle of its components; callers construct them and pass them in
// explicitly rather than relying on process-wide mutable state.
type Wallet struct {
	Vault      *vault.Vault
	Loader     *policy.Loader
	Engine     *policy.Engine
	AuditStore audit.Store
	Tokens     tokenstore.Store

	limiter *rate.Limiter
	log     *walletlog.Logger
	instr   *instrumentation
}

// Option configures a Wallet at construction time.
type Option func(*Wallet)

// WithRateLimit bounds request_credential to ratePerSecond sustained
// calls, guarding the vault/audit I/O path from a runaway agent loop.
// The default is effectively unlimited so it never changes the
// pipeline's behavioral tests.
func WithRateLimit(ratePerSecond float64) Option {
	return func(w *Wallet) {
		w.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1)
	}
}

// New builds a request pipeline over already-constructed components.
func New(v *vault.Vault, loader *policy.Loader, engine *policy.Engine, auditStore audit.Store, tokens tokenstore.Store, opts ...Option) *Wallet {
	w := &Wallet{
		Vault:      v,
		Loader:     loader,
		Engine:     engine,
		AuditStore: auditStore,
		Tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(1e6), 1), // effectively unlimited by default
		log:        walletlog.New(),
		instr:      newInstrumentation(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func isoNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func marshalOrEmpty(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// RequestCredential sequences: log credential_requested; fetch
// candidate policies; fetch monthly spend; evaluate; act; log the
// outcome. On deny or require_approval, no vault read and no token is
// issued.
func (w *Wallet) RequestCredential(ctx context.Context, req policy.CredentialRequest) (*RequestResult, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wallet: rate limit: %w", err)
	}

	ctx, span := w.instr.startSpan(ctx, "wallet.request_credential")
	defer span.End()

	if _, err := w.AuditStore.Log(ctx, audit.Entry{
		Event:          audit.EventCredentialRequested,
		AgentID:        req.AgentID,
		SkillID:        req.SkillID,
		Purpose:        req.Purpose,
		CredentialName: req.Credential,
		Context:        marshalOrEmpty(req.Context),
	}); err != nil {
		return nil, fmt.Errorf("wallet: log credential_requested: %w", err)
	}

	candidates := w.Loader.ListForAgent(req.AgentID, req.SkillID)

	monthlySpend, err := w.AuditStore.MonthlySpending(ctx, req.Credential, "")
	if err != nil {
		return nil, fmt.Errorf("wallet: fetch monthly spending: %w", err)
	}

	result := w.Engine.EvaluateFirst(candidates, req, monthlySpend)
	w.instr.recordDecision(ctx, req.Credential, string(result.Decision))

	switch result.Decision {
	case policy.DecisionDeny:
		if _, err := w.AuditStore.Log(ctx, audit.Entry{
			Event:          audit.EventCredentialDenied,
			Policy:         result.PolicyName,
			AgentID:        req.AgentID,
			SkillID:        req.SkillID,
			CredentialName: req.Credential,
			Details:        result.Reason,
		}); err != nil {
			w.log.Warnf("failed to log credential_denied: %v", err)
		}
		return &RequestResult{Status: StatusDenied, Reason: result.Reason}, nil

	case policy.DecisionRequireApproval:
		if _, err := w.AuditStore.Log(ctx, audit.Entry{
			Event:          audit.EventApprovalRequired,
			Policy:         result.PolicyName,
			AgentID:        req.AgentID,
			SkillID:        req.SkillID,
			CredentialName: req.Credential,
			Details:        result.Reason,
		}); err != nil {
			w.log.Warnf("failed to log approval_required: %v", err)
		}
		return &RequestResult{Status: StatusRequireApproval, Reason: result.Reason, Policy: result.PolicyName}, nil

	case policy.DecisionAllow:
		cred, err := w.Vault.Get(ctx, req.Credential)
		if err != nil {
			return &RequestResult{Status: StatusError, Reason: fmt.Sprintf("credential %q is not available", req.Credential)}, nil
		}

		pol := w.Loader.Get(result.PolicyName)
		ttl := policy.DefaultTTL
		if pol != nil && pol.TTL > 0 {
			ttl = pol.TTL
		}

		token := w.Tokens.Issue(tokenstore.IssueParams{
			CredentialName:  req.Credential,
			CredentialValue: cred.Value,
			PolicyName:      result.PolicyName,
			AgentID:         req.AgentID,
			SkillID:         req.SkillID,
			Scope:           result.Scope,
			TTLSeconds:      ttl,
		})

		if _, err := w.AuditStore.Log(ctx, audit.Entry{
			Event:          audit.EventCredentialGranted,
			Policy:         result.PolicyName,
			AgentID:        req.AgentID,
			SkillID:        req.SkillID,
			CredentialName: req.Credential,
			TokenID:        token.TokenID,
			Scope:          marshalOrEmpty(result.Scope),
		}); err != nil {
			w.log.Warnf("failed to log credential_granted: %v", err)
		}

		return &RequestResult{
			Status:          StatusGranted,
			TokenID:         token.TokenID,
			CredentialValue: token.CredentialValue,
			ExpiresAt:       time.UnixMilli(token.ExpiresAt).UTC().Format("2006-01-02T15:04:05.000Z"),
			Scope:           token.Scope,
		}, nil

	default:
		return &RequestResult{Status: StatusError, Reason: "unrecognized policy decision"}, nil
	}
}

// ListAvailablePolicies returns the safe projection of list_for_agent.
func (w *Wallet) ListAvailablePolicies(agentID string, skillID string) []PolicySummary {
	candidates := w.Loader.ListForAgent(agentID, skillID)
	out := make([]PolicySummary, 0, len(candidates))
	for _, p := range candidates {
		out = append(out, PolicySummary{
			Name:        p.Name,
			Description: p.Description,
			Credential:  p.Credential,
			Actions:     p.Actions,
			Budget:      p.Budget,
			TTL:         p.TTL,
		})
	}
	return out
}

// CheckBudget resolves a policy for credentialName (by name if given,
// otherwise the first document-order policy for that credential) and
// reports its monthly budget status reconstructed from the audit log.
func (w *Wallet) CheckBudget(ctx context.Context, credentialName string, policyName string) (*BudgetResult, error) {
	var pol *policy.Policy
	if policyName != "" {
		pol = w.Loader.Get(policyName)
	} else {
		for _, p := range w.Loader.List() {
			if p.Credential == credentialName {
				match := p
				pol = &match
				break
			}
		}
	}
	if pol == nil {
		return &BudgetResult{Error: fmt.Sprintf("no policy found for credential '%s'", credentialName)}, nil
	}

	if pol.Budget == nil || pol.Budget.MaxPerMonth == nil {
		return &BudgetResult{Budget: "unlimited", Policy: pol.Name, Credential: credentialName}, nil
	}

	spent, err := w.AuditStore.MonthlySpending(ctx, credentialName, "")
	if err != nil {
		return nil, fmt.Errorf("wallet: check_budget: %w", err)
	}

	remaining := *pol.Budget.MaxPerMonth - spent
	if remaining < 0 {
		remaining = 0
	}

	currency := pol.Budget.Currency
	if currency == "" {
		currency = "USD"
	}

	maxPerTransaction := 0.0
	if pol.Budget.MaxPerTransaction != nil {
		maxPerTransaction = *pol.Budget.MaxPerTransaction
	}

	return &BudgetResult{
		Policy:            pol.Name,
		Credential:        credentialName,
		MaxPerMonth:       *pol.Budget.MaxPerMonth,
		SpentThisMonth:    spent,
		Remaining:         remaining,
		Currency:          currency,
		MaxPerTransaction: maxPerTransaction,
	}, nil
}

// ReportUsage looks up tokenID, marks it used, and logs credential_used
// with a details payload combining amount/currency/details.
func (w *Wallet) ReportUsage(ctx context.Context, tokenID string, amount *float64, currency string, outcome string, details string) (*UsageResult, error) {
	token, ok := w.Tokens.Get(tokenID)
	if !ok {
		return &UsageResult{Status: StatusError}, nil
	}

	w.Tokens.MarkUsed(tokenID)

	entryDetails := details
	if amount != nil {
		cur := currency
		if cur == "" {
			cur = "USD"
		}
		payload := map[string]interface{}{"amount": *amount, "currency": cur}
		if details != "" {
			payload["details"] = details
		}
		entryDetails = marshalOrEmpty(payload)
	}

	if _, err := w.AuditStore.Log(ctx, audit.Entry{
		Event:          audit.EventCredentialUsed,
		Policy:         token.PolicyName,
		AgentID:        token.AgentID,
		SkillID:        token.SkillID,
		TokenID:        token.TokenID,
		CredentialName: token.CredentialName,
		Outcome:        outcome,
		Details:        entryDetails,
	}); err != nil {
		return nil, fmt.Errorf("wallet: report_usage: log: %w", err)
	}

	return &UsageResult{Status: StatusRecorded, TokenID: tokenID}, nil
}
