// Package policy defines the declarative authorization document (the
// policy model), loads and validates it, and evaluates requests against
// it with a CEL-backed condition language.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Selector matches either a literal value, a list of values, or the
// wildcard "*". It is used for grant_to.agent_id and grant_to.skill_id.
type Selector struct {
	Wildcard bool
	Values   []string
	set      bool
}

// IsSet reports whether the field was present in the document at all.
func (s Selector) IsSet() bool { return s.set }

// Matches reports whether v satisfies the selector. An unset selector
// matches everything (the caller is expected to check IsSet first when
// "unset" and "wildcard" need different handling).
func (s Selector) Matches(v string) bool {
	if !s.set || s.Wildcard {
		return true
	}
	for _, candidate := range s.Values {
		if candidate == v {
			return true
		}
	}
	return false
}

// UnmarshalYAML accepts a bare string (including "*"), or a list of
// strings.
func (s *Selector) UnmarshalYAML(value *yaml.Node) error {
	s.set = true
	switch value.Kind {
	case yaml.ScalarNode:
		var str string
		if err := value.Decode(&str); err != nil {
			return err
		}
		if str == "*" {
			s.Wildcard = true
			return nil
		}
		s.Values = []string{str}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		s.Values = list
		return nil
	default:
		return fmt.Errorf("grant_to selector must be a string or list of strings")
	}
}

// GrantTo scopes which agent/skill pairs a policy applies to.
type GrantTo struct {
	AgentID Selector `yaml:"agent_id"`
	SkillID Selector `yaml:"skill_id"`
}

// Budget bounds spending under a policy.
type Budget struct {
	MaxPerTransaction *float64 `yaml:"max_per_transaction"`
	MaxPerMonth       *float64 `yaml:"max_per_month"`
	Currency          string   `yaml:"currency"`
}

// Policy is one declarative authorization rule for a single credential.
type Policy struct {
	Name              string                 `yaml:"name"`
	Description       string                 `yaml:"description"`
	Credential        string                 `yaml:"credential"`
	GrantTo           *GrantTo               `yaml:"grant_to"`
	Deny              []string               `yaml:"deny"`
	Actions           []string               `yaml:"actions"`
	Budget            *Budget                `yaml:"budget"`
	ApprovalThreshold *float64               `yaml:"approval_threshold"`
	Condition         string                 `yaml:"condition"`
	Scope             map[string]interface{} `yaml:"scope"`
	TTL               int                    `yaml:"ttl"`
}

// DefaultTTL is the token lifetime, in seconds, used when a policy
// omits ttl.
const DefaultTTL = 300

// Document is the top-level parsed policy file: a version tag plus an
// ordered list of policies. Document order is preserved and is
// semantically significant — it is the priority order evaluate_first
// consults.
type Document struct {
	Version  string   `yaml:"version"`
	Policies []Policy `yaml:"policies"`
}

// CredentialRequest is the input to the engine.
type CredentialRequest struct {
	Credential string
	AgentID    string
	SkillID    string
	Purpose    string
	Amount     *float64
	Currency   string
	Action     string
	Context    map[string]interface{}
}

// Decision is one of the three outcomes the engine can return.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// EvalResult is the outcome of evaluating one or more policies against
// a request.
type EvalResult struct {
	Decision   Decision
	Reason     string
	PolicyName string
	Scope      map[string]interface{}
}
