package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrValidation is returned for malformed policy documents; the error
// text names the offending field path.
type ErrValidation struct {
	Path string
	Msg  string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("policy validation: %s: %s", e.Path, e.Msg)
}

// supportedVersionConstraint is the semver constraint the document's version tag
// must satisfy. The document field is a bare integer string like "1",
// which semver.NewVersion coerces to "1.0.0".
const supportedVersionConstraint = ">= 1.0.0, < 2.0.0"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "version": {"type": "string"},
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"},
          "credential": {"type": "string"},
          "grant_to": {"type": "object"},
          "deny": {"type": "array", "items": {"type": "string"}},
          "actions": {"type": "array", "items": {"type": "string"}},
          "budget": {"type": "object"},
          "approval_threshold": {"type": "number"},
          "condition": {"type": "string"},
          "scope": {"type": "object"},
          "ttl": {"type": "integer"}
        },
        "required": ["name", "credential", "grant_to"]
      }
    }
  },
  "required": ["version", "policies"]
}`

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaOnce sync.Once
	compiledSchemaErr  error
)

func schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://checkout.example/wallet/policy-document.schema.json"
		if err := c.AddResource(url, strings.NewReader(documentSchema)); err != nil {
			compiledSchemaErr = fmt.Errorf("policy: load schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(url)
	})
	return compiledSchema, compiledSchemaErr
}

// Loader parses and validates policy documents and indexes them by
// name for lookup.
type Loader struct {
	doc      *Document
	byName   map[string]*Policy
}

// NewLoader returns an empty loader with no document yet loaded.
func NewLoader() *Loader {
	return &Loader{byName: make(map[string]*Policy)}
}

// LoadFromText parses and validates a YAML-family policy document.
func (l *Loader) LoadFromText(text string) error {
	var generic interface{}
	if err := yaml.Unmarshal([]byte(text), &generic); err != nil {
		return &ErrValidation{Path: "$", Msg: err.Error()}
	}

	if err := validateAgainstSchema(generic); err != nil {
		return err
	}

	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return &ErrValidation{Path: "$", Msg: err.Error()}
	}

	if err := validateDocument(&doc); err != nil {
		return err
	}

	l.install(&doc)
	return nil
}

// LoadFromValue accepts an already-parsed document (e.g. decoded
// upstream from JSON or YAML) and applies the same validation as
// LoadFromText by round-tripping it through YAML's strict decoder.
func (l *Loader) LoadFromValue(v interface{}) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return &ErrValidation{Path: "$", Msg: err.Error()}
	}
	return l.LoadFromText(string(raw))
}

func validateAgainstSchema(v interface{}) error {
	s, err := schema()
	if err != nil {
		return err
	}
	// jsonschema validates generic JSON-shaped values; round-trip through
	// encoding/json to normalize YAML's decoded types (e.g. map keys).
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return &ErrValidation{Path: "$", Msg: err.Error()}
	}
	var asJSON interface{}
	if err := json.Unmarshal(jsonBytes, &asJSON); err != nil {
		return &ErrValidation{Path: "$", Msg: err.Error()}
	}
	if err := s.Validate(asJSON); err != nil {
		return &ErrValidation{Path: "$", Msg: err.Error()}
	}
	return nil
}

func validateDocument(doc *Document) error {
	if strings.TrimSpace(doc.Version) == "" {
		return &ErrValidation{Path: "version", Msg: "version is required"}
	}
	version, err := semver.NewVersion(doc.Version)
	if err != nil {
		return &ErrValidation{Path: "version", Msg: fmt.Sprintf("not a valid version: %v", err)}
	}
	constraint, err := semver.NewConstraint(supportedVersionConstraint)
	if err != nil {
		return fmt.Errorf("policy: internal: bad version constraint: %w", err)
	}
	if !constraint.Check(version) {
		return &ErrValidation{Path: "version", Msg: fmt.Sprintf("unsupported version %q", doc.Version)}
	}

	seen := make(map[string]bool, len(doc.Policies))
	for i := range doc.Policies {
		p := &doc.Policies[i]
		path := fmt.Sprintf("policies[%d]", i)

		if strings.TrimSpace(p.Name) == "" {
			return &ErrValidation{Path: path + ".name", Msg: "name is required"}
		}
		if seen[p.Name] {
			return &ErrValidation{Path: path + ".name", Msg: fmt.Sprintf("duplicate policy name %q", p.Name)}
		}
		seen[p.Name] = true

		if strings.TrimSpace(p.Credential) == "" {
			return &ErrValidation{Path: path + ".credential", Msg: "credential is required"}
		}
		if p.GrantTo == nil {
			return &ErrValidation{Path: path + ".grant_to", Msg: "grant_to is required"}
		}
		if p.Budget != nil {
			if p.Budget.MaxPerTransaction != nil && *p.Budget.MaxPerTransaction <= 0 {
				return &ErrValidation{Path: path + ".budget.max_per_transaction", Msg: "must be strictly positive"}
			}
			if p.Budget.MaxPerMonth != nil && *p.Budget.MaxPerMonth <= 0 {
				return &ErrValidation{Path: path + ".budget.max_per_month", Msg: "must be strictly positive"}
			}
		}
		if p.ApprovalThreshold != nil && *p.ApprovalThreshold <= 0 {
			return &ErrValidation{Path: path + ".approval_threshold", Msg: "must be strictly positive"}
		}
		if p.TTL == 0 {
			p.TTL = DefaultTTL
		}
		if p.TTL < 0 {
			return &ErrValidation{Path: path + ".ttl", Msg: "must be a positive integer"}
		}
	}
	return nil
}

func (l *Loader) install(doc *Document) {
	l.doc = doc
	l.byName = make(map[string]*Policy, len(doc.Policies))
	for i := range doc.Policies {
		l.byName[doc.Policies[i].Name] = &doc.Policies[i]
	}
}

// Get returns the policy with the given name, or nil.
func (l *Loader) Get(name string) *Policy {
	return l.byName[name]
}

// List returns all policies in document order.
func (l *Loader) List() []Policy {
	if l.doc == nil {
		return nil
	}
	out := make([]Policy, len(l.doc.Policies))
	copy(out, l.doc.Policies)
	return out
}

// ListForAgent applies the conservative pre-filter described in §4.3:
// it narrows candidate policies before the engine makes the binding
// decision, but is not itself an authorization decision.
func (l *Loader) ListForAgent(agentID string, skillID string) []Policy {
	if l.doc == nil {
		return nil
	}
	var out []Policy
	for _, p := range l.doc.Policies {
		if containsString(p.Deny, agentID) {
			continue
		}
		if p.GrantTo != nil && p.GrantTo.AgentID.IsSet() && !p.GrantTo.AgentID.Wildcard && !p.GrantTo.AgentID.Matches(agentID) {
			continue
		}
		if skillID != "" && p.GrantTo != nil && p.GrantTo.SkillID.IsSet() && !p.GrantTo.SkillID.Wildcard && !p.GrantTo.SkillID.Matches(skillID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}
