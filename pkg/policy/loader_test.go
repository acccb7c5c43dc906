package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePolicyYAML = `
version: "1"
policies:
  - name: stripe-charge
    credential: stripe-key
    grant_to:
      agent_id: test-agent
    actions:
      - charge
    budget:
      max_per_transaction: 100
      max_per_month: 500
      currency: USD
    approval_threshold: 75
    ttl: 60
`

func TestLoadFromTextParsesDocument(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.LoadFromText(samplePolicyYAML))

	p := l.Get("stripe-charge")
	require.NotNil(t, p)
	require.Equal(t, "stripe-key", p.Credential)
	require.Equal(t, 60, p.TTL)
	require.Equal(t, []string{"charge"}, p.Actions)
}

func TestLoadFromTextRejectsUnknownTopLevelKey(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromText(`
version: "1"
policies: []
unexpected_key: true
`)
	require.Error(t, err)
}

func TestLoadFromTextRejectsUnknownPolicyKey(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromText(`
version: "1"
policies:
  - name: p1
    credential: c1
    grant_to:
      agent_id: "*"
    not_a_real_field: 1
`)
	require.Error(t, err)
}

func TestLoadFromTextRejectsUnsupportedVersion(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromText(`
version: "2"
policies: []
`)
	require.Error(t, err)
}

func TestLoadFromTextRejectsMissingName(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromText(`
version: "1"
policies:
  - credential: c1
    grant_to:
      agent_id: "*"
`)
	require.Error(t, err)
}

func TestLoadFromTextRejectsMissingGrantTo(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromText(`
version: "1"
policies:
  - name: p1
    credential: c1
`)
	require.Error(t, err)
}

func TestLoadFromTextRejectsNonPositiveBudget(t *testing.T) {
	l := NewLoader()
	err := l.LoadFromText(`
version: "1"
policies:
  - name: p1
    credential: c1
    grant_to:
      agent_id: "*"
    budget:
      max_per_transaction: -5
`)
	require.Error(t, err)
}

func TestLoadFromTextDefaultsTTL(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.LoadFromText(`
version: "1"
policies:
  - name: p1
    credential: c1
    grant_to:
      agent_id: "*"
`))
	require.Equal(t, DefaultTTL, l.Get("p1").TTL)
}

func TestLoadFromValueRoundTripsSamePoliciesInOrder(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.LoadFromText(samplePolicyYAML))
	original := l.List()

	value := map[string]interface{}{
		"version": "1",
		"policies": []interface{}{
			map[string]interface{}{
				"name":       "a",
				"credential": "cred-a",
				"grant_to":   map[string]interface{}{"agent_id": "*"},
			},
			map[string]interface{}{
				"name":       "b",
				"credential": "cred-b",
				"grant_to":   map[string]interface{}{"agent_id": "*"},
			},
		},
	}
	l2 := NewLoader()
	require.NoError(t, l2.LoadFromValue(value))
	got := l2.List()
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Name)
	require.Equal(t, "b", got[1].Name)
	_ = original
}

func TestListForAgentAppliesDenyList(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.LoadFromText(`
version: "1"
policies:
  - name: p1
    credential: c1
    grant_to:
      agent_id: "*"
    deny:
      - bad-agent
`))
	got := l.ListForAgent("bad-agent", "")
	require.Empty(t, got)

	got = l.ListForAgent("good-agent", "")
	require.Len(t, got, 1)
}

func TestListForAgentSkillScoping(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.LoadFromText(`
version: "1"
policies:
  - name: p1
    credential: c1
    grant_to:
      agent_id: "*"
      skill_id: allowed-skill
`))
	// No skill_id in the request bypasses skill scoping entirely.
	require.Len(t, l.ListForAgent("any-agent", ""), 1)
	require.Len(t, l.ListForAgent("any-agent", "allowed-skill"), 1)
	require.Empty(t, l.ListForAgent("any-agent", "other-skill"))
}
