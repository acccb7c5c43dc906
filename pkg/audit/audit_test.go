package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLogAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Log(ctx, Entry{Event: EventVaultUnlocked})
	require.NoError(t, err)
	id2, err := s.Log(ctx, Entry{Event: EventVaultUnlocked})
	require.NoError(t, err)
	require.Greater(t, id2, id1)
}

func TestLogDefaultsTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Log(ctx, Entry{Event: EventVaultUnlocked})
	require.NoError(t, err)

	entries, err := s.Query(ctx, Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].Timestamp)
	require.Contains(t, entries[0].Timestamp, "Z")
}

func TestQueryIsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Log(ctx, Entry{Event: EventCredentialRequested, AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = s.Log(ctx, Entry{Event: EventCredentialGranted, AgentID: "agent-1"})
	require.NoError(t, err)

	entries, err := s.Query(ctx, Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, EventCredentialGranted, entries[0].Event)
	require.Equal(t, EventCredentialRequested, entries[1].Event)
}

func TestQueryFiltersByEventPolicyAgentAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Log(ctx, Entry{Event: EventCredentialGranted, AgentID: "agent-1", Policy: "p1", Timestamp: "2026-01-01T00:00:00.000Z"})
	require.NoError(t, err)
	_, err = s.Log(ctx, Entry{Event: EventCredentialDenied, AgentID: "agent-2", Policy: "p2", Timestamp: "2026-02-01T00:00:00.000Z"})
	require.NoError(t, err)

	byEvent, err := s.Query(ctx, Filters{Event: string(EventCredentialGranted)})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)

	byPolicy, err := s.Query(ctx, Filters{Policy: "p2"})
	require.NoError(t, err)
	require.Len(t, byPolicy, 1)
	require.Equal(t, "agent-2", byPolicy[0].AgentID)

	bySince, err := s.Query(ctx, Filters{Since: "2026-01-15T00:00:00.000Z"})
	require.NoError(t, err)
	require.Len(t, bySince, 1)
	require.Equal(t, EventCredentialDenied, bySince[0].Event)

	limited, err := s.Query(ctx, Filters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestMonthlySpendingSumsCredentialUsedAmounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{Event: EventCredentialUsed, CredentialName: "stripe-key", Timestamp: "2026-07-05T00:00:00.000Z", Details: `{"amount": 100, "currency": "USD"}`},
		{Event: EventCredentialUsed, CredentialName: "stripe-key", Timestamp: "2026-07-15T00:00:00.000Z", Details: `{"amount": 860, "currency": "USD"}`},
		// Different month — excluded.
		{Event: EventCredentialUsed, CredentialName: "stripe-key", Timestamp: "2026-06-15T00:00:00.000Z", Details: `{"amount": 1000}`},
		// Different credential — excluded.
		{Event: EventCredentialUsed, CredentialName: "other-key", Timestamp: "2026-07-20T00:00:00.000Z", Details: `{"amount": 50}`},
		// Unparseable details — skipped, not an error.
		{Event: EventCredentialUsed, CredentialName: "stripe-key", Timestamp: "2026-07-21T00:00:00.000Z", Details: "not json"},
	}
	for _, e := range entries {
		_, err := s.Log(ctx, e)
		require.NoError(t, err)
	}

	spent, err := s.MonthlySpending(ctx, "stripe-key", "2026-07")
	require.NoError(t, err)
	require.Equal(t, 960.0, spent)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Log(ctx, Entry{Event: EventVaultUnlocked})
	require.NoError(t, err)
	_, err = s.Log(ctx, Entry{Event: EventCredentialAdded, CredentialName: "stripe-key"})
	require.NoError(t, err)

	ok, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.db.ExecContext(ctx, `UPDATE audit_log SET agent_id = 'tampered' WHERE id = 1`)
	require.NoError(t, err)

	ok, err = s.VerifyChain(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogQueryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Log(ctx, Entry{Event: EventCredentialGranted, AgentID: "agent-1", Policy: "p1", TokenID: "tok-1"})
	require.NoError(t, err)

	entries, err := s.Query(ctx, Filters{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.Equal(t, "agent-1", entries[0].AgentID)
	require.Equal(t, "p1", entries[0].Policy)
	require.Equal(t, "tok-1", entries[0].TokenID)
}
