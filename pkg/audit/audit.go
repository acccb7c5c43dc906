// Package audit implements the append-only, tamper-evident audit log
// (C5): every request, grant, denial, and use is recorded here, and
// monthly spending is reconstructed from it rather than tracked as a
// separate counter.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/checkout/credential-wallet/core/pkg/canonicalize"
)

// Event names the closed set of audit event kinds.
type Event string

const (
	EventCredentialRequested Event = "credential_requested"
	EventCredentialGranted   Event = "credential_granted"
	EventCredentialDenied    Event = "credential_denied"
	EventCredentialUsed      Event = "credential_used"
	EventApprovalRequired    Event = "approval_required"
	EventTokenExpired        Event = "token_expired"
	EventVaultUnlocked       Event = "vault_unlocked"
	EventVaultLocked         Event = "vault_locked"
	EventCredentialAdded     Event = "credential_added"
	EventCredentialRemoved   Event = "credential_removed"
	EventCredentialRotated   Event = "credential_rotated"
)

// Entry is one row of the audit log. Timestamp is ISO-8601 UTC with a
// "Z" suffix. Scope and Context are serialized as JSON text; Details is
// free-form text that may itself carry a JSON object with an "amount"
// field.
type Entry struct {
	ID             int64  `json:"id"`
	Timestamp      string `json:"timestamp"`
	Event          Event  `json:"event"`
	Policy         string `json:"policy,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	SkillID        string `json:"skill_id,omitempty"`
	Purpose        string `json:"purpose,omitempty"`
	TokenID        string `json:"token_id,omitempty"`
	CredentialName string `json:"credential_name,omitempty"`
	Scope          string `json:"scope,omitempty"`
	Context        string `json:"context,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	Approval       string `json:"approval,omitempty"`
	Details        string `json:"details,omitempty"`
	PreviousHash   string `json:"previous_hash,omitempty"`
	Hash           string `json:"hash,omitempty"`
}

// Filters narrows a Query call. Zero values mean "no filter on this
// field".
type Filters struct {
	Event   string
	Policy  string
	AgentID string
	Since   string // ISO timestamp, inclusive lexicographic >=
	Limit   int
}

// Store is the append-only audit log contract. Implementations must
// never update or delete a row once written.
type Store interface {
	Log(ctx context.Context, e Entry) (int64, error)
	Query(ctx context.Context, f Filters) ([]Entry, error)
	MonthlySpending(ctx context.Context, credentialName string, month string) (float64, error)
	VerifyChain(ctx context.Context) (bool, error)
	Close() error
}

// SQLiteStore is the default Store backend: a single embedded table
// with a SHA-256 hash chain over each row's canonicalized fields,
// following the same migrate-on-construct and parameterized-query shape
// used elsewhere in this codebase's sqlite-backed stores.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	last string // hash of the most recently written entry, cached to avoid a read on every Log
}

// NewSQLiteStore opens (or creates) the audit database at path and
// ensures its schema exists. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	// WAL journaling so an in-flight reader sees a consistent snapshot
	// while the append path keeps writing.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadLastHash(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			event TEXT NOT NULL,
			policy TEXT,
			agent_id TEXT,
			skill_id TEXT,
			purpose TEXT,
			token_id TEXT,
			credential_name TEXT,
			scope TEXT,
			context TEXT,
			outcome TEXT,
			approval TEXT,
			details TEXT,
			previous_hash TEXT,
			hash TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_agent_id ON audit_log(agent_id);
		CREATE INDEX IF NOT EXISTS idx_audit_policy ON audit_log(policy);
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadLastHash() error {
	row := s.db.QueryRow(`SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("audit: load last hash: %w", err)
	}
	s.last = hash
	return nil
}

func computeHash(previousHash string, e Entry) (string, error) {
	material := map[string]interface{}{
		"previous_hash":   previousHash,
		"timestamp":       e.Timestamp,
		"event":           e.Event,
		"policy":          e.Policy,
		"agent_id":        e.AgentID,
		"skill_id":        e.SkillID,
		"purpose":         e.Purpose,
		"token_id":        e.TokenID,
		"credential_name": e.CredentialName,
		"scope":           e.Scope,
		"context":         e.Context,
		"outcome":         e.Outcome,
		"approval":        e.Approval,
		"details":         e.Details,
	}
	return canonicalize.CanonicalHash(material)
}

// Log appends e, assigning it a strictly increasing id and, if omitted,
// a timestamp of now. Rows are never updated or deleted.
func (s *SQLiteStore) Log(ctx context.Context, e Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	e.PreviousHash = s.last
	hash, err := computeHash(e.PreviousHash, e)
	if err != nil {
		return 0, fmt.Errorf("audit: compute hash: %w", err)
	}
	e.Hash = hash

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			timestamp, event, policy, agent_id, skill_id, purpose, token_id,
			credential_name, scope, context, outcome, approval, details,
			previous_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, string(e.Event), e.Policy, e.AgentID, e.SkillID, e.Purpose, e.TokenID,
		e.CredentialName, e.Scope, e.Context, e.Outcome, e.Approval, e.Details,
		e.PreviousHash, e.Hash,
	)
	if err != nil {
		return 0, fmt.Errorf("audit: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit: read last insert id: %w", err)
	}
	s.last = e.Hash
	return id, nil
}

// Query returns entries matching f, newest-first by id.
func (s *SQLiteStore) Query(ctx context.Context, f Filters) ([]Entry, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.Event != "" {
		clauses = append(clauses, "event = ?")
		args = append(args, f.Event)
	}
	if f.Policy != "" {
		clauses = append(clauses, "policy = ?")
		args = append(args, f.Policy)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Since != "" {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}

	query := "SELECT id, timestamp, event, policy, agent_id, skill_id, purpose, token_id, credential_name, scope, context, outcome, approval, details, previous_hash, hash FROM audit_log"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var policy, agentID, skillID, purpose, tokenID, credentialName, scope, ctx, outcome, approval, details sql.NullString
	err := r.Scan(&e.ID, &e.Timestamp, &e.Event, &policy, &agentID, &skillID, &purpose, &tokenID,
		&credentialName, &scope, &ctx, &outcome, &approval, &details, &e.PreviousHash, &e.Hash)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: scan row: %w", err)
	}
	e.Policy = policy.String
	e.AgentID = agentID.String
	e.SkillID = skillID.String
	e.Purpose = purpose.String
	e.TokenID = tokenID.String
	e.CredentialName = credentialName.String
	e.Scope = scope.String
	e.Context = ctx.String
	e.Outcome = outcome.String
	e.Approval = approval.String
	e.Details = details.String
	return e, nil
}

// MonthlySpending sums the "amount" field of Details across
// credential_used entries for credentialName whose timestamp starts
// with the given ISO month prefix ("YYYY-MM"); an empty month defaults
// to the current UTC month. This is a textual prefix match, not a
// parsed date window — sufficient because every timestamp is written
// in the same canonical form. Non-numeric or unparseable details are
// silently skipped.
func (s *SQLiteStore) MonthlySpending(ctx context.Context, credentialName string, month string) (float64, error) {
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT details FROM audit_log
		WHERE event = ? AND credential_name = ? AND timestamp LIKE ?`,
		string(EventCredentialUsed), credentialName, month+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("audit: monthly spending query: %w", err)
	}
	defer rows.Close()

	var total float64
	for rows.Next() {
		var details sql.NullString
		if err := rows.Scan(&details); err != nil {
			return 0, fmt.Errorf("audit: scan details: %w", err)
		}
		total += extractAmount(details.String)
	}
	return total, rows.Err()
}

func extractAmount(details string) float64 {
	if details == "" {
		return 0
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(details), &parsed); err != nil {
		return 0
	}
	switch v := parsed["amount"].(type) {
	case float64:
		return v
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f
		}
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// VerifyChain walks every row in insertion order and recomputes each
// entry's hash, confirming that the chain links to the previous row's
// stored hash and that no row was edited or deleted out of band.
func (s *SQLiteStore) VerifyChain(ctx context.Context) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, event, policy, agent_id, skill_id, purpose, token_id, credential_name, scope, context, outcome, approval, details, previous_hash, hash FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return false, fmt.Errorf("audit: verify chain query: %w", err)
	}
	defer rows.Close()

	expectedPrevious := ""
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return false, err
		}
		if e.PreviousHash != expectedPrevious {
			return false, nil
		}
		hash, err := computeHash(e.PreviousHash, e)
		if err != nil {
			return false, err
		}
		if hash != e.Hash {
			return false, nil
		}
		expectedPrevious = e.Hash
	}
	return true, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
