package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is an alternative Store backend for hosts that
// centralize audit data outside the local sqlite file. It implements
// the same append-only, hash-chained contract as SQLiteStore.
type PostgresStore struct {
	db   *sql.DB
	mu   sync.Mutex
	last string
}

// NewPostgresStore opens a connection to dsn and ensures the audit_log
// table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
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

// NewPostgresStoreFromDB wraps an already-open *sql.DB, used by tests
// that inject a go-sqlmock connection.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.loadLastHash(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
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
		)`)
	if err != nil {
		return fmt.Errorf("audit: migrate postgres schema: %w", err)
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_log_event ON audit_log(event)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_log_agent_id ON audit_log(agent_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_log_policy ON audit_log(policy)`)
	return nil
}

func (s *PostgresStore) loadLastHash() error {
	row := s.db.QueryRow(`SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`)
	var hash sql.NullString
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("audit: load last postgres hash: %w", err)
	}
	s.last = hash.String
	return nil
}

// Log appends e, mirroring SQLiteStore.Log.
func (s *PostgresStore) Log(ctx context.Context, e Entry) (int64, error) {
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

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (
			timestamp, event, policy, agent_id, skill_id, purpose, token_id,
			credential_name, scope, context, outcome, approval, details,
			previous_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		e.Timestamp, string(e.Event), e.Policy, e.AgentID, e.SkillID, e.Purpose, e.TokenID,
		e.CredentialName, e.Scope, e.Context, e.Outcome, e.Approval, e.Details,
		e.PreviousHash, e.Hash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit: insert postgres entry: %w", err)
	}
	s.last = e.Hash
	return id, nil
}

// Query mirrors SQLiteStore.Query against the postgres placeholder style.
func (s *PostgresStore) Query(ctx context.Context, f Filters) ([]Entry, error) {
	var (
		clauses []string
		args    []interface{}
		n       int
	)
	next := func() int { n++; return n }
	if f.Event != "" {
		clauses = append(clauses, fmt.Sprintf("event = $%d", next()))
		args = append(args, f.Event)
	}
	if f.Policy != "" {
		clauses = append(clauses, fmt.Sprintf("policy = $%d", next()))
		args = append(args, f.Policy)
	}
	if f.AgentID != "" {
		clauses = append(clauses, fmt.Sprintf("agent_id = $%d", next()))
		args = append(args, f.AgentID)
	}
	if f.Since != "" {
		clauses = append(clauses, fmt.Sprintf("timestamp >= $%d", next()))
		args = append(args, f.Since)
	}

	query := "SELECT id, timestamp, event, policy, agent_id, skill_id, purpose, token_id, credential_name, scope, context, outcome, approval, details, previous_hash, hash FROM audit_log"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", next())
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: postgres query: %w", err)
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

// MonthlySpending mirrors SQLiteStore.MonthlySpending.
func (s *PostgresStore) MonthlySpending(ctx context.Context, credentialName string, month string) (float64, error) {
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT details FROM audit_log
		WHERE event = $1 AND credential_name = $2 AND timestamp LIKE $3`,
		string(EventCredentialUsed), credentialName, month+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("audit: postgres monthly spending: %w", err)
	}
	defer rows.Close()

	var total float64
	for rows.Next() {
		var details sql.NullString
		if err := rows.Scan(&details); err != nil {
			return 0, fmt.Errorf("audit: scan postgres details: %w", err)
		}
		total += extractAmount(details.String)
	}
	return total, rows.Err()
}

// VerifyChain mirrors SQLiteStore.VerifyChain.
func (s *PostgresStore) VerifyChain(ctx context.Context) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, event, policy, agent_id, skill_id, purpose, token_id, credential_name, scope, context, outcome, approval, details, previous_hash, hash FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return false, fmt.Errorf("audit: postgres verify chain: %w", err)
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
