// Package vault implements the encrypted-at-rest credential store
// (C2): a persistent, passphrase-gated key-value store of named
// credentials backed by an embedded relational database.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/checkout/credential-wallet/core/pkg/walletcrypto"
)

// Kind is the closed set of credential kinds.
type Kind string

const (
	KindAPIKey       Kind = "api_key"
	KindPaymentToken Kind = "payment_token"
	KindOAuthToken   Kind = "oauth_token"
	KindSecret       Kind = "secret"
	KindCertificate  Kind = "certificate"
)

const schemaVersion = "1"

// Sentinel errors for vault-state violations and lookups, matching the
// error kinds named in the wallet's error handling design.
var (
	ErrVaultLocked        = errors.New("vault: locked")
	ErrNotInitialized     = errors.New("vault: not initialized")
	ErrAlreadyInitialized = errors.New("vault: already initialized")
	ErrNotFound           = errors.New("vault: not found")
	ErrValidation         = errors.New("vault: validation failed")
)

// Credential is a decrypted vault record, only ever returned by Get.
type Credential struct {
	ID          string
	Name        string
	Kind        Kind
	Value       string
	Metadata    map[string]string
	RotationGen int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Summary is the non-secret projection of a Credential returned by
// List; it never carries the plaintext value.
type Summary struct {
	ID          string
	Name        string
	Kind        Kind
	Metadata    map[string]string
	RotationGen int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Vault is single-threaded from the core's perspective: the mutex here
// only protects the in-memory key pointer against accidental concurrent
// Close/Unlock calls, not against concurrent use of the store itself.
type Vault struct {
	db  *sql.DB
	mu  sync.Mutex
	key []byte // nil while locked
}

// Open connects to the vault database at path, creating its schema if
// absent. The vault remains locked until Initialize or Unlock succeeds.
func Open(path string) (*Vault, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open database: %w", err)
	}
	v := &Vault{db: db}
	if err := v.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) migrate() error {
	_, err := v.db.Exec(`
		CREATE TABLE IF NOT EXISTS wallet_meta (
			key TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			type TEXT NOT NULL,
			encrypted_data BLOB NOT NULL,
			iv BLOB NOT NULL,
			auth_tag BLOB NOT NULL,
			metadata TEXT,
			rotation_gen INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("vault: migrate schema: %w", err)
	}
	return nil
}

func (v *Vault) metaGet(ctx context.Context, key string) (string, bool, error) {
	row := v.db.QueryRowContext(ctx, `SELECT value FROM wallet_meta WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("vault: read meta %q: %w", key, err)
	}
	return value, true, nil
}

// Initialize generates a fresh salt, derives the vault key from
// passphrase, and writes the salt plus schema version. It fails with
// ErrAlreadyInitialized if a salt row already exists.
func (v *Vault) Initialize(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, exists, err := v.metaGet(ctx, "salt")
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyInitialized
	}

	salt, err := walletcrypto.NewSalt()
	if err != nil {
		return fmt.Errorf("vault: initialize: %w", err)
	}
	key, err := walletcrypto.DeriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("vault: initialize: %w", err)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: initialize: begin tx: %w", err)
	}
	defer tx.Rollback()

	encodedSalt := encodeB64(salt)
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_meta (key, value) VALUES (?, ?)`, "salt", encodedSalt); err != nil {
		return fmt.Errorf("vault: initialize: write salt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_meta (key, value) VALUES (?, ?)`, "schema_version", schemaVersion); err != nil {
		return fmt.Errorf("vault: initialize: write schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: initialize: commit: %w", err)
	}

	v.key = key
	return nil
}

// Unlock derives the vault key from passphrase without verifying it;
// verification is implicit in the first successful Get. It fails with
// ErrNotInitialized when no salt is present.
func (v *Vault) Unlock(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	encodedSalt, exists, err := v.metaGet(ctx, "salt")
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotInitialized
	}

	salt, err := decodeB64(encodedSalt)
	if err != nil {
		return fmt.Errorf("vault: unlock: decode salt: %w", err)
	}
	key, err := walletcrypto.DeriveKey(passphrase, salt)
	if err != nil {
		return fmt.Errorf("vault: unlock: %w", err)
	}

	v.key = key
	return nil
}

func (v *Vault) requireUnlocked() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, ErrVaultLocked
	}
	return v.key, nil
}

// Add encrypts value under the vault key and stores a new credential
// record, returning its opaque id. Fails with ErrValidation if name is
// already in use.
func (v *Vault) Add(ctx context.Context, name string, kind Kind, value string, metadata map[string]string) (string, error) {
	key, err := v.requireUnlocked()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: name must not be empty", ErrValidation)
	}

	sealed, err := walletcrypto.Seal(key, []byte(value))
	if err != nil {
		return "", fmt.Errorf("vault: add: %w", err)
	}
	encryptedData, authTag := splitTag(sealed.Ciphertext)

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("vault: add: encode metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO credentials (id, name, type, encrypted_data, iv, auth_tag, metadata, rotation_gen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, name, string(kind), encryptedData, sealed.Nonce, authTag, string(metadataJSON), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: credential %q already exists", ErrValidation, name)
		}
		return "", fmt.Errorf("vault: add: insert: %w", err)
	}
	return id, nil
}

// Get decrypts and returns the named credential, or ErrNotFound.
func (v *Vault) Get(ctx context.Context, name string) (*Credential, error) {
	key, err := v.requireUnlocked()
	if err != nil {
		return nil, err
	}

	row := v.db.QueryRowContext(ctx, `
		SELECT id, name, type, encrypted_data, iv, auth_tag, metadata, rotation_gen, created_at, updated_at
		FROM credentials WHERE name = ?`, name)

	var (
		id, dbName, kind, metadataJSON, createdAt, updatedAt string
		encryptedData, iv, authTag                           []byte
		rotationGen                                          int
	)
	if err := row.Scan(&id, &dbName, &kind, &encryptedData, &iv, &authTag, &metadataJSON, &rotationGen, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("vault: get: %w", err)
	}

	plaintext, err := walletcrypto.Open(key, &walletcrypto.Sealed{
		Ciphertext: joinTag(encryptedData, authTag),
		Nonce:      iv,
	})
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("vault: get: decode metadata: %w", err)
		}
	}

	created, _ := time.Parse(time.RFC3339, createdAt)
	updated, _ := time.Parse(time.RFC3339, updatedAt)

	return &Credential{
		ID:          id,
		Name:        dbName,
		Kind:        Kind(kind),
		Value:       string(plaintext),
		Metadata:    metadata,
		RotationGen: rotationGen,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

// List returns every credential's non-secret attributes. It never
// reveals plaintext values.
func (v *Vault) List(ctx context.Context) ([]Summary, error) {
	if _, err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT id, name, type, metadata, rotation_gen, created_at, updated_at FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			id, name, kind, metadataJSON, createdAt, updatedAt string
			rotationGen                                        int
		)
		if err := rows.Scan(&id, &name, &kind, &metadataJSON, &rotationGen, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("vault: list: scan: %w", err)
		}
		var metadata map[string]string
		if metadataJSON != "" {
			_ = json.Unmarshal([]byte(metadataJSON), &metadata)
		}
		created, _ := time.Parse(time.RFC3339, createdAt)
		updated, _ := time.Parse(time.RFC3339, updatedAt)
		out = append(out, Summary{
			ID: id, Name: name, Kind: Kind(kind), Metadata: metadata,
			RotationGen: rotationGen, CreatedAt: created, UpdatedAt: updated,
		})
	}
	return out, rows.Err()
}

// Remove deletes the named credential. It returns false, not an error,
// when no row matched.
func (v *Vault) Remove(ctx context.Context, name string) (bool, error) {
	if _, err := v.requireUnlocked(); err != nil {
		return false, err
	}
	res, err := v.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("vault: remove: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("vault: remove: %w", err)
	}
	return affected > 0, nil
}

// Rotate re-encrypts name's value in place under the current vault key
// and bumps its rotation generation counter. It is a lifecycle
// extension of "updated only by explicit replacement" — the record
// identity and name are unchanged.
func (v *Vault) Rotate(ctx context.Context, name string, newValue string) error {
	key, err := v.requireUnlocked()
	if err != nil {
		return err
	}

	sealed, err := walletcrypto.Seal(key, []byte(newValue))
	if err != nil {
		return fmt.Errorf("vault: rotate: %w", err)
	}
	encryptedData, authTag := splitTag(sealed.Ciphertext)
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := v.db.ExecContext(ctx, `
		UPDATE credentials
		SET encrypted_data = ?, iv = ?, auth_tag = ?, rotation_gen = rotation_gen + 1, updated_at = ?
		WHERE name = ?`,
		encryptedData, sealed.Nonce, authTag, now, name,
	)
	if err != nil {
		return fmt.Errorf("vault: rotate: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: rotate: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close zeroes the in-memory key and releases the database handle. The
// key must never be serialized, logged, or exposed after this point.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.key != nil {
		walletcrypto.Zero(v.key)
		v.key = nil
	}
	v.mu.Unlock()
	return v.db.Close()
}

func splitTag(sealedCiphertext []byte) (data []byte, tag []byte) {
	const tagLen = 16
	if len(sealedCiphertext) < tagLen {
		return sealedCiphertext, nil
	}
	split := len(sealedCiphertext) - tagLen
	return sealedCiphertext[:split], sealedCiphertext[split:]
}

func joinTag(data []byte, tag []byte) []byte {
	out := make([]byte, 0, len(data)+len(tag))
	out = append(out, data...)
	out = append(out, tag...)
	return out
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
