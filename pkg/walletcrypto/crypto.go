// Package walletcrypto implements the vault's cryptographic primitives:
// salt generation, passphrase-to-key derivation, and authenticated
// symmetric encryption of credential values.
package walletcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltLen is the size, in bytes, of a freshly generated vault salt.
	SaltLen = 32

	// KeyLen is the size, in bytes, of the derived AES-256 key.
	KeyLen = 32

	// NonceLen is the size, in bytes, of a GCM nonce.
	NonceLen = 12

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB, i.e. 64 MiB
	argonThreads = 1

	// hkdfInfo is the fixed domain-separation string applied after the
	// Argon2id stretch. It must never change: on-disk vaults depend on
	// this exact byte sequence to re-derive their key.
	hkdfInfo = "checkout-wallet-v1"
)

// ErrAuthenticationFailed is returned by Open when the ciphertext fails
// authentication — wrong key, wrong nonce, or tampered bytes. Callers
// must not try to distinguish these causes in user-visible text.
var ErrAuthenticationFailed = errors.New("walletcrypto: authentication failed")

// NewSalt returns SaltLen cryptographically random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("walletcrypto: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches passphrase with Argon2id over salt, then runs the
// result through HKDF-SHA256 (salt = the same vault salt, info =
// hkdfInfo) to produce the 32-byte AES key. The two-stage derivation is
// deliberate domain separation and is preserved bit-exact on purpose —
// changing either stage breaks every vault written under the old one.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, fmt.Errorf("walletcrypto: salt must be %d bytes, got %d", SaltLen, len(salt))
	}

	stretched := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeyLen)

	reader := hkdf.New(sha256.New, stretched, salt, []byte(hkdfInfo))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("walletcrypto: hkdf expand: %w", err)
	}
	return key, nil
}

// Sealed is an encrypted record: ciphertext plus the nonce it was sealed
// with. GCM appends its 16-byte authentication tag to the ciphertext.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// Seal encrypts plaintext under key using AES-256-GCM with a fresh
// random 12-byte nonce.
func Seal(key, plaintext []byte) (*Sealed, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("walletcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceLen)
	if err != nil {
		return nil, fmt.Errorf("walletcrypto: new gcm: %w", err)
	}

	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("walletcrypto: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &Sealed{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Open decrypts a Sealed record under key, returning ErrAuthenticationFailed
// on any tag mismatch, wrong key, or wrong nonce.
func Open(key []byte, s *Sealed) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("walletcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceLen)
	if err != nil {
		return nil, fmt.Errorf("walletcrypto: new gcm: %w", err)
	}
	if len(s.Nonce) != NonceLen {
		return nil, ErrAuthenticationFailed
	}

	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Zero overwrites key in place. Callers hold the only reference to a
// derived key and must call this exactly once, on close.
func Zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
