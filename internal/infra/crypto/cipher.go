// Package crypto seals provider tokens at rest.
//
// The key is derived once with scrypt from a secret and a salt. Every value is
// sealed with AES-256-GCM under a fresh random nonce, and the stored form is
// "hex(ciphertext)|hex(nonce)".
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"golang.org/x/crypto/scrypt"
)

const (
	keyLength = 32
	separator = "|"

	// scrypt cost parameters
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// TokenCipher implements port.TokenCipher.
type TokenCipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewTokenCipher derives the encryption key from secret and salt.
func NewTokenCipher(secret, salt string) (*TokenCipher, error) {
	if secret == "" {
		return nil, errors.New("token encryption secret is empty")
	}
	if salt == "" {
		return nil, errors.New("token encryption salt is empty")
	}

	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &TokenCipher{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plain under a fresh nonce.
func (c *TokenCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	return hex.EncodeToString(sealed) + separator + hex.EncodeToString(nonce), nil
}

// Decrypt opens a value produced by Encrypt. It fails closed on a missing or
// malformed nonce and on any authentication failure.
func (c *TokenCipher) Decrypt(stored string) (string, error) {
	encoded, nonceHex, ok := strings.Cut(stored, separator)
	if !ok || nonceHex == "" {
		return "", &domain.ErrDecryption{Reason: "IV not found"}
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", &domain.ErrDecryption{Reason: "malformed IV", Err: err}
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", &domain.ErrDecryption{Reason: fmt.Sprintf("IV must be %d bytes, got %d", c.aead.NonceSize(), len(nonce))}
	}

	sealed, err := hex.DecodeString(encoded)
	if err != nil {
		return "", &domain.ErrDecryption{Reason: "malformed ciphertext", Err: err}
	}

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &domain.ErrDecryption{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}
