package crypto_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/crypto"
)

func newCipher(t *testing.T, secret, salt string) *crypto.TokenCipher {
	t.Helper()
	c, err := crypto.NewTokenCipher(secret, salt)
	if err != nil {
		t.Fatalf("expected cipher, got %v", err)
	}
	return c
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	c := newCipher(t, "secret", "salt")

	sealed, err := c.Encrypt("access-token-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(sealed, "access-token-value") {
		t.Fatal("sealed value leaks plaintext")
	}

	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "access-token-value" {
		t.Errorf("expected round trip, got %q", plain)
	}
}

func TestTokenCipher_NonDeterministic(t *testing.T) {
	c := newCipher(t, "secret", "salt")

	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Fatal("expected distinct ciphertexts for the same plaintext")
	}

	_, nonceA, _ := strings.Cut(a, "|")
	_, nonceB, _ := strings.Cut(b, "|")
	if nonceA == nonceB {
		t.Fatal("expected distinct nonces")
	}
}

func TestTokenCipher_FailsClosed(t *testing.T) {
	c := newCipher(t, "secret", "salt")
	sealed, _ := c.Encrypt("value")
	body, _, _ := strings.Cut(sealed, "|")

	tests := []struct {
		name  string
		input string
	}{
		{"missing IV", body},
		{"empty IV", body + "|"},
		{"non-hex IV", body + "|zz"},
		{"short IV", body + "|abcd"},
		{"tampered body", "00" + sealed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			var decErr *domain.ErrDecryption
			if !errors.As(err, &decErr) {
				t.Fatalf("expected ErrDecryption, got %v", err)
			}
		})
	}
}

func TestTokenCipher_WrongKey(t *testing.T) {
	sealed, _ := newCipher(t, "secret", "salt").Encrypt("value")

	_, err := newCipher(t, "secret", "other-salt").Decrypt(sealed)
	var decErr *domain.ErrDecryption
	if !errors.As(err, &decErr) {
		t.Fatalf("expected ErrDecryption with a different salt, got %v", err)
	}
}

func TestNewTokenCipher_RequiresSecretAndSalt(t *testing.T) {
	if _, err := crypto.NewTokenCipher("", "salt"); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := crypto.NewTokenCipher("secret", ""); err == nil {
		t.Error("expected error for empty salt")
	}
}
