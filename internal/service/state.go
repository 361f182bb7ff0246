package service

import (
	"fmt"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "ledgerlink"

// StateClaims is the payload of the OAuth state parameter.
type StateClaims struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies signed, expiring, single-use OAuth states.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	used   port.OnceCache[bool]
	now    func() time.Time
}

// NewStateSigner creates a StateSigner. used must retain ids for at least ttl.
func NewStateSigner(secret string, ttl time.Duration, used port.OnceCache[bool]) *StateSigner {
	return &StateSigner{
		secret: []byte(secret),
		ttl:    ttl,
		used:   used,
		now:    time.Now,
	}
}

// Sign returns a state carrying the connection name and the return URL.
func (s *StateSigner) Sign(name, returnURL string) (string, error) {
	now := s.now()
	claims := StateClaims{
		Name: name,
		URL:  returnURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and single use. Every failure is a
// *domain.ErrInvalidState.
func (s *StateSigner) Verify(state string) (*StateClaims, error) {
	if state == "" {
		return nil, &domain.ErrInvalidState{Reason: "missing state"}
	}

	token, err := jwt.ParseWithClaims(state, &StateClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, &domain.ErrInvalidState{Reason: err.Error()}
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrInvalidState{Reason: "invalid claims"}
	}
	if claims.Name == "" || claims.URL == "" || claims.ID == "" {
		return nil, &domain.ErrInvalidState{Reason: "incomplete claims"}
	}
	if !s.used.Add(claims.ID, true) {
		return nil, &domain.ErrInvalidState{Reason: "state already used"}
	}
	return claims, nil
}
