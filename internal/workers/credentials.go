package workers

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "postdispatch-brain"

// ErrInvalidToken is returned when a worker credential fails verification
var ErrInvalidToken = errors.New("invalid or expired worker token")

// Claims is the JWT body of a worker credential
type Claims struct {
	WorkerID  string   `json:"workerId"`
	Region    string   `json:"region"`
	Platforms []string `json:"platforms"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 worker credentials
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer signing with secret
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = domain.CredentialTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a credential bound to the worker's id, region and platforms
func (t *TokenIssuer) Issue(workerID, region string, platforms []string) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.ttl)

	claims := Claims{
		WorkerID:  workerID,
		Region:    region,
		Platforms: platforms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign worker token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a credential and returns the identity it carries
func (t *TokenIssuer) Verify(token string) (domain.WorkerIdentity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return domain.WorkerIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.WorkerID == "" {
		return domain.WorkerIdentity{}, fmt.Errorf("%w: missing workerId", ErrInvalidToken)
	}

	return domain.WorkerIdentity{
		WorkerID:  claims.WorkerID,
		Region:    claims.Region,
		Platforms: claims.Platforms,
	}, nil
}
