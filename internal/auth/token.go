// ABOUTME: HS256 JWTs for lease bearer tokens and API client tokens
// ABOUTME: Expiry is checked against the injected clock so tests can drive it

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-biogate/internal/cryptogate"
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("secret must be at least %d bytes", MinSecretLength)
)

const (
	tokenTypeLease  = "lease"
	tokenTypeClient = "client"
)

// LeaseClaims is the decoded form of a lease token.
type LeaseClaims struct {
	Type     string `json:"typ"`
	Scope    string `json:"scope"`
	TicketID string `json:"tkt"`
	jwt.RegisteredClaims
}

// LeaseID returns the lease the token refers to.
func (c LeaseClaims) LeaseID() string { return c.ID }

// Identity returns the identity the lease was issued to.
func (c LeaseClaims) Identity() string { return c.Subject }

type clientClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenVerifier defines the interface for API client token verification
type TokenVerifier interface {
	VerifyClient(tokenString string) (clientName string, err error)
}

// Signer issues and verifies HS256 tokens.
type Signer struct {
	secret []byte
	clock  quartz.Clock
}

var _ TokenVerifier = (*Signer)(nil)

// NewSigner creates a signer. A nil clock selects the wall clock.
func NewSigner(secret []byte, clock quartz.Clock) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Signer{secret: secret, clock: clock}, nil
}

func (s *Signer) now() time.Time {
	return s.clock.Now("auth", "token")
}

// ceilSecond rounds t up to the next whole second so that the token never
// expires before the lease it carries.
func ceilSecond(t time.Time) time.Time {
	if tt := t.Truncate(time.Second); !tt.Equal(t) {
		return tt.Add(time.Second)
	}
	return t
}

// IssueLease encodes lease as a bearer token. The gate remains the
// authority on whether the lease is still consumable.
func (s *Signer) IssueLease(lease cryptogate.Lease) (string, error) {
	claims := LeaseClaims{
		Type:     tokenTypeLease,
		Scope:    lease.Scope,
		TicketID: lease.TicketID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        lease.ID,
			Subject:   lease.Identity,
			IssuedAt:  jwt.NewNumericDate(lease.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(lease.ExpiresAt)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ParseLease validates a lease token and returns its claims.
func (s *Signer) ParseLease(tokenString string) (LeaseClaims, error) {
	var claims LeaseClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return LeaseClaims{}, err
	}
	if claims.Type != tokenTypeLease {
		return LeaseClaims{}, fmt.Errorf("%w: not a lease token", ErrInvalidToken)
	}
	if claims.ID == "" {
		return LeaseClaims{}, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if claims.Subject == "" {
		return LeaseClaims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if err := s.checkExpiry(claims.ExpiresAt); err != nil {
		return LeaseClaims{}, err
	}
	return claims, nil
}

// IssueClient creates a token that authorizes an API client by name.
func (s *Signer) IssueClient(clientName string, expiresIn time.Duration) (string, error) {
	now := s.now()
	claims := clientClaims{
		Type: tokenTypeClient,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyClient validates a client token and extracts the client name from
// the "sub" claim.
func (s *Signer) VerifyClient(tokenString string) (string, error) {
	var claims clientClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return "", err
	}
	if claims.Type != tokenTypeClient {
		return "", fmt.Errorf("%w: not a client token", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if err := s.checkExpiry(claims.ExpiresAt); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *Signer) parse(tokenString string, claims jwt.Claims) error {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (s *Signer) checkExpiry(exp *jwt.NumericDate) error {
	if exp == nil {
		return fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	if !exp.Time.After(s.now()) {
		return ErrExpiredToken
	}
	return nil
}
