package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/i2y/mcpvhost/internal/domain"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// Claims are the bearer credential claims understood by the gateway.
type Claims struct {
	OrgID string `json:"org_id,omitempty"`
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies HS256-signed bearer credentials.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

var _ usecase.CredentialValidator = (*Validator)(nil)

// NewValidator creates a validator. Issuer and audience are checked when non-empty.
func NewValidator(secret, issuer, audience string) (*Validator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("JWT secret must be at least %d bytes", MinSecretLength)
	}
	return &Validator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// ValidateCredential implements usecase.CredentialValidator.
func (v *Validator) ValidateCredential(_ context.Context, token string) (*domain.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid JWT claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("JWT has no subject")
	}

	identity := &domain.Identity{
		Subject:        claims.Subject,
		OrganizationID: claims.OrgID,
		Scope:          claims.Scope,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// Issue signs a credential for subject valid for ttl.
func (v *Validator) Issue(subject, orgID, scope string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		OrgID: orgID,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
