package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "scriptgate"
	SecretEnvVariable = "SCRIPTGATE_AUTH_SECRET"

	// AudienceAPI marks bearer tokens accepted by the HTTP API.
	AudienceAPI = "api"

	RoleAdmin  = "admin"
	RoleMember = "member"
)

var errMissingSecret = errors.New("auth secret is not configured")

// Claims represents JWT claims used across the service.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 tokens. Each token is scoped to one audience
// so a token minted for one purpose is rejected everywhere else.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSigner builds a signer over a shared secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &Signer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SignerFromEnv reads the secret from SCRIPTGATE_AUTH_SECRET.
func SignerFromEnv(opts ...SignerOption) (*Signer, error) {
	return NewSigner(os.Getenv(SecretEnvVariable), opts...)
}

// GenerateToken signs a token for subject valid for ttl.
func (s *Signer) GenerateToken(subject, audience string, roles []string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}

	now := s.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		Roles: dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// ParseAndValidate verifies the signature, the audience and the timestamps.
func (s *Signer) ParseAndValidate(token, audience string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
