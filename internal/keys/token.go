package keys

import (
	"errors"
	"fmt"
	"time"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/model"
)

// RedeemAudience scopes pending-redemption tokens.
const RedeemAudience = "redeem"

const defaultPendingTTL = 15 * time.Minute

// ErrPendingExpired marks a pending-redemption token that no longer validates.
var ErrPendingExpired = errors.New("pending redemption expired or invalid")

// Pending is handed back after a successful Redeem and carried by the caller
// into enrollment.
type Pending struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	KeyID       string    `json:"key_id"`
	HolderName  string    `json:"holder_name"`
	HolderEmail string    `json:"holder_email"`
}

// TokenIssuer mints short-lived tokens naming a redeemed key.
type TokenIssuer struct {
	signer *auth.Signer
	ttl    time.Duration
}

func NewTokenIssuer(signer *auth.Signer, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &TokenIssuer{signer: signer, ttl: ttl}
}

// Issue signs a token for key.
func (t *TokenIssuer) Issue(key model.AccessKey) (Pending, error) {
	token, expires, err := t.signer.GenerateToken(key.ID, RedeemAudience, nil, t.ttl)
	if err != nil {
		return Pending{}, err
	}
	return Pending{
		Token:       token,
		ExpiresAt:   expires,
		KeyID:       key.ID,
		HolderName:  key.HolderName,
		HolderEmail: key.HolderEmail,
	}, nil
}

// Resolve returns the key id carried by token.
func (t *TokenIssuer) Resolve(token string) (string, error) {
	claims, err := t.signer.ParseAndValidate(token, RedeemAudience)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrInvalidInput, ErrPendingExpired)
	}
	return claims.Subject, nil
}
