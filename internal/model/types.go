package model

import "time"

// KeyStatus is the lifecycle state of an access key.
type KeyStatus string

const (
	KeyActive KeyStatus = "active"
	KeyUsed   KeyStatus = "used"
)

// AccessKey is an invitation that binds a person to a future account.
type AccessKey struct {
	ID            string     `db:"id" json:"id"`
	Code          string     `db:"code" json:"code"`
	HolderName    string     `db:"holder_name" json:"holder_name"`
	HolderEmail   string     `db:"holder_email" json:"holder_email"`
	Status        KeyStatus  `db:"status" json:"status"`
	IssuedByAdmin bool       `db:"issued_by_admin" json:"issued_by_admin"`
	IssuedAt      time.Time  `db:"issued_at" json:"issued_at"`
	UsedAt        *time.Time `db:"used_at" json:"used_at,omitempty"`
}

// Account is a login identity. Non-admin accounts originate from a redeemed key.
type Account struct {
	ID               string    `db:"id" json:"id"`
	Email            string    `db:"email" json:"email"`
	PasswordHash     string    `db:"password_hash" json:"-"`
	Name             string    `db:"name" json:"name"`
	IsAdmin          bool      `db:"is_admin" json:"is_admin"`
	AccessKeyID      *string   `db:"access_key_id" json:"access_key_id,omitempty"`
	ExternalIdentity *string   `db:"external_identity" json:"external_identity,omitempty"`
	AccessGenerated  bool      `db:"access_generated" json:"access_generated"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// BoundIdentity returns the external identity or "" when unbound.
func (a Account) BoundIdentity() string {
	if a.ExternalIdentity == nil {
		return ""
	}
	return *a.ExternalIdentity
}

// Resource is a grantable script known to the external authority by ExternalID.
type Resource struct {
	ID          string    `db:"id" json:"id"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// LedgerEntry asserts a grant confirmed by the external authority.
type LedgerEntry struct {
	ID               string    `db:"id" json:"id"`
	AccountID        string    `db:"account_id" json:"account_id"`
	ResourceID       string    `db:"resource_id" json:"resource_id"`
	ExternalIdentity string    `db:"external_identity" json:"external_identity"`
	GrantedAt        time.Time `db:"granted_at" json:"granted_at"`
}

// AuditAction names the attempted state change.
type AuditAction string

const (
	ActionGrant  AuditAction = "grant"
	ActionRevoke AuditAction = "revoke"
)

// AuditOutcome records whether the attempt was confirmed.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailed  AuditOutcome = "failed"
)

// AuditEntry is an append-only record of one grant or revoke attempt.
// AccountID is informational and may outlive the account it names.
type AuditEntry struct {
	ID                 string       `db:"id" json:"id"`
	AccountID          *string      `db:"account_id" json:"account_id,omitempty"`
	ExternalIdentity   string       `db:"external_identity" json:"external_identity"`
	Action             AuditAction  `db:"action" json:"action"`
	ResourceExternalID string       `db:"resource_external_id" json:"resource_external_id"`
	Outcome            AuditOutcome `db:"outcome" json:"outcome"`
	Detail             string       `db:"detail" json:"detail"`
	OccurredAt         time.Time    `db:"occurred_at" json:"occurred_at"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
