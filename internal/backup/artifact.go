// Package backup snapshots the store into portable artifacts and restores
// them.
package backup

import (
	"fmt"
	"time"

	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
)

// Version tags the artifact layout.
const Version = "1.0"

// Artifact is a full copy of every table. Timestamps serialise as RFC 3339
// text so artifacts sort and diff cleanly.
type Artifact struct {
	Timestamp     time.Time           `json:"timestamp"`
	Version       string              `json:"version"`
	Accounts      []AccountRecord     `json:"accounts"`
	AccessKeys    []model.AccessKey   `json:"access_keys"`
	Resources     []model.Resource    `json:"resources"`
	LedgerEntries []model.LedgerEntry `json:"ledger_entries"`
	AuditEntries  []model.AuditEntry  `json:"audit_entries"`
}

// AccountRecord carries the password hash that model.Account keeps out of
// its JSON form.
type AccountRecord struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"password_hash"`
	Name             string    `json:"name"`
	IsAdmin          bool      `json:"is_admin"`
	AccessKeyID      *string   `json:"access_key_id"`
	ExternalIdentity *string   `json:"external_identity"`
	AccessGenerated  bool      `json:"access_generated"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func recordFromAccount(a model.Account) AccountRecord {
	return AccountRecord{
		ID:               a.ID,
		Email:            a.Email,
		PasswordHash:     a.PasswordHash,
		Name:             a.Name,
		IsAdmin:          a.IsAdmin,
		AccessKeyID:      a.AccessKeyID,
		ExternalIdentity: a.ExternalIdentity,
		AccessGenerated:  a.AccessGenerated,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func (r AccountRecord) account() model.Account {
	return model.Account{
		ID:               r.ID,
		Email:            r.Email,
		PasswordHash:     r.PasswordHash,
		Name:             r.Name,
		IsAdmin:          r.IsAdmin,
		AccessKeyID:      r.AccessKeyID,
		ExternalIdentity: r.ExternalIdentity,
		AccessGenerated:  r.AccessGenerated,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// Rows returns the number of records in the artifact.
func (a Artifact) Rows() int {
	return len(a.Accounts) + len(a.AccessKeys) + len(a.Resources) + len(a.LedgerEntries) + len(a.AuditEntries)
}

// Validate rejects artifacts that cannot be restored as a whole.
func (a Artifact) Validate() error {
	if a.Version != Version {
		return fmt.Errorf("%w: unsupported artifact version %q", model.ErrRestoreAborted, a.Version)
	}
	check := func(table string, n int, id func(i int) string, required func(i int) string) error {
		seen := make(map[string]bool, n)
		for i := 0; i < n; i++ {
			v := id(i)
			if !ids.Valid(v) {
				return fmt.Errorf("%w: %s[%d]: malformed id %q", model.ErrRestoreAborted, table, i, v)
			}
			if seen[v] {
				return fmt.Errorf("%w: %s[%d]: duplicate id %s", model.ErrRestoreAborted, table, i, v)
			}
			seen[v] = true
			if field := required(i); field != "" {
				return fmt.Errorf("%w: %s[%d]: %s is required", model.ErrRestoreAborted, table, i, field)
			}
		}
		return nil
	}
	if err := check("resources", len(a.Resources),
		func(i int) string { return a.Resources[i].ID },
		func(i int) string { return missing(a.Resources[i].ExternalID, "external_id") }); err != nil {
		return err
	}
	if err := check("access_keys", len(a.AccessKeys),
		func(i int) string { return a.AccessKeys[i].ID },
		func(i int) string { return missing(a.AccessKeys[i].Code, "code") }); err != nil {
		return err
	}
	if err := check("accounts", len(a.Accounts),
		func(i int) string { return a.Accounts[i].ID },
		func(i int) string { return missing(a.Accounts[i].Email, "email") }); err != nil {
		return err
	}
	if err := check("ledger_entries", len(a.LedgerEntries),
		func(i int) string { return a.LedgerEntries[i].ID },
		func(i int) string {
			e := a.LedgerEntries[i]
			if f := missing(e.AccountID, "account_id"); f != "" {
				return f
			}
			return missing(e.ResourceID, "resource_id")
		}); err != nil {
		return err
	}
	return check("audit_entries", len(a.AuditEntries),
		func(i int) string { return a.AuditEntries[i].ID },
		func(i int) string { return missing(string(a.AuditEntries[i].Action), "action") })
}

func missing(v, field string) string {
	if v == "" {
		return field
	}
	return ""
}
