package store

import (
	"context"
	"time"

	"scriptgate.org/internal/model"
)

// Store hands out repositories either directly or bound to one transaction.
type Store interface {
	// Repos returns repositories that run each statement on its own.
	Repos() Repos
	// RunInTx runs fn inside a single transaction; any error rolls back every write made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Repos groups the per-entity repositories.
type Repos interface {
	Keys() KeyRepo
	Accounts() AccountRepo
	Resources() ResourceRepo
	Entries() EntryRepo
	Audit() AuditRepo
}

// KeyRepo persists access keys.
type KeyRepo interface {
	Create(ctx context.Context, k *model.AccessKey) error
	Get(ctx context.Context, id string) (*model.AccessKey, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// FindActive returns the first active key whose code equals one of codes.
	FindActive(ctx context.Context, codes ...string) (*model.AccessKey, error)
	// MarkUsed flips status active→used; ErrInvalidState when the key is not active.
	MarkUsed(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context) ([]model.AccessKey, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// AccountRepo persists accounts.
type AccountRepo interface {
	Create(ctx context.Context, a *model.Account) error
	Get(ctx context.Context, id string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	GetAdmin(ctx context.Context) (*model.Account, error)
	List(ctx context.Context) ([]model.Account, error)
	// SetBinding stores the external identity and access-generated flag; identity "" clears it.
	SetBinding(ctx context.Context, id, identity string, generated bool, at time.Time) error
	// DanglingKeyRefs lists accounts whose access key reference points nowhere.
	DanglingKeyRefs(ctx context.Context) ([]model.Account, error)
	ClearKeyRef(ctx context.Context, id string, at time.Time) error
	Count(ctx context.Context) (int, error)
	CountAdmins(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// ResourceRepo persists the script catalog.
type ResourceRepo interface {
	Create(ctx context.Context, r *model.Resource) error
	Get(ctx context.Context, id string) (*model.Resource, error)
	// ByExternalID returns every row with the external id, earliest first.
	ByExternalID(ctx context.Context, externalID string) ([]model.Resource, error)
	List(ctx context.Context, activeOnly bool) ([]model.Resource, error)
	// Update rewrites the display metadata (name and description).
	Update(ctx context.Context, r *model.Resource) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	// DuplicateExternalIDs lists external ids shared by more than one row.
	DuplicateExternalIDs(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// EntryRepo persists ledger entries.
type EntryRepo interface {
	Create(ctx context.Context, e *model.LedgerEntry) error
	Find(ctx context.Context, accountID, resourceID string) (*model.LedgerEntry, error)
	ListByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)
	ListByResource(ctx context.Context, resourceID string) ([]model.LedgerEntry, error)
	ListAll(ctx context.Context) ([]model.LedgerEntry, error)
	CountByAccount(ctx context.Context, accountID string) (int, error)
	CountByResource(ctx context.Context, resourceID string) (int, error)
	Delete(ctx context.Context, accountID, resourceID string) error
	DeleteByResource(ctx context.Context, resourceID string) (int64, error)
	DeleteByID(ctx context.Context, ids ...string) (int64, error)
	// DanglingAccount lists entries whose account no longer exists.
	DanglingAccount(ctx context.Context) ([]model.LedgerEntry, error)
	// DanglingResource lists entries whose resource no longer exists.
	DanglingResource(ctx context.Context) ([]model.LedgerEntry, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}

// AuditFilter narrows an audit listing. Zero values mean no restriction.
type AuditFilter struct {
	AccountID string
	Limit     int
}

// AuditRepo appends and reads audit entries.
type AuditRepo interface {
	Append(ctx context.Context, e *model.AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
}
