package audit

import (
	"context"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Log reads the persisted audit trail.
type Log struct {
	store store.Store
}

func NewLog(st store.Store) *Log { return &Log{store: st} }

// List returns the newest entries first, optionally for one account.
func (l *Log) List(ctx context.Context, accountID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return l.store.Repos().Audit().List(ctx, store.AuditFilter{AccountID: accountID, Limit: limit})
}
