package sqlstore

import (
	"context"
	"strings"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/store"
)

const auditColumns = `id, account_id, external_identity, action, resource_external_id, outcome, detail, occurred_at`

type auditRepo struct{ repos }

func (r auditRepo) Append(ctx context.Context, e *model.AuditEntry) error {
	e.OccurredAt = utc(e.OccurredAt)
	_, err := r.exec(ctx, `
		insert into audit_entries(`+auditColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.ExternalIdentity, e.Action, e.ResourceExternalID, e.Outcome, e.Detail, e.OccurredAt)
	return err
}

// List returns the newest entries first.
func (r auditRepo) List(ctx context.Context, f store.AuditFilter) ([]model.AuditEntry, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`select ` + auditColumns + ` from audit_entries`)
	if f.AccountID != "" {
		sb.WriteString(` where account_id = ?`)
		args = append(args, f.AccountID)
	}
	sb.WriteString(` order by occurred_at desc, id desc`)
	if f.Limit > 0 {
		sb.WriteString(` limit ?`)
		args = append(args, f.Limit)
	}
	var out []model.AuditEntry
	err := r.selectAll(ctx, &out, sb.String(), args...)
	return out, err
}

func (r auditRepo) Count(ctx context.Context) (int, error) {
	return r.count(ctx, `select count(*) from audit_entries`)
}

func (r auditRepo) DeleteAll(ctx context.Context) error {
	_, err := r.exec(ctx, `delete from audit_entries`)
	return err
}
