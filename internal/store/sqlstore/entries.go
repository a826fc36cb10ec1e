package sqlstore

import (
	"context"
	"fmt"

	"scriptgate.org/internal/model"
)

const entryColumns = `id, account_id, resource_id, external_identity, granted_at`

type entryRepo struct{ repos }

func (r entryRepo) Create(ctx context.Context, e *model.LedgerEntry) error {
	e.GrantedAt = utc(e.GrantedAt)
	_, err := r.exec(ctx, `
		insert into ledger_entries(`+entryColumns+`)
		values (?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.ResourceID, e.ExternalIdentity, e.GrantedAt)
	return err
}

func (r entryRepo) Find(ctx context.Context, accountID, resourceID string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := r.get(ctx, &e, `select `+entryColumns+` from ledger_entries where account_id = ? and resource_id = ?`, accountID, resourceID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r entryRepo) ListByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.selectAll(ctx, &out, `select `+entryColumns+` from ledger_entries where account_id = ? order by granted_at asc, id asc`, accountID)
	return out, err
}

func (r entryRepo) ListByResource(ctx context.Context, resourceID string) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.selectAll(ctx, &out, `select `+entryColumns+` from ledger_entries where resource_id = ? order by granted_at asc, id asc`, resourceID)
	return out, err
}

func (r entryRepo) ListAll(ctx context.Context) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.selectAll(ctx, &out, `select `+entryColumns+` from ledger_entries order by granted_at asc, id asc`)
	return out, err
}

func (r entryRepo) CountByAccount(ctx context.Context, accountID string) (int, error) {
	return r.count(ctx, `select count(*) from ledger_entries where account_id = ?`, accountID)
}

func (r entryRepo) CountByResource(ctx context.Context, resourceID string) (int, error) {
	return r.count(ctx, `select count(*) from ledger_entries where resource_id = ?`, resourceID)
}

func (r entryRepo) Delete(ctx context.Context, accountID, resourceID string) error {
	n, err := r.exec(ctx, `delete from ledger_entries where account_id = ? and resource_id = ?`, accountID, resourceID)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r entryRepo) DeleteByResource(ctx context.Context, resourceID string) (int64, error) {
	return r.exec(ctx, `delete from ledger_entries where resource_id = ?`, resourceID)
}

func (r entryRepo) DeleteByID(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.exec(ctx, fmt.Sprintf(`delete from ledger_entries where id in (%s)`, placeholders(len(ids))), args...)
}

func (r entryRepo) DanglingAccount(ctx context.Context) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.selectAll(ctx, &out, `
		select `+prefixed("e", entryColumns)+`
		from ledger_entries e
		left join accounts a on a.id = e.account_id
		where a.id is null
		order by e.granted_at asc, e.id asc`)
	return out, err
}

func (r entryRepo) DanglingResource(ctx context.Context) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := r.selectAll(ctx, &out, `
		select `+prefixed("e", entryColumns)+`
		from ledger_entries e
		left join resources s on s.id = e.resource_id
		where s.id is null
		order by e.granted_at asc, e.id asc`)
	return out, err
}

func (r entryRepo) Count(ctx context.Context) (int, error) {
	return r.count(ctx, `select count(*) from ledger_entries`)
}

func (r entryRepo) DeleteAll(ctx context.Context) error {
	_, err := r.exec(ctx, `delete from ledger_entries`)
	return err
}
