package sqlstore

import (
	"context"
	"time"

	"scriptgate.org/internal/model"
)

const accountColumns = `id, email, password_hash, name, is_admin, access_key_id, external_identity, access_generated, created_at, updated_at`

type accountRepo struct{ repos }

func (r accountRepo) Create(ctx context.Context, a *model.Account) error {
	a.CreatedAt = utc(a.CreatedAt)
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := r.exec(ctx, `
		insert into accounts(`+accountColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, a.Name, a.IsAdmin, a.AccessKeyID, a.ExternalIdentity,
		a.AccessGenerated, a.CreatedAt, a.UpdatedAt.UTC())
	return err
}

func (r accountRepo) Get(ctx context.Context, id string) (*model.Account, error) {
	return r.one(ctx, `select `+accountColumns+` from accounts where id = ?`, id)
}

func (r accountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return r.one(ctx, `select `+accountColumns+` from accounts where email = ?`, email)
}

func (r accountRepo) GetAdmin(ctx context.Context) (*model.Account, error) {
	return r.one(ctx, `select `+accountColumns+` from accounts where is_admin = ? order by created_at asc, id asc limit 1`, true)
}

func (r accountRepo) one(ctx context.Context, q string, args ...any) (*model.Account, error) {
	var a model.Account
	if err := r.get(ctx, &a, q, args...); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r accountRepo) List(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	err := r.selectAll(ctx, &out, `select `+accountColumns+` from accounts order by created_at asc, id asc`)
	return out, err
}

func (r accountRepo) SetBinding(ctx context.Context, id, identity string, generated bool, at time.Time) error {
	n, err := r.exec(ctx, `update accounts set external_identity = ?, access_generated = ?, updated_at = ? where id = ?`,
		model.StringPtr(identity), generated, utc(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r accountRepo) DanglingKeyRefs(ctx context.Context) ([]model.Account, error) {
	var out []model.Account
	err := r.selectAll(ctx, &out, `
		select `+prefixed("a", accountColumns)+`
		from accounts a
		left join access_keys k on k.id = a.access_key_id
		where a.access_key_id is not null and k.id is null
		order by a.created_at asc, a.id asc`)
	return out, err
}

func (r accountRepo) ClearKeyRef(ctx context.Context, id string, at time.Time) error {
	_, err := r.exec(ctx, `update accounts set access_key_id = null, updated_at = ? where id = ?`, utc(at), id)
	return err
}

func (r accountRepo) Count(ctx context.Context) (int, error) {
	return r.count(ctx, `select count(*) from accounts`)
}

func (r accountRepo) CountAdmins(ctx context.Context) (int, error) {
	return r.count(ctx, `select count(*) from accounts where is_admin = ?`, true)
}

func (r accountRepo) DeleteAll(ctx context.Context) error {
	_, err := r.exec(ctx, `delete from accounts`)
	return err
}
