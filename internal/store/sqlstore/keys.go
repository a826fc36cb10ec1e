package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scriptgate.org/internal/model"
)

const keyColumns = `id, code, holder_name, holder_email, status, issued_by_admin, issued_at, used_at`

type keyRepo struct{ repos }

func (r keyRepo) Create(ctx context.Context, k *model.AccessKey) error {
	k.IssuedAt = utc(k.IssuedAt)
	if k.Status == "" {
		k.Status = model.KeyActive
	}
	_, err := r.exec(ctx, `
		insert into access_keys(`+keyColumns+`)
		values (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Code, k.HolderName, k.HolderEmail, k.Status, k.IssuedByAdmin, k.IssuedAt, k.UsedAt)
	return err
}

func (r keyRepo) Get(ctx context.Context, id string) (*model.AccessKey, error) {
	var k model.AccessKey
	if err := r.get(ctx, &k, `select `+keyColumns+` from access_keys where id = ?`, id); err != nil {
		return nil, err
	}
	return &k, nil
}

func (r keyRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	n, err := r.count(ctx, `select count(*) from access_keys where code = ?`, code)
	return n > 0, err
}

func (r keyRepo) FindActive(ctx context.Context, codes ...string) (*model.AccessKey, error) {
	if len(codes) == 0 {
		return nil, model.ErrNotFound
	}
	args := make([]any, 0, len(codes)+1)
	args = append(args, model.KeyActive)
	for _, c := range codes {
		args = append(args, c)
	}
	q := fmt.Sprintf(`select %s from access_keys where status = ? and code in (%s) order by issued_at asc, id asc limit 1`,
		keyColumns, placeholders(len(codes)))
	var k model.AccessKey
	if err := r.get(ctx, &k, q, args...); err != nil {
		return nil, err
	}
	return &k, nil
}

func (r keyRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	n, err := r.exec(ctx, `update access_keys set status = ?, used_at = ? where id = ? and status = ?`,
		model.KeyUsed, utc(at), id, model.KeyActive)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: access key already used", model.ErrInvalidState)
}

func (r keyRepo) List(ctx context.Context) ([]model.AccessKey, error) {
	var out []model.AccessKey
	err := r.selectAll(ctx, &out, `select `+keyColumns+` from access_keys order by issued_at desc, id desc`)
	return out, err
}

func (r keyRepo) Count(ctx context.Context) (int, error) {
	return r.count(ctx, `select count(*) from access_keys`)
}

func (r keyRepo) DeleteAll(ctx context.Context) error {
	_, err := r.exec(ctx, `delete from access_keys`)
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
