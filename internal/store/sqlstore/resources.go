package sqlstore

import (
	"context"

	"scriptgate.org/internal/model"
)

const resourceColumns = `id, external_id, name, description, active, created_at`

type resourceRepo struct{ repos }

func (r resourceRepo) Create(ctx context.Context, res *model.Resource) error {
	res.CreatedAt = utc(res.CreatedAt)
	_, err := r.exec(ctx, `
		insert into resources(`+resourceColumns+`)
		values (?, ?, ?, ?, ?, ?)`,
		res.ID, res.ExternalID, res.Name, res.Description, res.Active, res.CreatedAt)
	return err
}

func (r resourceRepo) Get(ctx context.Context, id string) (*model.Resource, error) {
	var res model.Resource
	if err := r.get(ctx, &res, `select `+resourceColumns+` from resources where id = ?`, id); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r resourceRepo) ByExternalID(ctx context.Context, externalID string) ([]model.Resource, error) {
	var out []model.Resource
	err := r.selectAll(ctx, &out, `select `+resourceColumns+` from resources where external_id = ? order by created_at asc, id asc`, externalID)
	return out, err
}

func (r resourceRepo) List(ctx context.Context, activeOnly bool) ([]model.Resource, error) {
	var out []model.Resource
	if activeOnly {
		err := r.selectAll(ctx, &out, `select `+resourceColumns+` from resources where active = ? order by name asc, id asc`, true)
		return out, err
	}
	err := r.selectAll(ctx, &out, `select `+resourceColumns+` from resources order by name asc, id asc`)
	return out, err
}

func (r resourceRepo) Update(ctx context.Context, res *model.Resource) error {
	n, err := r.exec(ctx, `update resources set name = ?, description = ? where id = ?`, res.Name, res.Description, res.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r resourceRepo) SetActive(ctx context.Context, id string, active bool) error {
	n, err := r.exec(ctx, `update resources set active = ? where id = ?`, active, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r resourceRepo) Delete(ctx context.Context, id string) error {
	n, err := r.exec(ctx, `delete from resources where id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r resourceRepo) DuplicateExternalIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := r.selectAll(ctx, &out, `
		select external_id from resources
		group by external_id
		having count(*) > 1
		order by external_id asc`)
	return out, err
}

func (r resourceRepo) Count(ctx context.Context) (int, error) {
	return r.count(ctx, `select count(*) from resources`)
}

func (r resourceRepo) DeleteAll(ctx context.Context) error {
	_, err := r.exec(ctx, `delete from resources`)
	return err
}
