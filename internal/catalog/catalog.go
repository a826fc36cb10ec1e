package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptgate.org/internal/audit"
	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

// Catalog manages the grantable resources.
type Catalog struct {
	store     store.Store
	publisher *audit.Publisher
	now       func() time.Time
}

// Option configures Catalog.
type Option func(*Catalog)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Catalog) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithPublisher sends cascade audit entries to pub after commit.
func WithPublisher(pub *audit.Publisher) Option {
	return func(c *Catalog) { c.publisher = pub }
}

func New(st store.Store, opts ...Option) *Catalog {
	c := &Catalog{store: st, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Listing is a resource with the number of accounts currently holding it.
type Listing struct {
	model.Resource
	Holders int `json:"holders"`
}

// Add registers a resource. External ids are unique across the catalog.
func (c *Catalog) Add(ctx context.Context, externalID, name, description string) (model.Resource, error) {
	externalID = strings.TrimSpace(externalID)
	name = strings.TrimSpace(name)
	if externalID == "" || name == "" {
		return model.Resource{}, fmt.Errorf("%w: external id and name are required", model.ErrInvalidInput)
	}
	res := model.Resource{
		ID:          ids.New(),
		ExternalID:  externalID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   c.now().UTC(),
	}
	err := c.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		existing, err := tx.Resources().ByExternalID(ctx, externalID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: resource %s already exists", model.ErrAlreadyExists, externalID)
		}
		return tx.Resources().Create(ctx, &res)
	})
	if err != nil {
		return model.Resource{}, err
	}
	obs.Info("resource_added", map[string]any{"resource_id": res.ID, "external_id": res.ExternalID})
	return res, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (model.Resource, error) {
	r, err := c.store.Repos().Resources().Get(ctx, id)
	if err != nil {
		return model.Resource{}, err
	}
	return *r, nil
}

// List returns resources sorted by name with their holder counts.
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]Listing, error) {
	repos := c.store.Repos()
	rows, err := repos.Resources().List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(rows))
	for _, r := range rows {
		n, err := repos.Entries().CountByResource(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Listing{Resource: r, Holders: n})
	}
	return out, nil
}

// SetActive flips the active flag. Existing ledger entries are untouched.
func (c *Catalog) SetActive(ctx context.Context, id string, active bool) (model.Resource, error) {
	if err := c.store.Repos().Resources().SetActive(ctx, id, active); err != nil {
		return model.Resource{}, err
	}
	obs.Info("resource_toggled", map[string]any{"resource_id": id, "active": active})
	return c.Get(ctx, id)
}

// Toggle inverts the active flag.
func (c *Catalog) Toggle(ctx context.Context, id string) (model.Resource, error) {
	r, err := c.Get(ctx, id)
	if err != nil {
		return model.Resource{}, err
	}
	return c.SetActive(ctx, id, !r.Active)
}

// DeleteResult summarises a cascading delete.
type DeleteResult struct {
	Resource        model.Resource `json:"resource"`
	EntriesRemoved  int            `json:"entries_removed"`
	AccountsCleared int            `json:"accounts_cleared"`
}

// Delete removes a resource together with its ledger entries. Each removed
// entry is recorded as a successful revoke naming actor, and accounts left
// without entries lose their identity binding.
func (c *Catalog) Delete(ctx context.Context, id, actor string) (DeleteResult, error) {
	var (
		result  DeleteResult
		entries []model.AuditEntry
	)
	now := c.now().UTC()
	detail := "resource deleted by admin: " + strings.TrimSpace(actor)
	err := c.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		res, err := tx.Resources().Get(ctx, id)
		if err != nil {
			return err
		}
		result.Resource = *res
		held, err := tx.Entries().ListByResource(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Entries().DeleteByResource(ctx, id); err != nil {
			return err
		}
		touched := map[string]bool{}
		for _, e := range held {
			ae := model.AuditEntry{
				ID:                 ids.New(),
				AccountID:          model.StringPtr(e.AccountID),
				ExternalIdentity:   e.ExternalIdentity,
				Action:             model.ActionRevoke,
				ResourceExternalID: res.ExternalID,
				Outcome:            model.OutcomeSuccess,
				Detail:             detail,
				OccurredAt:         now,
			}
			if err := tx.Audit().Append(ctx, &ae); err != nil {
				return err
			}
			entries = append(entries, ae)
			touched[e.AccountID] = true
		}
		for accountID := range touched {
			cleared, err := clearBindingIfEmpty(ctx, tx, accountID, now)
			if err != nil {
				return err
			}
			if cleared {
				result.AccountsCleared++
			}
		}
		result.EntriesRemoved = len(held)
		return tx.Resources().Delete(ctx, id)
	})
	if err != nil {
		return DeleteResult{}, err
	}
	c.publisher.Publish(ctx, entries...)
	obs.Info("resource_deleted", map[string]any{
		"resource_id":      id,
		"external_id":      result.Resource.ExternalID,
		"entries_removed":  result.EntriesRemoved,
		"accounts_cleared": result.AccountsCleared,
	})
	return result, nil
}

func clearBindingIfEmpty(ctx context.Context, tx store.Repos, accountID string, at time.Time) (bool, error) {
	n, err := tx.Entries().CountByAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	err = tx.Accounts().SetBinding(ctx, accountID, "", false, at)
	if errors.Is(err, model.ErrNotFound) {
		// Entry pointed at a vanished account; integrity repair owns that case.
		return false, nil
	}
	return err == nil, err
}
