package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scriptgate.org/internal/audit"
	"scriptgate.org/internal/authority"
	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

// Coordinator reconciles batch grant/revoke outcomes from the authority into
// the ledger and the audit trail. Batches for one account are serialised;
// different accounts proceed in parallel.
type Coordinator struct {
	store     store.Store
	authority authority.Authority
	publisher *audit.Publisher
	locks     *accountLocks
	now       func() time.Time
}

// Option configures Coordinator.
type Option func(*Coordinator)

// WithPublisher sends committed audit entries to pub.
func WithPublisher(pub *audit.Publisher) Option {
	return func(c *Coordinator) { c.publisher = pub }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewCoordinator(st store.Store, auth authority.Authority, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		authority: auth,
		locks:     newAccountLocks(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pending tracks one item from resolution to reconciliation.
type pending struct {
	item     Item
	resource *model.Resource
}

// Grant asks the authority to grant resourceIDs (catalog ids or external ids)
// to identity and records every confirmed grant.
func (c *Coordinator) Grant(ctx context.Context, accountID, identity string, resourceIDs []string) (BatchResult, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return BatchResult{}, fmt.Errorf("%w: external identity is required", model.ErrInvalidInput)
	}
	requested := dedupe(resourceIDs)
	if len(requested) == 0 {
		return BatchResult{}, fmt.Errorf("%w: at least one resource is required", model.ErrInvalidInput)
	}
	unlock, err := c.locks.lock(ctx, accountID)
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()

	repos := c.store.Repos()
	acct, err := c.loadMember(ctx, repos, accountID)
	if err != nil {
		return BatchResult{}, err
	}
	held, err := repos.Entries().ListByAccount(ctx, accountID)
	if err != nil {
		return BatchResult{}, err
	}
	if bound := boundIdentity(acct, held); bound != "" && bound != identity && len(held) > 0 {
		return BatchResult{}, fmt.Errorf("%w: bound to %q; remove all access before switching users", model.ErrIdentityConflict, bound)
	}

	items := make([]*pending, 0, len(requested))
	byExternal := map[string]*pending{}
	var send []string
	for _, id := range requested {
		p := &pending{item: Item{ExternalID: id}}
		items = append(items, p)
		res, err := resolve(ctx, repos, id)
		if err != nil {
			return BatchResult{}, err
		}
		switch {
		case res == nil:
			p.item.Status = ReasonUnknownResource
		case !res.Active:
			p.describe(res)
			p.item.Status = ReasonInactive
		case byExternal[res.ExternalID] != nil:
			p.describe(res)
			p.item.Status = ReasonDuplicateRequest
		default:
			p.describe(res)
			p.item.Sent = true
			byExternal[res.ExternalID] = p
			send = append(send, res.ExternalID)
		}
	}

	if len(send) > 0 {
		outcomes, err := c.callAuthority(ctx, model.ActionGrant, identity, send)
		if err != nil {
			return BatchResult{}, err
		}
		for _, o := range outcomes {
			p := byExternal[o.ResourceID]
			p.item.Succeeded = o.Succeeded
			p.item.Status = o.RawStatus
		}
	}

	result := BatchResult{Action: model.ActionGrant, AccountID: accountID, Identity: identity}
	var written []model.AuditEntry
	now := c.now().UTC()
	err = c.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		written = written[:0]
		granted := 0
		for _, p := range items {
			detail := p.item.Status
			if p.item.Succeeded {
				existing, err := c.applyGrant(ctx, tx, acct.ID, identity, p, now)
				if err != nil {
					return err
				}
				if p.item.Succeeded {
					granted++
					p.item.Existing = existing
				} else {
					detail = p.item.Status
				}
			}
			e, err := appendAudit(ctx, tx, acct.ID, identity, model.ActionGrant, p.item, detail, now)
			if err != nil {
				return err
			}
			written = append(written, e)
		}
		if granted > 0 && (acct.BoundIdentity() != identity || !acct.AccessGenerated) {
			if err := tx.Accounts().SetBinding(ctx, acct.ID, identity, true, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	for _, p := range items {
		result.Items = append(result.Items, p.item)
	}
	result.tally()
	c.finish(ctx, result, written)
	return result, nil
}

// applyGrant records a confirmed grant. It reports whether the entry existed
// already. A resource deleted while the call was in flight turns the item
// into a failure.
func (c *Coordinator) applyGrant(ctx context.Context, tx store.Repos, accountID, identity string, p *pending, now time.Time) (bool, error) {
	if _, err := tx.Resources().Get(ctx, p.resource.ID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			p.item.Succeeded = false
			p.item.Status = ReasonRemovedDuring + "; authority status: " + p.item.Status
			return false, nil
		}
		return false, err
	}
	_, err := tx.Entries().Find(ctx, accountID, p.resource.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}
	entry := model.LedgerEntry{
		ID:               ids.New(),
		AccountID:        accountID,
		ResourceID:       p.resource.ID,
		ExternalIdentity: identity,
		GrantedAt:        now,
	}
	return false, tx.Entries().Create(ctx, &entry)
}

// Revoke asks the authority to revoke resourceIDs (catalog ids or external
// ids) and removes every confirmed entry.
func (c *Coordinator) Revoke(ctx context.Context, accountID string, resourceIDs []string) (BatchResult, error) {
	requested := dedupe(resourceIDs)
	if len(requested) == 0 {
		return BatchResult{}, fmt.Errorf("%w: at least one resource is required", model.ErrInvalidInput)
	}
	return c.revoke(ctx, accountID, requested, false)
}

// RevokeAll revokes every resource the account currently holds.
func (c *Coordinator) RevokeAll(ctx context.Context, accountID string) (BatchResult, error) {
	return c.revoke(ctx, accountID, nil, true)
}

func (c *Coordinator) revoke(ctx context.Context, accountID string, requested []string, all bool) (BatchResult, error) {
	unlock, err := c.locks.lock(ctx, accountID)
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()

	repos := c.store.Repos()
	acct, err := c.loadMember(ctx, repos, accountID)
	if err != nil {
		return BatchResult{}, err
	}
	held, err := repos.Entries().ListByAccount(ctx, accountID)
	if err != nil {
		return BatchResult{}, err
	}
	identity := boundIdentity(acct, held)

	heldByResource := make(map[string]model.LedgerEntry, len(held))
	for _, e := range held {
		heldByResource[e.ResourceID] = e
	}

	var items []*pending
	byExternal := map[string]*pending{}
	var send []string
	queue := func(p *pending, res *model.Resource) {
		if byExternal[res.ExternalID] != nil {
			p.item.Status = ReasonDuplicateRequest
			return
		}
		p.item.Sent = true
		byExternal[res.ExternalID] = p
		send = append(send, res.ExternalID)
	}

	if all {
		for _, e := range held {
			p := &pending{item: Item{ResourceID: e.ResourceID}}
			items = append(items, p)
			res, err := repos.Resources().Get(ctx, e.ResourceID)
			if errors.Is(err, model.ErrNotFound) {
				p.item.ExternalID = e.ResourceID
				p.item.Status = ReasonUnknownResource
				continue
			}
			if err != nil {
				return BatchResult{}, err
			}
			p.describe(res)
			queue(p, res)
		}
	} else {
		for _, id := range requested {
			p := &pending{item: Item{ExternalID: id}}
			items = append(items, p)
			res, err := resolve(ctx, repos, id)
			if err != nil {
				return BatchResult{}, err
			}
			if res == nil {
				p.item.Status = ReasonUnknownResource
				continue
			}
			p.describe(res)
			if _, ok := heldByResource[res.ID]; !ok {
				p.item.Status = ReasonNotGranted
				continue
			}
			queue(p, res)
		}
	}

	if len(send) > 0 {
		outcomes, err := c.callAuthority(ctx, model.ActionRevoke, identity, send)
		if err != nil {
			return BatchResult{}, err
		}
		for _, o := range outcomes {
			p := byExternal[o.ResourceID]
			p.item.Succeeded = o.Succeeded
			p.item.Status = o.RawStatus
		}
	}

	result := BatchResult{Action: model.ActionRevoke, AccountID: accountID, Identity: identity}
	var written []model.AuditEntry
	now := c.now().UTC()
	err = c.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		written = written[:0]
		result.IdentityCleared = false
		for _, p := range items {
			if p.item.Succeeded {
				err := tx.Entries().Delete(ctx, acct.ID, p.resource.ID)
				if err != nil && !errors.Is(err, model.ErrNotFound) {
					return err
				}
			}
			e, err := appendAudit(ctx, tx, acct.ID, identity, model.ActionRevoke, p.item, p.item.Status, now)
			if err != nil {
				return err
			}
			written = append(written, e)
		}
		remaining, err := tx.Entries().CountByAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		if remaining == 0 && (acct.ExternalIdentity != nil || acct.AccessGenerated) {
			if err := tx.Accounts().SetBinding(ctx, acct.ID, "", false, now); err != nil {
				return err
			}
			result.IdentityCleared = true
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	for _, p := range items {
		result.Items = append(result.Items, p.item)
	}
	result.tally()
	c.finish(ctx, result, written)
	return result, nil
}

// AccessFor returns the account with every resource it holds.
func (c *Coordinator) AccessFor(ctx context.Context, accountID string) (Access, error) {
	repos := c.store.Repos()
	acct, err := repos.Accounts().Get(ctx, accountID)
	if err != nil {
		return Access{}, err
	}
	held, err := repos.Entries().ListByAccount(ctx, accountID)
	if err != nil {
		return Access{}, err
	}
	view := Access{Account: *acct, Identity: boundIdentity(acct, held), Held: make([]HeldResource, 0, len(held))}
	for _, e := range held {
		h := HeldResource{LedgerEntry: e}
		res, err := repos.Resources().Get(ctx, e.ResourceID)
		switch {
		case err == nil:
			h.ExternalID, h.Name, h.Active = res.ExternalID, res.Name, res.Active
		case errors.Is(err, model.ErrNotFound):
			h.Dangling = true
		default:
			return Access{}, err
		}
		view.Held = append(view.Held, h)
	}
	return view, nil
}

// ValidateIdentity checks that identity may be used for accountID and, when
// the authority supports it, that the authority knows the name. It returns
// the authority's canonical spelling.
func (c *Coordinator) ValidateIdentity(ctx context.Context, accountID, identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: external identity is required", model.ErrInvalidInput)
	}
	repos := c.store.Repos()
	acct, err := c.loadMember(ctx, repos, accountID)
	if err != nil {
		return "", err
	}
	held, err := repos.Entries().ListByAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if bound := boundIdentity(acct, held); bound != "" && !strings.EqualFold(bound, identity) && len(held) > 0 {
		return "", fmt.Errorf("%w: bound to %q; remove all access before switching users", model.ErrIdentityConflict, bound)
	}
	v, ok := c.authority.(authority.IdentityValidator)
	if !ok {
		return identity, nil
	}
	verified, valid, err := v.ValidateIdentity(ctx, identity)
	if err != nil {
		if !errors.Is(err, model.ErrAuthorityUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrAuthorityUnavailable, err)
		}
		return "", err
	}
	if !valid {
		return "", fmt.Errorf("%w: identity %q is not known to the authority", model.ErrInvalidInput, identity)
	}
	if verified == "" {
		verified = identity
	}
	return verified, nil
}

func (c *Coordinator) loadMember(ctx context.Context, repos store.Repos, accountID string) (*model.Account, error) {
	acct, err := repos.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.IsAdmin {
		return nil, fmt.Errorf("%w: admin accounts cannot hold script access", model.ErrInvalidState)
	}
	return acct, nil
}

func (c *Coordinator) callAuthority(ctx context.Context, action model.AuditAction, identity string, send []string) ([]authority.Outcome, error) {
	var (
		outcomes []authority.Outcome
		err      error
	)
	if action == model.ActionGrant {
		outcomes, err = c.authority.GrantBatch(ctx, identity, send)
	} else {
		outcomes, err = c.authority.RevokeBatch(ctx, identity, send)
	}
	if err != nil {
		if !errors.Is(err, model.ErrAuthorityUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrAuthorityUnavailable, err)
		}
		obs.Warn("batch_aborted", map[string]any{"action": string(action), "identity": identity, "items": len(send), "error": err})
		return nil, err
	}
	return authority.Match(send, outcomes), nil
}

func (c *Coordinator) finish(ctx context.Context, result BatchResult, written []model.AuditEntry) {
	for _, it := range result.Items {
		outcome := model.OutcomeFailed
		if it.Succeeded {
			outcome = model.OutcomeSuccess
		}
		obs.CountAccessItem(string(result.Action), string(outcome))
	}
	c.publisher.Publish(ctx, written...)
	obs.Info("batch_reconciled", map[string]any{
		"action":     string(result.Action),
		"account_id": result.AccountID,
		"identity":   result.Identity,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
	})
}

func (p *pending) describe(res *model.Resource) {
	p.resource = res
	p.item.ResourceID = res.ID
	p.item.ExternalID = res.ExternalID
	p.item.Name = res.Name
}

func appendAudit(ctx context.Context, tx store.Repos, accountID, identity string, action model.AuditAction, it Item, detail string, at time.Time) (model.AuditEntry, error) {
	outcome := model.OutcomeFailed
	if it.Succeeded {
		outcome = model.OutcomeSuccess
	}
	e := model.AuditEntry{
		ID:                 ids.New(),
		AccountID:          model.StringPtr(accountID),
		ExternalIdentity:   identity,
		Action:             action,
		ResourceExternalID: it.ExternalID,
		Outcome:            outcome,
		Detail:             detail,
		OccurredAt:         at,
	}
	if err := tx.Audit().Append(ctx, &e); err != nil {
		return model.AuditEntry{}, err
	}
	return e, nil
}

// resolve looks id up as a catalog id first and as an external id second.
// It returns nil when neither matches.
func resolve(ctx context.Context, repos store.Repos, id string) (*model.Resource, error) {
	res, err := repos.Resources().Get(ctx, id)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	rows, err := repos.Resources().ByExternalID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// boundIdentity prefers the account's binding and falls back to the identity
// recorded on its entries.
func boundIdentity(acct *model.Account, held []model.LedgerEntry) string {
	if b := acct.BoundIdentity(); b != "" {
		return b
	}
	if len(held) > 0 {
		return held[0].ExternalIdentity
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
