package keys

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

const defaultMaxAttempts = 16

// ErrCodeSpaceExhausted is returned when no unique code was found within the attempt budget.
var ErrCodeSpaceExhausted = errors.New("could not generate a unique access key code")

// Registry issues and redeems one-time access keys.
type Registry struct {
	store       store.Store
	now         func() time.Time
	generate    func() (string, error)
	maxAttempts int
}

// Option configures Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithGenerator replaces the code generator.
func WithGenerator(fn func() (string, error)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.generate = fn
		}
	}
}

// WithMaxAttempts bounds collision retries in Issue.
func WithMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewRegistry(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:       st,
		now:         time.Now,
		generate:    generateCode,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue stores a new active key bound to the holder.
func (r *Registry) Issue(ctx context.Context, holderName, holderEmail string) (model.AccessKey, error) {
	holderName = strings.TrimSpace(holderName)
	holderEmail = strings.ToLower(strings.TrimSpace(holderEmail))
	if holderName == "" {
		return model.AccessKey{}, fmt.Errorf("%w: holder name is required", model.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(holderEmail); err != nil {
		return model.AccessKey{}, fmt.Errorf("%w: holder email is invalid", model.ErrInvalidInput)
	}

	repo := r.store.Repos().Keys()
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := r.generate()
		if err != nil {
			return model.AccessKey{}, fmt.Errorf("generate code: %w", err)
		}
		exists, err := repo.CodeExists(ctx, code)
		if err != nil {
			return model.AccessKey{}, err
		}
		if exists {
			continue
		}
		key := model.AccessKey{
			ID:            ids.New(),
			Code:          code,
			HolderName:    holderName,
			HolderEmail:   holderEmail,
			Status:        model.KeyActive,
			IssuedByAdmin: true,
			IssuedAt:      r.now().UTC(),
		}
		// A concurrent issuer may take the code between the check and the insert.
		if err := repo.Create(ctx, &key); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				continue
			}
			return model.AccessKey{}, err
		}
		obs.Info("access_key_issued", map[string]any{"key_id": key.ID, "holder_email": key.HolderEmail})
		return key, nil
	}
	return model.AccessKey{}, ErrCodeSpaceExhausted
}

// Redeem finds the active key a typed code refers to. It does not change the
// key; MarkUsed does that once the consuming account exists.
func (r *Registry) Redeem(ctx context.Context, code string) (model.AccessKey, error) {
	cands := candidates(code)
	if len(cands) == 0 {
		return model.AccessKey{}, fmt.Errorf("%w: access key is required", model.ErrInvalidInput)
	}
	key, err := r.store.Repos().Keys().FindActive(ctx, cands...)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.AccessKey{}, fmt.Errorf("%w: invalid or expired access key", model.ErrNotFound)
		}
		return model.AccessKey{}, err
	}
	return *key, nil
}

// MarkUsed flips the key to used. ErrInvalidState when it was already used.
func (r *Registry) MarkUsed(ctx context.Context, key model.AccessKey) error {
	return MarkUsedIn(ctx, r.store.Repos(), key.ID, r.now())
}

// MarkUsedIn performs the transition through repos, typically bound to a transaction.
func MarkUsedIn(ctx context.Context, repos store.Repos, keyID string, at time.Time) error {
	return repos.Keys().MarkUsed(ctx, keyID, at)
}

// Get returns the key by id.
func (r *Registry) Get(ctx context.Context, id string) (model.AccessKey, error) {
	k, err := r.store.Repos().Keys().Get(ctx, id)
	if err != nil {
		return model.AccessKey{}, err
	}
	return *k, nil
}

// List returns every key, newest first.
func (r *Registry) List(ctx context.Context) ([]model.AccessKey, error) {
	return r.store.Repos().Keys().List(ctx)
}
