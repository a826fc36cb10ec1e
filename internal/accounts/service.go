package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/keys"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

// Service owns account creation and credential checks.
type Service struct {
	store  store.Store
	tokens *keys.TokenIssuer
	now    func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(st store.Store, tokens *keys.TokenIssuer, opts ...Option) *Service {
	s := &Service{store: st, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enroll creates the non-admin account for the key named by a pending
// redemption token.
func (s *Service) Enroll(ctx context.Context, pendingToken, email, password string) (model.Account, error) {
	if s.tokens == nil {
		return model.Account{}, errors.New("enrollment tokens are not configured")
	}
	keyID, err := s.tokens.Resolve(pendingToken)
	if err != nil {
		return model.Account{}, err
	}
	key, err := s.store.Repos().Keys().Get(ctx, keyID)
	if err != nil {
		return model.Account{}, err
	}
	return s.EnrollWithKey(ctx, *key, email, password)
}

// EnrollWithKey creates the account and consumes key in one transaction. When
// another enrollment consumed the key first the account insert is rolled back.
func (s *Service) EnrollWithKey(ctx context.Context, key model.AccessKey, email, password string) (model.Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return model.Account{}, err
	}
	if err := auth.CheckPasswordPolicy(password); err != nil {
		return model.Account{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if key.Status != model.KeyActive {
		return model.Account{}, fmt.Errorf("%w: access key is no longer valid", model.ErrInvalidState)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return model.Account{}, err
	}

	now := s.now().UTC()
	acct := model.Account{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Name:         key.HolderName,
		AccessKeyID:  model.StringPtr(key.ID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		if _, err := tx.Accounts().GetByEmail(ctx, email); err == nil {
			return fmt.Errorf("%w: an account with this email already exists", model.ErrAlreadyExists)
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := tx.Accounts().Create(ctx, &acct); err != nil {
			return err
		}
		return keys.MarkUsedIn(ctx, tx, key.ID, now)
	})
	if err != nil {
		return model.Account{}, err
	}
	obs.Info("account_enrolled", map[string]any{"account_id": acct.ID, "key_id": key.ID})
	return acct, nil
}

// EnsureAdmin provisions the admin account once. It returns the existing
// admin untouched when one is present.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (model.Account, bool, error) {
	existing, err := s.store.Repos().Accounts().GetAdmin(ctx)
	if err == nil {
		return *existing, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Account{}, false, err
	}
	email, err = normalizeEmail(email)
	if err != nil {
		return model.Account{}, false, err
	}
	if password == "" {
		return model.Account{}, false, fmt.Errorf("%w: admin password is required", model.ErrInvalidInput)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return model.Account{}, false, fmt.Errorf("%w: admin %v", model.ErrInvalidInput, err)
	}
	now := s.now().UTC()
	admin := model.Account{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Name:         "Administrator",
		IsAdmin:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Repos().Accounts().Create(ctx, &admin); err != nil {
		return model.Account{}, false, err
	}
	obs.Info("admin_provisioned", map[string]any{"account_id": admin.ID})
	return admin, true, nil
}

// Authenticate checks credentials. Unknown emails and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (model.Account, error) {
	acct, err := s.store.Repos().Accounts().GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Account{}, auth.ErrUnauthorized
		}
		return model.Account{}, err
	}
	if err := auth.VerifyPassword(acct.PasswordHash, password); err != nil {
		return model.Account{}, auth.ErrUnauthorized
	}
	return *acct, nil
}

// Roles returns the API roles an account is entitled to.
func Roles(a model.Account) []string {
	if a.IsAdmin {
		return []string{auth.RoleAdmin}
	}
	return []string{auth.RoleMember}
}

func (s *Service) Get(ctx context.Context, id string) (model.Account, error) {
	a, err := s.store.Repos().Accounts().Get(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	return *a, nil
}

func (s *Service) List(ctx context.Context) ([]model.Account, error) {
	return s.store.Repos().Accounts().List(ctx)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", model.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%w: email is invalid", model.ErrInvalidInput)
	}
	return email, nil
}
