package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/keys"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/store/sqlstore"
)

type fixture struct {
	st       *sqlstore.Store
	registry *keys.Registry
	tokens   *keys.TokenIssuer
	svc      *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := sqlstore.OpenMigrated(context.Background(), "sqlite", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	signer, err := auth.NewSigner("enroll-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	tokens := keys.NewTokenIssuer(signer, time.Minute)
	return fixture{st: st, registry: keys.NewRegistry(st), tokens: tokens, svc: NewService(st, tokens)}
}

func (f fixture) pending(t *testing.T, name, email string) (model.AccessKey, keys.Pending) {
	t.Helper()
	ctx := context.Background()
	k, err := f.registry.Issue(ctx, name, email)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	redeemed, err := f.registry.Redeem(ctx, keys.Normalize(k.Code))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	p, err := f.tokens.Issue(redeemed)
	if err != nil {
		t.Fatalf("pending token: %v", err)
	}
	return k, p
}

func TestEnrollCreatesAccountAndConsumesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k, p := f.pending(t, "Ann Lee", "ann@example.com")

	acct, err := f.svc.Enroll(ctx, p.Token, "Ann@Example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if acct.Name != "Ann Lee" || acct.Email != "ann@example.com" || acct.IsAdmin {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if acct.AccessKeyID == nil || *acct.AccessKeyID != k.ID {
		t.Fatalf("account not linked to key: %+v", acct)
	}
	stored, _ := f.registry.Get(ctx, k.ID)
	if stored.Status != model.KeyUsed || stored.UsedAt == nil {
		t.Fatalf("key not consumed: %+v", stored)
	}

	// Replaying the same pending token must not create a second account.
	if _, err := f.svc.Enroll(ctx, p.Token, "other@example.com", "s3cret-pass"); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if n, _ := f.st.Repos().Accounts().Count(ctx); n != 1 {
		t.Fatalf("expected exactly one account, got %d", n)
	}
}

func TestEnrollRollsBackWhenKeyConsumedConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k, _ := f.pending(t, "Ann", "ann@example.com")

	// Both callers redeemed while the key was active; the second loses the CAS.
	if _, err := f.svc.EnrollWithKey(ctx, k, "first@example.com", "password-1"); err != nil {
		t.Fatalf("first enroll: %v", err)
	}
	if _, err := f.svc.EnrollWithKey(ctx, k, "second@example.com", "password-2"); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.st.Repos().Accounts().GetByEmail(ctx, "second@example.com"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second account must be rolled back, got %v", err)
	}
}

func TestEnrollRejectsDuplicateEmailAndBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, p1 := f.pending(t, "Ann", "ann@example.com")
	k2, p2 := f.pending(t, "Bob", "bob@example.com")

	if _, err := f.svc.Enroll(ctx, p1.Token, "shared@example.com", "password-1"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := f.svc.Enroll(ctx, p2.Token, "shared@example.com", "password-2"); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got, _ := f.registry.Get(ctx, k2.ID); got.Status != model.KeyActive {
		t.Fatalf("failed enrollment must leave key active, got %s", got.Status)
	}
	if _, err := f.svc.Enroll(ctx, p2.Token, "bob@example.com", "short"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
	if _, err := f.svc.Enroll(ctx, "garbage", "bob@example.com", "password-2"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad token, got %v", err)
	}
}

func TestEnsureAdminAndAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin, created, err := f.svc.EnsureAdmin(ctx, "admin@example.com", "admin-pass")
	if err != nil || !created || !admin.IsAdmin {
		t.Fatalf("ensure admin: %+v created=%v err=%v", admin, created, err)
	}
	again, created, err := f.svc.EnsureAdmin(ctx, "other@example.com", "whatever")
	if err != nil || created || again.ID != admin.ID {
		t.Fatalf("expected idempotent admin provisioning: %+v created=%v err=%v", again, created, err)
	}

	got, err := f.svc.Authenticate(ctx, " ADMIN@example.com ", "admin-pass")
	if err != nil || got.ID != admin.ID {
		t.Fatalf("authenticate: %+v %v", got, err)
	}
	if _, err := f.svc.Authenticate(ctx, "admin@example.com", "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "ghost@example.com", "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown email, got %v", err)
	}
	if roles := Roles(admin); len(roles) != 1 || roles[0] != auth.RoleAdmin {
		t.Fatalf("unexpected roles: %v", roles)
	}
}
