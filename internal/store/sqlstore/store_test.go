package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMigrated(context.Background(), "sqlite", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKeyLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	keys := s.Repos().Keys()

	k := &model.AccessKey{ID: ids.New(), Code: "ABCD-EFGH", HolderName: "Ann", HolderEmail: "ann@example.com", IssuedByAdmin: true}
	if err := keys.Create(ctx, k); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &model.AccessKey{ID: ids.New(), Code: "ABCD-EFGH", HolderName: "Bob", HolderEmail: "bob@example.com"}
	if err := keys.Create(ctx, dup); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	found, err := keys.FindActive(ctx, "ABCDEFGH", "ABCD-EFGH")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if found.ID != k.ID || found.Status != model.KeyActive {
		t.Fatalf("unexpected key: %+v", found)
	}

	if err := keys.MarkUsed(ctx, k.ID, time.Now()); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	if err := keys.MarkUsed(ctx, k.ID, time.Now()); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second use, got %v", err)
	}
	if err := keys.MarkUsed(ctx, "missing", time.Now()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := keys.FindActive(ctx, "ABCD-EFGH"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("used key must not be active, got %v", err)
	}
	got, err := keys.Get(ctx, k.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.KeyUsed || got.UsedAt == nil {
		t.Fatalf("expected used key with timestamp, got %+v", got)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		if err := tx.Resources().Create(ctx, &model.Resource{ID: ids.New(), ExternalID: "PUB;1", Name: "One", Active: true}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, err := s.Repos().Resources().Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback, found %d resources", n)
	}
}

func TestEntriesAndDanglingRefs(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	r := s.Repos()

	acct := &model.Account{ID: ids.New(), Email: "a@example.com", PasswordHash: "x", Name: "A"}
	if err := r.Accounts().Create(ctx, acct); err != nil {
		t.Fatalf("create account: %v", err)
	}
	res := &model.Resource{ID: ids.New(), ExternalID: "PUB;1", Name: "One", Active: true}
	if err := r.Resources().Create(ctx, res); err != nil {
		t.Fatalf("create resource: %v", err)
	}
	good := &model.LedgerEntry{ID: ids.New(), AccountID: acct.ID, ResourceID: res.ID, ExternalIdentity: "alice"}
	orphan := &model.LedgerEntry{ID: ids.New(), AccountID: "ghost", ResourceID: "nowhere", ExternalIdentity: "alice"}
	for _, e := range []*model.LedgerEntry{good, orphan} {
		if err := r.Entries().Create(ctx, e); err != nil {
			t.Fatalf("create entry: %v", err)
		}
	}
	again := &model.LedgerEntry{ID: ids.New(), AccountID: acct.ID, ResourceID: res.ID, ExternalIdentity: "alice"}
	if err := r.Entries().Create(ctx, again); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected unique pair violation, got %v", err)
	}

	da, err := r.Entries().DanglingAccount(ctx)
	if err != nil || len(da) != 1 || da[0].ID != orphan.ID {
		t.Fatalf("dangling account: %v %+v", err, da)
	}
	dr, err := r.Entries().DanglingResource(ctx)
	if err != nil || len(dr) != 1 || dr[0].ID != orphan.ID {
		t.Fatalf("dangling resource: %v %+v", err, dr)
	}
	n, err := r.Entries().DeleteByID(ctx, orphan.ID)
	if err != nil || n != 1 {
		t.Fatalf("delete by id: %d %v", n, err)
	}
	if c, _ := r.Entries().CountByAccount(ctx, acct.ID); c != 1 {
		t.Fatalf("expected 1 entry for account, got %d", c)
	}
}

func TestAccountBindingAndKeyRefs(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	r := s.Repos()

	keyID := "missing-key"
	acct := &model.Account{ID: ids.New(), Email: "b@example.com", PasswordHash: "x", Name: "B", AccessKeyID: &keyID}
	if err := r.Accounts().Create(ctx, acct); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Accounts().Create(ctx, &model.Account{ID: ids.New(), Email: "b@example.com", PasswordHash: "y", Name: "B2"}); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected duplicate email rejection, got %v", err)
	}
	if err := r.Accounts().SetBinding(ctx, acct.ID, "bob_tv", true, time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, err := r.Accounts().GetByEmail(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BoundIdentity() != "bob_tv" || !got.AccessGenerated {
		t.Fatalf("binding not stored: %+v", got)
	}
	if err := r.Accounts().SetBinding(ctx, acct.ID, "", false, time.Now()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = r.Accounts().Get(ctx, acct.ID)
	if got.ExternalIdentity != nil || got.AccessGenerated {
		t.Fatalf("binding not cleared: %+v", got)
	}

	dangling, err := r.Accounts().DanglingKeyRefs(ctx)
	if err != nil || len(dangling) != 1 {
		t.Fatalf("dangling key refs: %v %+v", err, dangling)
	}
	if err := r.Accounts().ClearKeyRef(ctx, acct.ID, time.Now()); err != nil {
		t.Fatalf("clear key ref: %v", err)
	}
	dangling, _ = r.Accounts().DanglingKeyRefs(ctx)
	if len(dangling) != 0 {
		t.Fatalf("expected no dangling refs, got %d", len(dangling))
	}
	if _, err := r.Accounts().GetAdmin(ctx); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected no admin, got %v", err)
	}
}

func TestResourcesDuplicatesAndAuditOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	r := s.Repos()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, ext := range []string{"PUB;1", "PUB;1", "PUB;2"} {
		res := &model.Resource{ID: ids.New(), ExternalID: ext, Name: ext, Active: i != 2, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := r.Resources().Create(ctx, res); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	dups, err := r.Resources().DuplicateExternalIDs(ctx)
	if err != nil || len(dups) != 1 || dups[0] != "PUB;1" {
		t.Fatalf("duplicates: %v %v", err, dups)
	}
	rows, _ := r.Resources().ByExternalID(ctx, "PUB;1")
	if len(rows) != 2 || !rows[0].CreatedAt.Before(rows[1].CreatedAt) {
		t.Fatalf("expected earliest first, got %+v", rows)
	}
	active, _ := r.Resources().List(ctx, true)
	if len(active) != 2 {
		t.Fatalf("expected 2 active resources, got %d", len(active))
	}

	acct := "acct-1"
	for i := 0; i < 3; i++ {
		e := &model.AuditEntry{
			ID: ids.New(), AccountID: &acct, ExternalIdentity: "alice", Action: model.ActionGrant,
			ResourceExternalID: "PUB;1", Outcome: model.OutcomeSuccess, OccurredAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := r.Audit().Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := r.Audit().Append(ctx, &model.AuditEntry{ID: ids.New(), ExternalIdentity: "zed", Action: model.ActionRevoke, ResourceExternalID: "PUB;2", Outcome: model.OutcomeFailed}); err != nil {
		t.Fatalf("append: %v", err)
	}
	list, err := r.Audit().List(ctx, store.AuditFilter{AccountID: acct, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || !list[0].OccurredAt.After(list[1].OccurredAt) {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if n, _ := r.Audit().Count(ctx); n != 4 {
		t.Fatalf("expected 4 audit entries, got %d", n)
	}
}
