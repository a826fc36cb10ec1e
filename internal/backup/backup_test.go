package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
	"scriptgate.org/internal/store"
	"scriptgate.org/internal/store/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	st, err := sqlstore.OpenMigrated(context.Background(), "sqlite", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	r := st.Repos()
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	used := at.Add(time.Minute)

	key := model.AccessKey{ID: ids.New(), Code: "AB12-CD34-EF56", HolderName: "Ann", HolderEmail: "ann@example.com", Status: model.KeyUsed, IssuedByAdmin: true, IssuedAt: at, UsedAt: &used}
	must(t, r.Keys().Create(ctx, &key))
	res := model.Resource{ID: ids.New(), ExternalID: "PUB;aaa", Name: "Alpha", Description: "first", Active: true, CreatedAt: at}
	must(t, r.Resources().Create(ctx, &res))
	acct := model.Account{ID: ids.New(), Email: "ann@example.com", PasswordHash: "$2a$10$hash", Name: "Ann", AccessKeyID: model.StringPtr(key.ID), ExternalIdentity: model.StringPtr("ann_tv"), AccessGenerated: true, CreatedAt: at, UpdatedAt: used}
	must(t, r.Accounts().Create(ctx, &acct))
	entry := model.LedgerEntry{ID: ids.New(), AccountID: acct.ID, ResourceID: res.ID, ExternalIdentity: "ann_tv", GrantedAt: used}
	must(t, r.Entries().Create(ctx, &entry))
	ev := model.AuditEntry{ID: ids.New(), AccountID: model.StringPtr(acct.ID), ExternalIdentity: "ann_tv", Action: model.ActionGrant, ResourceExternalID: res.ExternalID, Outcome: model.OutcomeSuccess, Detail: "Success", OccurredAt: used}
	must(t, r.Audit().Append(ctx, &ev))
}

func rowIDs(t *testing.T, st store.Store) map[string][]string {
	t.Helper()
	ctx := context.Background()
	r := st.Repos()
	out := map[string][]string{}
	keys, err := r.Keys().List(ctx)
	must(t, err)
	for _, k := range keys {
		out["keys"] = append(out["keys"], k.ID+"|"+k.Code+"|"+string(k.Status))
	}
	res, err := r.Resources().List(ctx, false)
	must(t, err)
	for _, x := range res {
		out["resources"] = append(out["resources"], x.ID+"|"+x.ExternalID+"|"+x.CreatedAt.UTC().Format(time.RFC3339))
	}
	accts, err := r.Accounts().List(ctx)
	must(t, err)
	for _, a := range accts {
		out["accounts"] = append(out["accounts"], a.ID+"|"+a.PasswordHash+"|"+a.BoundIdentity())
	}
	entries, err := r.Entries().ListAll(ctx)
	must(t, err)
	for _, e := range entries {
		out["entries"] = append(out["entries"], e.ID+"|"+e.AccountID+"|"+e.ResourceID)
	}
	audits, err := r.Audit().List(ctx, store.AuditFilter{})
	must(t, err)
	for _, e := range audits {
		out["audit"] = append(out["audit"], e.ID)
	}
	for _, v := range out {
		sort.Strings(v)
	}
	return out
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seed(t, st)
	before := rowIDs(t, st)

	c := NewCoordinator(st, t.TempDir())
	art, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if art.Version != Version || art.Rows() != 5 {
		t.Fatalf("unexpected artifact: version=%s rows=%d", art.Version, art.Rows())
	}

	extra := model.Resource{ID: ids.New(), ExternalID: "PUB;later", Name: "Later", Active: true}
	must(t, st.Repos().Resources().Create(ctx, &extra))

	res, err := c.Restore(ctx, art, Confirmation)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Resources != 1 || res.Accounts != 1 || res.LedgerEntries != 1 {
		t.Fatalf("unexpected restore counts: %+v", res)
	}
	if after := rowIDs(t, st); !reflect.DeepEqual(before, after) {
		t.Fatalf("round trip mismatch:\nbefore %v\nafter  %v", before, after)
	}
}

func TestRestoreRequiresConfirmation(t *testing.T) {
	st := newStore(t)
	seed(t, st)
	c := NewCoordinator(st, t.TempDir())
	art, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := c.Restore(context.Background(), art, "confirm"); !errors.Is(err, model.ErrRestoreAborted) {
		t.Fatalf("expected ErrRestoreAborted, got %v", err)
	}
}

func TestRestoreIsAtomic(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seed(t, st)
	before := rowIDs(t, st)
	c := NewCoordinator(st, t.TempDir())
	art, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// Two keys with the same code violate the unique index on insert.
	dup := art.AccessKeys[0]
	dup.ID = ids.New()
	art.AccessKeys = append(art.AccessKeys, dup)

	if _, err := c.Restore(ctx, art, Confirmation); !errors.Is(err, model.ErrRestoreAborted) {
		t.Fatalf("expected ErrRestoreAborted, got %v", err)
	}
	if after := rowIDs(t, st); !reflect.DeepEqual(before, after) {
		t.Fatal("failed restore must leave data untouched")
	}
}

func TestValidateRejectsMalformedArtifacts(t *testing.T) {
	good := Artifact{Version: Version, Resources: []model.Resource{{ID: ids.New(), ExternalID: "x"}}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid artifact: %v", err)
	}
	cases := map[string]Artifact{
		"version":    {Version: "0.9"},
		"bad id":     {Version: Version, Resources: []model.Resource{{ID: "1", ExternalID: "x"}}},
		"missing":    {Version: Version, Accounts: []AccountRecord{{ID: ids.New()}}},
		"duplicated": {Version: Version, Resources: []model.Resource{good.Resources[0], good.Resources[0]}},
	}
	for name, art := range cases {
		if err := art.Validate(); !errors.Is(err, model.ErrRestoreAborted) {
			t.Fatalf("%s: expected ErrRestoreAborted, got %v", name, err)
		}
	}
}

func TestSaveLoadCompressed(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seed(t, st)
	dir := t.TempDir()

	for _, compress := range []bool{false, true} {
		c := NewCoordinator(st, dir, WithCompression(compress))
		name := "plain"
		if compress {
			name = "packed"
		}
		entry, err := c.Save(ctx, name)
		if err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
		wantExt := extJSON
		if compress {
			wantExt = extZstd
		}
		if entry.Name != name+wantExt || entry.Size == 0 {
			t.Fatalf("unexpected entry: %+v", entry)
		}
		art, err := c.Load(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if art.Rows() != 5 || art.Accounts[0].PasswordHash != "$2a$10$hash" {
			t.Fatalf("unexpected artifact from %s: %+v", name, art)
		}
		if _, err := c.LoadPath(entry.Path); err != nil {
			t.Fatalf("load by path: %v", err)
		}
		if _, err := c.Load(entry.Path); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("a path is not a backup name, got %v", err)
		}
	}

	c := NewCoordinator(st, dir)
	if _, err := c.Load("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Save(ctx, "../escape"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNamesResolveInsideBackupDir(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seed(t, st)
	t.Chdir(t.TempDir())
	if err := os.WriteFile("shadow.json", []byte("not a backup"), 0o600); err != nil {
		t.Fatalf("write shadow: %v", err)
	}

	c := NewCoordinator(st, filepath.Join(t.TempDir(), "backups"))
	if _, err := c.Save(ctx, "shadow"); err != nil {
		t.Fatalf("save: %v", err)
	}
	art, err := c.Load("shadow.json")
	if err != nil {
		t.Fatalf("load by name: %v", err)
	}
	if art.Rows() != 5 {
		t.Fatalf("loaded %d rows, want 5", art.Rows())
	}
	res, err := c.RestoreFile(ctx, "shadow.json", Confirmation)
	if err != nil || res.Resources != 1 {
		t.Fatalf("restore by name: %+v %v", res, err)
	}

	if _, err := c.LoadPath("shadow.json"); err == nil {
		t.Fatal("explicit path must read the working directory file")
	}
	if _, err := c.RestorePath(ctx, "shadow.json", Confirmation); err == nil {
		t.Fatal("restoring a malformed file must fail")
	}
	if _, err := c.LoadPath("missing.json"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.LoadPath("notes.txt"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	names := []string{"auto_backup_1.json", "auto_backup_2.json", "auto_backup_3.json.zst", "manual.json", "notes.txt"}
	for i, n := range names {
		p := filepath.Join(dir, n)
		must(t, os.WriteFile(p, []byte("{}"), 0o600))
		mt := base.Add(time.Duration(i) * time.Minute)
		must(t, os.Chtimes(p, mt, mt))
	}
	c := NewCoordinator(nil, dir)

	list, err := c.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, e := range list {
		got = append(got, e.Name)
	}
	want := []string{"manual.json", "auto_backup_3.json.zst", "auto_backup_2.json", "auto_backup_1.json"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("list order: got %v want %v", got, want)
	}

	removed, err := c.Prune(1, AutoPrefix)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"auto_backup_2.json", "auto_backup_1.json"}) {
		t.Fatalf("unexpected removals: %v", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "manual.json")); err != nil {
		t.Fatal("files outside the prefix must be kept")
	}
}

func TestAutoKeepsNewest(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCoordinator(st, dir, WithAutoKeep(2), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	for i := 0; i < 4; i++ {
		if _, err := c.Auto(ctx); err != nil {
			t.Fatalf("auto %d: %v", i, err)
		}
	}
	list, err := c.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 automatic backups, got %d", len(list))
	}
}
