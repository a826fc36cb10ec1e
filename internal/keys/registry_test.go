package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/ids"
	"scriptgate.org/internal/model"
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

func TestNormalizeAndFormat(t *testing.T) {
	cases := map[string]string{
		"ab12-cd34":      "AB12CD34",
		" AB12 CD34 ":    "AB12CD34",
		"ab_12.cd-34":    "AB12CD34",
		"\tAB12\nCD34\t": "AB12CD34",
		"":               "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Format("AB12CD34EF56"); got != "AB12-CD34-EF56" {
		t.Fatalf("Format = %q", got)
	}
}

func TestCandidatesSkipSeparatorOnlyInput(t *testing.T) {
	for _, in := range []string{"", " - ", "--", " _. "} {
		if got := candidates(in); len(got) != 0 {
			t.Fatalf("candidates(%q) = %v, want none", in, got)
		}
	}
	got := candidates(" ab12-cd34 ")
	want := []string{"AB12CD34", "AB12-CD34", "ab12-cd34"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestIssueGeneratesUniqueActiveKey(t *testing.T) {
	st := newStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()

	k, err := reg.Issue(ctx, "Ann Lee", "ANN@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if k.Status != model.KeyActive || k.HolderEmail != "ann@example.com" || len(Normalize(k.Code)) != groupSize*groupCount {
		t.Fatalf("unexpected key: %+v", k)
	}
	if _, err := reg.Issue(ctx, "", "x@example.com"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing name, got %v", err)
	}
	if _, err := reg.Issue(ctx, "Bob", "not-an-email"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad email, got %v", err)
	}
}

func TestIssueRetriesOnCollision(t *testing.T) {
	st := newStore(t)
	codes := []string{"AAAA-AAAA", "AAAA-AAAA", "BBBB-BBBB"}
	var i int
	gen := func() (string, error) {
		c := codes[i]
		i++
		return c, nil
	}
	reg := NewRegistry(st, WithGenerator(gen))
	ctx := context.Background()

	first, err := reg.Issue(ctx, "Ann", "ann@example.com")
	if err != nil || first.Code != "AAAA-AAAA" {
		t.Fatalf("first issue: %+v %v", first, err)
	}
	second, err := reg.Issue(ctx, "Bob", "bob@example.com")
	if err != nil || second.Code != "BBBB-BBBB" {
		t.Fatalf("expected retry to BBBB-BBBB, got %+v %v", second, err)
	}

	stuck := NewRegistry(st, WithMaxAttempts(3), WithGenerator(func() (string, error) { return "AAAA-AAAA", nil }))
	if _, err := stuck.Issue(ctx, "Cy", "cy@example.com"); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
}

func TestRedeemIsSeparatorInsensitive(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	key := &model.AccessKey{ID: ids.New(), Code: "AB12-CD34", HolderName: "Ann", HolderEmail: "ann@example.com", Status: model.KeyActive}
	if err := st.Repos().Keys().Create(ctx, key); err != nil {
		t.Fatalf("create: %v", err)
	}
	legacy := &model.AccessKey{ID: ids.New(), Code: "XY99ZZ00", HolderName: "Bob", HolderEmail: "bob@example.com", Status: model.KeyActive}
	if err := st.Repos().Keys().Create(ctx, legacy); err != nil {
		t.Fatalf("create: %v", err)
	}
	reg := NewRegistry(st)

	for _, typed := range []string{"AB12CD34", "ab12-cd34", " AB12 CD34 "} {
		got, err := reg.Redeem(ctx, typed)
		if err != nil {
			t.Fatalf("redeem %q: %v", typed, err)
		}
		if got.ID != key.ID {
			t.Fatalf("redeem %q returned %s", typed, got.ID)
		}
	}
	if got, err := reg.Redeem(ctx, "XY99-ZZ00"); err != nil || got.ID != legacy.ID {
		t.Fatalf("redeem legacy: %+v %v", got, err)
	}

	// Redeem never mutates.
	again, err := reg.Redeem(ctx, "AB12CD34")
	if err != nil || again.Status != model.KeyActive {
		t.Fatalf("expected key to stay active: %+v %v", again, err)
	}
	if _, err := reg.Redeem(ctx, "NOPE-NOPE"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Redeem(ctx, " - "); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMarkUsedOnlyOnce(t *testing.T) {
	st := newStore(t)
	reg := NewRegistry(st)
	ctx := context.Background()
	k, err := reg.Issue(ctx, "Ann", "ann@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.MarkUsed(ctx, k); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInvalidState) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one successful MarkUsed, got %d", success)
	}
	if _, err := reg.Redeem(ctx, k.Code); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("used key must not redeem, got %v", err)
	}
}

func TestPendingTokenRoundTrip(t *testing.T) {
	signer, err := auth.NewSigner("pending-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	tokens := NewTokenIssuer(signer, time.Minute)
	key := model.AccessKey{ID: ids.New(), HolderName: "Ann", HolderEmail: "ann@example.com"}

	p, err := tokens.Issue(key)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if p.KeyID != key.ID || p.HolderName != "Ann" {
		t.Fatalf("unexpected pending: %+v", p)
	}
	id, err := tokens.Resolve(p.Token)
	if err != nil || id != key.ID {
		t.Fatalf("resolve: %q %v", id, err)
	}

	apiToken, _, _ := signer.GenerateToken(key.ID, auth.AudienceAPI, nil, time.Minute)
	if _, err := tokens.Resolve(apiToken); !errors.Is(err, ErrPendingExpired) || !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected API token to be rejected, got %v", err)
	}
}
