package authority

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scriptgate.org/internal/model"
)

func TestMatchPairsByIDAndFillsGaps(t *testing.T) {
	got := Match(
		[]string{"a", "b", "c"},
		[]Outcome{
			{ResourceID: "c", Succeeded: false, RawStatus: "Failure"},
			{ResourceID: "a", Succeeded: true, RawStatus: "Success"},
			{ResourceID: "zzz", Succeeded: true},
			{ResourceID: "a", Succeeded: false, RawStatus: "dup ignored"},
		},
	)
	if len(got) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(got))
	}
	if got[0].ResourceID != "a" || !got[0].Succeeded {
		t.Fatalf("unexpected outcome for a: %+v", got[0])
	}
	if got[1].ResourceID != "b" || got[1].Succeeded || got[1].RawStatus != StatusMissing {
		t.Fatalf("missing outcome must fail: %+v", got[1])
	}
	if got[2].ResourceID != "c" || got[2].Succeeded || got[2].RawStatus != "Failure" {
		t.Fatalf("unexpected outcome for c: %+v", got[2])
	}
}

func TestGuardAuthenticatesBeforeBatch(t *testing.T) {
	mem := NewInMemory()
	g := NewGuard(mem)
	ctx := context.Background()

	mem.SetAuthenticated(false)
	if _, err := g.GrantBatch(ctx, "alice", []string{"x"}); !errors.Is(err, model.ErrAuthorityUnavailable) {
		t.Fatalf("expected ErrAuthorityUnavailable when unauthenticated, got %v", err)
	}
	if len(mem.Calls()) != 0 {
		t.Fatal("batch must not be sent before authentication succeeds")
	}

	mem.SetAuthenticated(true)
	out, err := g.GrantBatch(ctx, "alice", []string{"x"})
	if err != nil || len(out) != 1 || !out[0].Succeeded {
		t.Fatalf("grant: %+v %v", out, err)
	}
	if !mem.Holds("alice", "x") {
		t.Fatal("expected remote grant")
	}
}

func TestGuardMapsTimeoutAndTransportErrors(t *testing.T) {
	mem := NewInMemory()
	g := NewGuard(mem, WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	if _, err := g.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	mem.SetDelay(time.Second)
	if _, err := g.GrantBatch(ctx, "alice", []string{"x"}); !errors.Is(err, model.ErrAuthorityUnavailable) {
		t.Fatalf("expected timeout to map to ErrAuthorityUnavailable, got %v", err)
	}
	mem.SetDelay(0)

	mem.SetUnavailable(errors.New("connection refused"))
	if _, err := g.RevokeBatch(ctx, "alice", []string{"x"}); !errors.Is(err, model.ErrAuthorityUnavailable) {
		t.Fatalf("expected transport error to map to ErrAuthorityUnavailable, got %v", err)
	}
}

type countingAuthority struct {
	*InMemory
	auths atomic.Int32
}

func (c *countingAuthority) Authenticate(ctx context.Context) (bool, error) {
	c.auths.Add(1)
	time.Sleep(10 * time.Millisecond)
	return c.InMemory.Authenticate(ctx)
}

func TestGuardCachesAuthentication(t *testing.T) {
	inner := &countingAuthority{InMemory: NewInMemory()}
	g := NewGuard(inner, WithAuthTTL(time.Minute))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.GrantBatch(ctx, "alice", []string{"x"}); err != nil {
				t.Errorf("grant: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := inner.auths.Load(); n < 1 || n >= 5 {
		t.Fatalf("expected concurrent callers to share authentication, got %d calls", n)
	}
	before := inner.auths.Load()
	if _, err := g.GrantBatch(ctx, "alice", []string{"y"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if inner.auths.Load() != before {
		t.Fatal("expected cached authentication to be reused")
	}
}

type blockingAuthority struct {
	*InMemory
	entered chan struct{}
	release chan struct{}
	auths   atomic.Int32
}

func (b *blockingAuthority) Authenticate(ctx context.Context) (bool, error) {
	if b.auths.Add(1) == 1 {
		close(b.entered)
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return b.InMemory.Authenticate(ctx)
}

func TestGuardSharedAuthenticationSurvivesCallerCancel(t *testing.T) {
	inner := &blockingAuthority{
		InMemory: NewInMemory(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	g := NewGuard(inner, WithTimeout(2*time.Second), WithAuthTTL(time.Minute))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Authenticate(first)
		firstErr <- err
	}()
	<-inner.entered

	type result struct {
		out []Outcome
		err error
	}
	second := make(chan result, 1)
	go func() {
		out, err := g.GrantBatch(context.Background(), "alice", []string{"x"})
		second <- result{out, err}
	}()
	// Let the batch join the in-flight authentication.
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, model.ErrAuthorityUnavailable) {
		t.Fatalf("cancelled caller: expected ErrAuthorityUnavailable, got %v", err)
	}
	close(inner.release)

	res := <-second
	if res.err != nil || len(res.out) != 1 || !res.out[0].Succeeded {
		t.Fatalf("waiting batch should proceed: %+v %v", res.out, res.err)
	}
}

func TestGuardValidateIdentity(t *testing.T) {
	mem := NewInMemory()
	mem.KnowIdentity("Alice_TV")
	g := NewGuard(mem)
	ctx := context.Background()

	verified, ok, err := g.ValidateIdentity(ctx, " alice_tv ")
	if err != nil || !ok || verified != "Alice_TV" {
		t.Fatalf("validate: %q %v %v", verified, ok, err)
	}
	if _, ok, _ := g.ValidateIdentity(ctx, "nobody"); ok {
		t.Fatal("expected unknown identity to be invalid")
	}
	if _, ok, _ := g.ValidateIdentity(ctx, "  "); ok {
		t.Fatal("expected empty identity to be invalid")
	}
}

func TestGuardRateLimitHonoursContext(t *testing.T) {
	mem := NewInMemory()
	g := NewGuard(mem, WithRateLimit(0.001, 1))
	ctx := context.Background()
	if _, err := g.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := g.GrantBatch(short, "alice", []string{"x"}); !errors.Is(err, model.ErrAuthorityUnavailable) {
		t.Fatalf("expected throttled call to report unavailable, got %v", err)
	}
}
