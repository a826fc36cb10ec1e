package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
)

const (
	defaultCallTimeout = 15 * time.Second
	defaultAuthTTL     = 5 * time.Minute
)

// Guard wraps an Authority with the local contract: authenticate before any
// batch, bound every call by a timeout, throttle outbound traffic and turn
// every transport failure into model.ErrAuthorityUnavailable.
type Guard struct {
	inner   Authority
	timeout time.Duration
	limiter *rate.Limiter
	authTTL time.Duration
	now     func() time.Time

	sf          singleflight.Group
	mu          sync.Mutex
	authedUntil time.Time
}

// GuardOption configures Guard.
type GuardOption func(*Guard)

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRateLimit caps outbound calls per second.
func WithRateLimit(perSecond float64, burst int) GuardOption {
	return func(g *Guard) {
		if perSecond > 0 && burst > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithAuthTTL sets how long a successful Authenticate is trusted. Zero
// authenticates before every batch.
func WithAuthTTL(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d >= 0 {
			g.authTTL = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewGuard(inner Authority, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:   inner,
		timeout: defaultCallTimeout,
		authTTL: defaultAuthTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ Authority = (*Guard)(nil)

// Authenticate asks the authority directly. Concurrent callers share one
// round trip; it runs detached from the first caller so that caller leaving
// early does not fail the others. Each caller still stops waiting when its own
// ctx ends.
func (g *Guard) Authenticate(ctx context.Context) (bool, error) {
	ch := g.sf.DoChan("authenticate", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		var ok bool
		err := g.call(sctx, "authenticate", func(ctx context.Context) error {
			var err error
			ok, err = g.inner.Authenticate(ctx)
			return err
		})
		if err != nil {
			g.invalidate()
			return false, err
		}
		g.mu.Lock()
		if ok {
			g.authedUntil = g.now().Add(g.authTTL)
		} else {
			g.authedUntil = time.Time{}
		}
		g.mu.Unlock()
		return ok, nil
	})
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%w: authenticate: %v", model.ErrAuthorityUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (g *Guard) GrantBatch(ctx context.Context, identity string, resourceIDs []string) ([]Outcome, error) {
	return g.batch(ctx, "grant", identity, resourceIDs, g.inner.GrantBatch)
}

func (g *Guard) RevokeBatch(ctx context.Context, identity string, resourceIDs []string) ([]Outcome, error) {
	return g.batch(ctx, "revoke", identity, resourceIDs, g.inner.RevokeBatch)
}

// ValidateIdentity defers to the authority when it supports validation and
// otherwise accepts any non-empty identity.
func (g *Guard) ValidateIdentity(ctx context.Context, identity string) (string, bool, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", false, nil
	}
	v, ok := g.inner.(IdentityValidator)
	if !ok {
		return identity, true, nil
	}
	var (
		verified string
		valid    bool
	)
	err := g.call(ctx, "validate_identity", func(ctx context.Context) error {
		var err error
		verified, valid, err = v.ValidateIdentity(ctx, identity)
		return err
	})
	if err != nil {
		return "", false, err
	}
	if valid && verified == "" {
		verified = identity
	}
	return verified, valid, nil
}

type batchFunc func(ctx context.Context, identity string, ids []string) ([]Outcome, error)

func (g *Guard) batch(ctx context.Context, op, identity string, ids []string, fn batchFunc) ([]Outcome, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := g.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}
	var raw []Outcome
	err := g.call(ctx, op, func(ctx context.Context) error {
		var err error
		raw, err = fn(ctx, identity, ids)
		return err
	})
	if err != nil {
		g.invalidate()
		return nil, err
	}
	return Match(ids, raw), nil
}

func (g *Guard) ensureAuthenticated(ctx context.Context) error {
	g.mu.Lock()
	fresh := g.now().Before(g.authedUntil)
	g.mu.Unlock()
	if fresh {
		return nil
	}
	ok, err := g.Authenticate(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: authority rejected credentials", model.ErrAuthorityUnavailable)
	}
	return nil
}

func (g *Guard) invalidate() {
	g.mu.Lock()
	g.authedUntil = time.Time{}
	g.mu.Unlock()
}

// call runs fn under the limiter and the timeout; any failure is reported as
// the authority being unavailable since the outcome of the call is unknown.
func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s throttled: %v", model.ErrAuthorityUnavailable, op, err)
		}
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	obs.ObserveAuthorityCall(op, err, time.Since(start))
	if err == nil {
		return nil
	}
	obs.Warn("authority_call_failed", map[string]any{"op": op, "error": err})
	if errors.Is(err, model.ErrAuthorityUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s", model.ErrAuthorityUnavailable, op, g.timeout)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrAuthorityUnavailable, op, err)
}
