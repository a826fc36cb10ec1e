package authority

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Call records one batch received by InMemory.
type Call struct {
	Op          string
	Identity    string
	ResourceIDs []string
}

// InMemory is a process-local authority used in development and tests.
type InMemory struct {
	mu            sync.Mutex
	grants        map[string]map[string]bool
	rejects       map[string]string
	identities    map[string]string
	unavailable   error
	authenticated bool
	delay         time.Duration
	calls         []Call
}

var (
	_ Authority         = (*InMemory)(nil)
	_ IdentityValidator = (*InMemory)(nil)
)

func NewInMemory() *InMemory {
	return &InMemory{
		grants:        make(map[string]map[string]bool),
		rejects:       make(map[string]string),
		authenticated: true,
	}
}

// Reject makes every call for resourceID fail with status.
func (m *InMemory) Reject(resourceID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[resourceID] = status
}

// ClearRejects removes all injected rejections.
func (m *InMemory) ClearRejects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects = make(map[string]string)
}

// SetUnavailable makes every call fail with err until reset with nil.
func (m *InMemory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

// SetAuthenticated controls the Authenticate answer.
func (m *InMemory) SetAuthenticated(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticated = ok
}

// SetDelay slows every batch call down; the delay honours cancellation.
func (m *InMemory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// KnowIdentity restricts ValidateIdentity to registered names. The canonical
// spelling is returned on a case-insensitive match.
func (m *InMemory) KnowIdentity(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identities == nil {
		m.identities = make(map[string]string)
	}
	m.identities[strings.ToLower(name)] = name
}

// Holds reports whether identity currently has resourceID.
func (m *InMemory) Holds(identity, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[identity][resourceID]
}

// Calls returns a copy of every batch received so far.
func (m *InMemory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *InMemory) Authenticate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return false, m.unavailable
	}
	return m.authenticated, nil
}

func (m *InMemory) GrantBatch(ctx context.Context, identity string, resourceIDs []string) ([]Outcome, error) {
	return m.batch(ctx, "grant", identity, resourceIDs, func(id string) Outcome {
		if m.grants[identity] == nil {
			m.grants[identity] = make(map[string]bool)
		}
		m.grants[identity][id] = true
		return Outcome{ResourceID: id, Succeeded: true, RawStatus: "Success"}
	})
}

func (m *InMemory) RevokeBatch(ctx context.Context, identity string, resourceIDs []string) ([]Outcome, error) {
	return m.batch(ctx, "revoke", identity, resourceIDs, func(id string) Outcome {
		delete(m.grants[identity], id)
		return Outcome{ResourceID: id, Succeeded: true, RawStatus: "removed"}
	})
}

func (m *InMemory) ValidateIdentity(ctx context.Context, identity string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return "", false, m.unavailable
	}
	if m.identities == nil {
		return identity, true, nil
	}
	canonical, ok := m.identities[strings.ToLower(identity)]
	return canonical, ok, nil
}

func (m *InMemory) batch(ctx context.Context, op, identity string, ids []string, apply func(id string) Outcome) ([]Outcome, error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return nil, m.unavailable
	}
	m.calls = append(m.calls, Call{Op: op, Identity: identity, ResourceIDs: append([]string(nil), ids...)})
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		if status, rejected := m.rejects[id]; rejected {
			out = append(out, Outcome{ResourceID: id, Succeeded: false, RawStatus: status})
			continue
		}
		out = append(out, apply(id))
	}
	return out, nil
}
