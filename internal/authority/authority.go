// Package authority describes the external service that enforces script
// access, and the local guard every call to it passes through.
package authority

import (
	"context"
	"strings"
)

// Outcome is the normalized per-item result of a batch call.
type Outcome struct {
	ResourceID string `json:"resource_id"`
	Succeeded  bool   `json:"succeeded"`
	RawStatus  string `json:"raw_status"`
}

// Authority is the remote enforcement point. Batch calls answer per item;
// cardinality matches the input but order is not guaranteed.
type Authority interface {
	Authenticate(ctx context.Context) (bool, error)
	GrantBatch(ctx context.Context, identity string, resourceIDs []string) ([]Outcome, error)
	RevokeBatch(ctx context.Context, identity string, resourceIDs []string) ([]Outcome, error)
}

// IdentityValidator is implemented by authorities that can check an
// external user name before anything is granted to it.
type IdentityValidator interface {
	ValidateIdentity(ctx context.Context, identity string) (verified string, ok bool, err error)
}

// StatusMissing is recorded for submitted ids the authority did not answer.
const StatusMissing = "no outcome returned by authority"

// Match pairs outcomes with the submitted ids, in submission order. Ids the
// authority left unanswered count as failed; outcomes for ids that were not
// submitted are ignored.
func Match(submitted []string, outcomes []Outcome) []Outcome {
	byID := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		id := strings.TrimSpace(o.ResourceID)
		if _, seen := byID[id]; seen {
			continue
		}
		byID[id] = o
	}
	out := make([]Outcome, 0, len(submitted))
	for _, id := range submitted {
		o, ok := byID[id]
		if !ok {
			out = append(out, Outcome{ResourceID: id, Succeeded: false, RawStatus: StatusMissing})
			continue
		}
		o.ResourceID = id
		out = append(out, o)
	}
	return out
}
