package ledger

import (
	"fmt"
	"strings"

	"scriptgate.org/internal/model"
)

// Local reasons for items that never reach the authority.
const (
	ReasonUnknownResource  = "unknown resource"
	ReasonInactive         = "resource inactive"
	ReasonNotGranted       = "not granted"
	ReasonDuplicateRequest = "duplicate request"
	ReasonRemovedDuring    = "resource removed while the batch was in flight"
)

// Item is the outcome of one requested resource.
type Item struct {
	ResourceID string `json:"resource_id,omitempty"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name,omitempty"`
	Succeeded  bool   `json:"succeeded"`
	// Status is the authority's raw status, or a local reason when the item
	// was never sent.
	Status string `json:"status"`
	// Sent reports whether the item was part of the outbound batch.
	Sent bool `json:"sent"`
	// Existing marks a successful grant for an entry that was already present.
	Existing bool `json:"existing,omitempty"`
}

// BatchResult is the per-item breakdown of one grant or revoke.
type BatchResult struct {
	Action          model.AuditAction `json:"action"`
	AccountID       string            `json:"account_id"`
	Identity        string            `json:"identity"`
	Items           []Item            `json:"items"`
	Succeeded       int               `json:"succeeded"`
	Failed          int               `json:"failed"`
	FailedNames     []string          `json:"failed_names,omitempty"`
	IdentityCleared bool              `json:"identity_cleared,omitempty"`
}

func (r *BatchResult) tally() {
	r.Succeeded, r.Failed, r.FailedNames = 0, 0, nil
	for _, it := range r.Items {
		if it.Succeeded {
			r.Succeeded++
			continue
		}
		r.Failed++
		name := it.Name
		if name == "" {
			name = it.ExternalID
		}
		r.FailedNames = append(r.FailedNames, name)
	}
}

// Partial reports whether some but not all items succeeded.
func (r BatchResult) Partial() bool { return r.Succeeded > 0 && r.Failed > 0 }

// Summary renders a one-line operator message.
func (r BatchResult) Summary() string {
	verb := "granted"
	if r.Action == model.ActionRevoke {
		verb = "revoked"
	}
	switch {
	case len(r.Items) == 0:
		return "nothing to do"
	case r.Failed == 0:
		return fmt.Sprintf("%s %d of %d", verb, r.Succeeded, len(r.Items))
	default:
		return fmt.Sprintf("%s %d of %d; failed: %s", verb, r.Succeeded, len(r.Items), strings.Join(r.FailedNames, ", "))
	}
}

// HeldResource is one ledger entry joined with its catalog row.
type HeldResource struct {
	model.LedgerEntry
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	Dangling   bool   `json:"dangling,omitempty"`
}

// Access is the ledger view of one account.
type Access struct {
	Account  model.Account  `json:"account"`
	Identity string         `json:"identity,omitempty"`
	Held     []HeldResource `json:"held"`
}
