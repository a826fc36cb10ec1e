// Package integrity finds and repairs broken references in the local store.
package integrity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

// Pass names.
const (
	PassDanglingAccount  = "dangling_account_entries"
	PassDanglingResource = "dangling_resource_entries"
	PassDanglingKeyRef   = "dangling_key_refs"
	PassDuplicateScripts = "duplicate_external_ids"
)

// Report describes one repair pass.
type Report struct {
	Name    string `json:"name"`
	Found   int    `json:"found"`
	Fixed   int    `json:"fixed"`
	Message string `json:"message"`
}

// Result is the outcome of one Validate call.
type Result struct {
	Passes []Report `json:"passes"`
	Found  int      `json:"found"`
	Fixed  int      `json:"fixed"`
}

// Clean reports whether no pass found anything.
func (r Result) Clean() bool { return r.Found == 0 }

// Issues lists the messages of passes that found anomalies.
func (r Result) Issues() []string {
	var out []string
	for _, p := range r.Passes {
		if p.Found > 0 {
			out = append(out, p.Message)
		}
	}
	return out
}

// Validator runs the repair passes.
type Validator struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Validator {
	return &Validator{store: st, now: time.Now}
}

type pass struct {
	name string
	run  func(ctx context.Context, tx store.Repos, at time.Time) (Report, error)
}

// Validate runs every pass inside one transaction. Any error discards all
// fixes made by this call.
func (v *Validator) Validate(ctx context.Context) (Result, error) {
	passes := []pass{
		{PassDanglingAccount, danglingAccountEntries},
		{PassDanglingResource, danglingResourceEntries},
		{PassDanglingKeyRef, danglingKeyRefs},
		{PassDuplicateScripts, duplicateExternalIDs},
	}
	var res Result
	at := v.now().UTC()
	err := v.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		res = Result{}
		for _, p := range passes {
			rep, err := p.run(ctx, tx, at)
			if err != nil {
				return fmt.Errorf("integrity pass %s: %w", p.name, err)
			}
			rep.Name = p.name
			res.Passes = append(res.Passes, rep)
			res.Found += rep.Found
			res.Fixed += rep.Fixed
		}
		return nil
	})
	if err != nil {
		obs.Error("integrity_failed", map[string]any{"error": err})
		return Result{}, err
	}
	for _, p := range res.Passes {
		obs.CountIntegrityAnomalies(p.Name, p.Found)
	}
	obs.Info("integrity_validated", map[string]any{"found": res.Found, "fixed": res.Fixed})
	return res, nil
}

func danglingAccountEntries(ctx context.Context, tx store.Repos, _ time.Time) (Report, error) {
	rows, err := tx.Entries().DanglingAccount(ctx)
	if err != nil {
		return Report{}, err
	}
	n, err := tx.Entries().DeleteByID(ctx, entryIDs(rows)...)
	if err != nil {
		return Report{}, err
	}
	return Report{Found: len(rows), Fixed: int(n), Message: fmt.Sprintf("found %d orphaned ledger entries", len(rows))}, nil
}

func danglingResourceEntries(ctx context.Context, tx store.Repos, _ time.Time) (Report, error) {
	rows, err := tx.Entries().DanglingResource(ctx)
	if err != nil {
		return Report{}, err
	}
	n, err := tx.Entries().DeleteByID(ctx, entryIDs(rows)...)
	if err != nil {
		return Report{}, err
	}
	return Report{Found: len(rows), Fixed: int(n), Message: fmt.Sprintf("found %d ledger entries for deleted scripts", len(rows))}, nil
}

func danglingKeyRefs(ctx context.Context, tx store.Repos, at time.Time) (Report, error) {
	accts, err := tx.Accounts().DanglingKeyRefs(ctx)
	if err != nil {
		return Report{}, err
	}
	fixed := 0
	for _, a := range accts {
		if err := tx.Accounts().ClearKeyRef(ctx, a.ID, at); err != nil {
			return Report{}, err
		}
		fixed++
	}
	return Report{Found: len(accts), Fixed: fixed, Message: fmt.Sprintf("found %d accounts with invalid access key references", len(accts))}, nil
}

// duplicateExternalIDs keeps the earliest row per external id. Entries of a
// duplicate go before the duplicate itself.
func duplicateExternalIDs(ctx context.Context, tx store.Repos, _ time.Time) (Report, error) {
	dups, err := tx.Resources().DuplicateExternalIDs(ctx)
	if err != nil {
		return Report{}, err
	}
	found, fixed := 0, 0
	for _, ext := range dups {
		rows, err := tx.Resources().ByExternalID(ctx, ext)
		if err != nil {
			return Report{}, err
		}
		if len(rows) < 2 {
			continue
		}
		for _, r := range rows[1:] {
			found++
			if _, err := tx.Entries().DeleteByResource(ctx, r.ID); err != nil {
				return Report{}, err
			}
			if err := tx.Resources().Delete(ctx, r.ID); err != nil {
				return Report{}, err
			}
			fixed++
		}
	}
	msg := fmt.Sprintf("found %d duplicate script ids", found)
	if len(dups) > 0 {
		msg += " (" + strings.Join(dups, ", ") + ")"
	}
	return Report{Found: found, Fixed: fixed, Message: msg}, nil
}

func entryIDs(rows []model.LedgerEntry) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}
