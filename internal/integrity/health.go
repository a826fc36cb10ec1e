package integrity

import (
	"context"
	"fmt"
	"time"

	"scriptgate.org/internal/store"
)

// Counts holds the row count of every table.
type Counts struct {
	Accounts   int `json:"accounts"`
	AccessKeys int `json:"access_keys"`
	Resources  int `json:"resources"`
	Entries    int `json:"ledger_entries"`
	Audit      int `json:"audit_entries"`
}

// HealthReport summarises the store state with suggested remedies.
type HealthReport struct {
	Connected       bool      `json:"connected"`
	Counts          Counts    `json:"counts"`
	Issues          []string  `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Healthy reports whether no issue was found.
func (h HealthReport) Healthy() bool { return h.Connected && len(h.Issues) == 0 }

func (h *HealthReport) add(issue, remedy string) {
	h.Issues = append(h.Issues, issue)
	h.Recommendations = append(h.Recommendations, remedy)
}

// Health inspects the store without changing it. Store failures are reported
// in the result; the error is reserved for a cancelled context.
func (v *Validator) Health(ctx context.Context) (HealthReport, error) {
	rep := HealthReport{Issues: []string{}, Recommendations: []string{}, CheckedAt: v.now().UTC()}
	if err := v.store.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return HealthReport{}, ctx.Err()
		}
		rep.add(fmt.Sprintf("database connection failed: %v", err), "check database configuration and connectivity")
		return rep, nil
	}
	rep.Connected = true

	repos := v.store.Repos()
	if err := readCounts(ctx, repos, &rep.Counts); err != nil {
		if ctx.Err() != nil {
			return HealthReport{}, ctx.Err()
		}
		rep.add(fmt.Sprintf("tables may not exist: %v", err), "run the schema migrations")
		return rep, nil
	}

	if rep.Counts.Accounts == 0 {
		rep.add("no accounts found", "bootstrap the admin account")
	}
	if rep.Counts.Resources == 0 {
		rep.add("no scripts found", "seed the default script catalog")
	}
	admins, err := repos.Accounts().CountAdmins(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	if admins == 0 && rep.Counts.Accounts > 0 {
		rep.add("no admin accounts found", "create an admin account to manage the system")
	}

	mismatched, err := bindingMismatches(ctx, repos)
	if err != nil {
		return HealthReport{}, err
	}
	if mismatched > 0 {
		rep.add(fmt.Sprintf("%d accounts have access flags that disagree with their ledger entries", mismatched), "revoke all access for the affected accounts and grant again")
	}
	return rep, nil
}

func readCounts(ctx context.Context, repos store.Repos, c *Counts) error {
	var err error
	if c.Accounts, err = repos.Accounts().Count(ctx); err != nil {
		return err
	}
	if c.AccessKeys, err = repos.Keys().Count(ctx); err != nil {
		return err
	}
	if c.Resources, err = repos.Resources().Count(ctx); err != nil {
		return err
	}
	if c.Entries, err = repos.Entries().Count(ctx); err != nil {
		return err
	}
	c.Audit, err = repos.Audit().Count(ctx)
	return err
}

// bindingMismatches counts non-admin accounts flagged as generated without
// entries, or holding entries without the flag.
func bindingMismatches(ctx context.Context, repos store.Repos) (int, error) {
	accts, err := repos.Accounts().List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range accts {
		if a.IsAdmin {
			continue
		}
		held, err := repos.Entries().CountByAccount(ctx, a.ID)
		if err != nil {
			return 0, err
		}
		if (held > 0) != a.AccessGenerated {
			n++
		}
	}
	return n, nil
}
