package backup

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store"
)

// Confirmation must be passed to Restore verbatim.
const Confirmation = "CONFIRM"

// Defaults for automatic snapshots.
const (
	DefaultDir      = "backups"
	AutoPrefix      = "auto_backup_"
	DefaultAutoKeep = 10
)

// Coordinator takes and restores snapshots and manages artifact files in a
// directory.
type Coordinator struct {
	store    store.Store
	dir      string
	compress bool
	autoKeep int
	now      func() time.Time
}

// Option configures Coordinator.
type Option func(*Coordinator)

// WithCompression stores new artifacts as zstd-compressed .json.zst files.
func WithCompression(on bool) Option {
	return func(c *Coordinator) { c.compress = on }
}

// WithAutoKeep sets how many automatic snapshots Auto retains.
func WithAutoKeep(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.autoKeep = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewCoordinator(st store.Store, dir string, opts ...Option) *Coordinator {
	if dir == "" {
		dir = DefaultDir
	}
	c := &Coordinator{store: st, dir: dir, autoKeep: DefaultAutoKeep, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the artifact directory.
func (c *Coordinator) Dir() string { return c.dir }

// Snapshot reads every table. Tables are read concurrently and not inside one
// transaction, so concurrent writes may show up in some tables only.
func (c *Coordinator) Snapshot(ctx context.Context) (art Artifact, err error) {
	defer func() { obs.CountBackup("snapshot", err) }()

	repos := c.store.Repos()
	art = Artifact{Timestamp: c.now().UTC(), Version: Version}
	var accounts []model.Account

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		accounts, err = repos.Accounts().List(gctx)
		return err
	})
	g.Go(func() (err error) {
		art.AccessKeys, err = repos.Keys().List(gctx)
		return err
	})
	g.Go(func() (err error) {
		art.Resources, err = repos.Resources().List(gctx, false)
		return err
	})
	g.Go(func() (err error) {
		art.LedgerEntries, err = repos.Entries().ListAll(gctx)
		return err
	})
	g.Go(func() (err error) {
		art.AuditEntries, err = repos.Audit().List(gctx, store.AuditFilter{})
		return err
	})
	if err := g.Wait(); err != nil {
		return Artifact{}, fmt.Errorf("snapshot: %w", err)
	}
	art.Accounts = make([]AccountRecord, len(accounts))
	for i, a := range accounts {
		art.Accounts[i] = recordFromAccount(a)
	}
	normalize(&art)
	return art, nil
}

// normalize replaces nil slices so empty tables serialise as [].
func normalize(a *Artifact) {
	if a.Accounts == nil {
		a.Accounts = []AccountRecord{}
	}
	if a.AccessKeys == nil {
		a.AccessKeys = []model.AccessKey{}
	}
	if a.Resources == nil {
		a.Resources = []model.Resource{}
	}
	if a.LedgerEntries == nil {
		a.LedgerEntries = []model.LedgerEntry{}
	}
	if a.AuditEntries == nil {
		a.AuditEntries = []model.AuditEntry{}
	}
}

// RestoreResult counts the rows written by Restore.
type RestoreResult struct {
	Accounts      int `json:"accounts"`
	AccessKeys    int `json:"access_keys"`
	Resources     int `json:"resources"`
	LedgerEntries int `json:"ledger_entries"`
	AuditEntries  int `json:"audit_entries"`
}

// Restore replaces every table with the artifact contents. It needs the
// literal Confirmation and runs in one transaction: any row error leaves the
// previous data untouched.
func (c *Coordinator) Restore(ctx context.Context, art Artifact, confirmation string) (res RestoreResult, err error) {
	defer func() { obs.CountBackup("restore", err) }()

	if confirmation != Confirmation {
		return RestoreResult{}, fmt.Errorf("%w: type %s to replace all data", model.ErrRestoreAborted, Confirmation)
	}
	if err := art.Validate(); err != nil {
		return RestoreResult{}, err
	}

	err = c.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		// Children before parents.
		if err := tx.Entries().DeleteAll(ctx); err != nil {
			return err
		}
		if err := tx.Audit().DeleteAll(ctx); err != nil {
			return err
		}
		if err := tx.Accounts().DeleteAll(ctx); err != nil {
			return err
		}
		if err := tx.Keys().DeleteAll(ctx); err != nil {
			return err
		}
		if err := tx.Resources().DeleteAll(ctx); err != nil {
			return err
		}

		for i := range art.Resources {
			r := art.Resources[i]
			if err := tx.Resources().Create(ctx, &r); err != nil {
				return fmt.Errorf("resource %s: %w", r.ID, err)
			}
		}
		for i := range art.AccessKeys {
			k := art.AccessKeys[i]
			if err := tx.Keys().Create(ctx, &k); err != nil {
				return fmt.Errorf("access key %s: %w", k.ID, err)
			}
		}
		for _, rec := range art.Accounts {
			a := rec.account()
			if err := tx.Accounts().Create(ctx, &a); err != nil {
				return fmt.Errorf("account %s: %w", a.ID, err)
			}
		}
		for i := range art.LedgerEntries {
			e := art.LedgerEntries[i]
			if err := tx.Entries().Create(ctx, &e); err != nil {
				return fmt.Errorf("ledger entry %s: %w", e.ID, err)
			}
		}
		for i := range art.AuditEntries {
			e := art.AuditEntries[i]
			if err := tx.Audit().Append(ctx, &e); err != nil {
				return fmt.Errorf("audit entry %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		obs.Error("restore_failed", map[string]any{"error": err})
		return RestoreResult{}, fmt.Errorf("%w: %w", model.ErrRestoreAborted, err)
	}
	res = RestoreResult{
		Accounts:      len(art.Accounts),
		AccessKeys:    len(art.AccessKeys),
		Resources:     len(art.Resources),
		LedgerEntries: len(art.LedgerEntries),
		AuditEntries:  len(art.AuditEntries),
	}
	obs.Info("restore_complete", map[string]any{"taken_at": art.Timestamp, "rows": art.Rows()})
	return res, nil
}
