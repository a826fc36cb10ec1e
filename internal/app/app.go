// Package app assembles the service graph from configuration. The API server
// and the admin CLI share it so both see the same store, authority and audit
// fan-out.
package app

import (
	"context"
	"errors"
	"fmt"

	"scriptgate.org/internal/accounts"
	"scriptgate.org/internal/audit"
	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/authority"
	"scriptgate.org/internal/authority/remote"
	"scriptgate.org/internal/backup"
	"scriptgate.org/internal/catalog"
	"scriptgate.org/internal/config"
	"scriptgate.org/internal/httpapi"
	"scriptgate.org/internal/integrity"
	"scriptgate.org/internal/keys"
	"scriptgate.org/internal/ledger"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/store/sqlstore"
	"scriptgate.org/internal/stream"
)

// App owns every long-lived component and closes them in reverse order.
type App struct {
	Config    config.Config
	Store     *sqlstore.Store
	Signer    *auth.Signer
	Authority authority.Authority
	Publisher *audit.Publisher
	Services  httpapi.Services

	closers []func() error
}

// Build opens the store, applies migrations, selects the authority and wires
// the services. Callers must Close the result.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	st, err := sqlstore.OpenMigrated(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	signer, err := auth.NewSigner(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("signer: %w", err)
	}
	a.Signer = signer

	inner, err := a.dialAuthority(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Authority = authority.NewGuard(inner,
		authority.WithTimeout(cfg.Authority.Timeout),
		authority.WithRateLimit(cfg.Authority.RatePerSec, cfg.Authority.RateBurst),
		authority.WithAuthTTL(cfg.Authority.AuthTTL),
	)

	hub := stream.New()
	a.Publisher = audit.NewPublisher(audit.LogSink(), audit.StreamSink(hub))
	if cfg.KafkaEnabled() {
		sink := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.Publisher.Add(sink)
		a.closers = append(a.closers, sink.Close)
		obs.Info("kafka_audit_enabled", map[string]any{"brokers": cfg.Kafka.Brokers, "topic": cfg.Kafka.Topic})
	}

	pending := keys.NewTokenIssuer(signer, cfg.Auth.PendingTTL)
	a.Services = httpapi.Services{
		Signer:    signer,
		Accounts:  accounts.NewService(st, pending),
		Keys:      keys.NewRegistry(st),
		Pending:   pending,
		Catalog:   catalog.New(st, catalog.WithPublisher(a.Publisher)),
		Ledger:    ledger.NewCoordinator(st, a.Authority, ledger.WithPublisher(a.Publisher)),
		Audit:     audit.NewLog(st),
		Stream:    hub,
		Integrity: integrity.New(st),
		Backups: backup.NewCoordinator(st, cfg.Backup.Dir,
			backup.WithCompression(cfg.Backup.Compress),
			backup.WithAutoKeep(cfg.Backup.AutoKeep),
		),
	}
	return a, nil
}

func (a *App) dialAuthority(ctx context.Context) (authority.Authority, error) {
	target := a.Config.Authority.Target
	if target == "" {
		obs.Warn("authority_in_process", map[string]any{
			"reason": "authority.target is empty; grants are tracked in memory only",
		})
		return authority.NewInMemory(), nil
	}
	dialCtx, cancel := remote.WithTimeout(ctx, a.Config.Authority.Timeout)
	defer cancel()
	client, err := remote.Dial(dialCtx, target, a.Config.Authority.APIKey)
	if err != nil {
		return nil, fmt.Errorf("dial authority %s: %w", target, err)
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// Bootstrap provisions the admin account and seeds an empty catalog.
func (a *App) Bootstrap(ctx context.Context) error {
	if a.Config.Admin.Email != "" {
		acct, created, err := a.Services.Accounts.EnsureAdmin(ctx, a.Config.Admin.Email, a.Config.Admin.Password)
		if err != nil {
			return fmt.Errorf("ensure admin: %w", err)
		}
		if created {
			obs.Info("admin_created", map[string]any{"account_id": acct.ID, "email": acct.Email})
		}
	}
	items, err := a.SeedItems()
	if err != nil {
		return err
	}
	res, err := a.Services.Catalog.SeedIfEmpty(ctx, items)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if res.Added > 0 {
		obs.Info("catalog_defaults_loaded", map[string]any{"added": res.Added})
	}
	return nil
}

// SeedItems returns the configured seed file, or the built-in defaults.
func (a *App) SeedItems() ([]catalog.SeedResource, error) {
	if a.Config.Catalog.SeedFile == "" {
		return catalog.DefaultSeed(), nil
	}
	items, err := catalog.LoadSeed(a.Config.Catalog.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("load seed %s: %w", a.Config.Catalog.SeedFile, err)
	}
	return items, nil
}

// Close releases everything Build opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
