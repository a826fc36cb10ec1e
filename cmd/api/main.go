package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptgate.org/internal/app"
	"scriptgate.org/internal/config"
	"scriptgate.org/internal/httpapi"
	"scriptgate.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configFile := flag.String("config", "", "config file (default ./scriptgate.yaml)")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	if err := a.Bootstrap(ctx); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	go runBackups(ctx, a, cfg.Backup)

	api := httpapi.New(httpapi.ReadyProbe{DB: a.Store}, version, a.Services,
		httpapi.WithTokenTTL(cfg.Auth.TokenTTL),
		httpapi.WithRateLimit(cfg.HTTP.RatePerSec, cfg.HTTP.RateBurst),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Grants wait on the authority; leave room for its timeout.
		WriteTimeout: cfg.Authority.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	obs.Info("server_starting", map[string]any{"version": version, "addr": srv.Addr, "driver": cfg.Database.Driver})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("server_stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("shutdown_incomplete", map[string]any{"error": err})
	}
	obs.Info("server_stopped", nil)
}

// runBackups takes the start-up snapshot and, with an interval configured,
// keeps taking them until ctx ends.
func runBackups(ctx context.Context, a *app.App, cfg config.Backup) {
	backups := a.Services.Backups
	if cfg.AutoOnStart {
		if entry, err := backups.Auto(ctx); err == nil {
			obs.Info("auto_backup_saved", map[string]any{"name": entry.Name, "size": entry.Size})
		}
	}
	if cfg.AutoInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.AutoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if entry, err := backups.Auto(ctx); err == nil {
				obs.Info("auto_backup_saved", map[string]any{"name": entry.Name, "size": entry.Size})
			}
		}
	}
}
