// Package cli implements scriptctl, the operator tool that works directly
// against the scriptgate database.
package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"scriptgate.org/internal/app"
	"scriptgate.org/internal/config"
	"scriptgate.org/internal/obs"
)

type rootOptions struct {
	cfgFile string
	jsonOut bool
}

// Execute creates the root command tree and runs it.
func Execute(version, commit string) error {
	return newRootCmd(version, commit).Execute()
}

func newRootCmd(version, commit string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "scriptctl",
		Short: "Operate a scriptgate installation",
		Long: `scriptctl manages access keys, the script catalog and per-account grants,
and runs integrity checks and backups against the configured database.

Settings come from scriptgate.yaml, SCRIPTGATE_* environment variables and the
flags below, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Keep stdout for command output.
			obs.Logger().SetOutput(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./scriptgate.yaml)")
	cmd.PersistentFlags().String("driver", "", "database driver, pgx or sqlite")
	cmd.PersistentFlags().String("dsn", "", "database DSN")
	cmd.PersistentFlags().String("authority", "", "authority gRPC address (empty uses the in-process authority)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Output as JSON")

	cmd.AddCommand(newVersionCmd(version, commit))
	cmd.AddCommand(newKeysCmd(opts))
	cmd.AddCommand(newResourcesCmd(opts))
	cmd.AddCommand(newAccountsCmd(opts))
	cmd.AddCommand(newAccessCmd(opts))
	cmd.AddCommand(newAuditCmd(opts))
	cmd.AddCommand(newIntegrityCmd(opts))
	cmd.AddCommand(newBackupCmd(opts))

	return cmd
}

func newVersionCmd(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "scriptctl %s (%s)\n", version, commit)
			return err
		},
	}
}

// open loads the configuration with flag overrides and builds the service graph.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	v := config.New(o.cfgFile)
	if err := config.ReadIn(v, o.cfgFile); err != nil {
		return nil, err
	}
	flags := cmd.Root().PersistentFlags()
	for key, name := range map[string]string{
		"database.driver":  "driver",
		"database.dsn":     "dsn",
		"authority.target": "authority",
	} {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Secret == "" {
		// scriptctl never hands tokens to anyone, so a throwaway key is enough.
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Auth.Secret = secret
	}
	return app.Build(cmd.Context(), cfg)
}

// run opens the app, calls fn and closes the app again.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
