package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"scriptgate.org/internal/app"
	"scriptgate.org/internal/backup"
)

func newIntegrityCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Check and repair the local database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Find and fix dangling references and duplicate scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Integrity.Validate(ctx)
				if err != nil {
					return fmt.Errorf("validate: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, res)
				}
				rows := make([][]string, 0, len(res.Passes))
				for _, p := range res.Passes {
					rows = append(rows, []string{p.Name, strconv.Itoa(p.Found), strconv.Itoa(p.Fixed), p.Message})
				}
				if err := table(out, []string{"PASS", "FOUND", "FIXED", "MESSAGE"}, rows); err != nil {
					return err
				}
				if res.Clean() {
					fmt.Fprintln(out, "\nNo integrity issues found.")
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Report table counts and consistency issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Services.Integrity.Health(ctx)
				if err != nil {
					return fmt.Errorf("health: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, rep)
				}
				c := rep.Counts
				fmt.Fprintf(out, "Accounts: %d  Keys: %d  Scripts: %d  Entries: %d  Audit: %d\n",
					c.Accounts, c.AccessKeys, c.Resources, c.Entries, c.Audit)
				if rep.Healthy() {
					fmt.Fprintln(out, "Healthy.")
					return nil
				}
				for i, issue := range rep.Issues {
					fmt.Fprintf(out, "  ! %s\n    -> %s\n", issue, rep.Recommendations[i])
				}
				return fmt.Errorf("%d health issues", len(rep.Issues))
			})
		},
	})
	return cmd
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backup",
		Aliases: []string{"backups"},
		Short:   "Create, list, restore and prune backups",
	}
	cmd.AddCommand(newBackupCreateCmd(opts))
	cmd.AddCommand(newBackupListCmd(opts))
	cmd.AddCommand(newBackupRestoreCmd(opts))
	cmd.AddCommand(newBackupPruneCmd(opts))
	return cmd
}

func newBackupCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Snapshot every table into the backup directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				entry, err := a.Services.Backups.Save(ctx, name)
				if err != nil {
					return fmt.Errorf("create backup: %w", err)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), entry)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%d bytes)\n", entry.Path, entry.Size)
				return nil
			})
		},
	}
}

func newBackupListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List backups, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Services.Backups.List()
				if err != nil {
					return fmt.Errorf("list backups: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, items)
				}
				if len(items) == 0 {
					fmt.Fprintf(out, "No backups in %s.\n", a.Services.Backups.Dir())
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, e := range items {
					rows = append(rows, []string{e.Name, strconv.FormatInt(e.Size, 10), e.Modified.Format("2006-01-02 15:04:05")})
				}
				return table(out, []string{"NAME", "SIZE", "MODIFIED"}, rows)
			})
		},
	}
}

func newBackupRestoreCmd(opts *rootOptions) *cobra.Command {
	var confirm, file string
	cmd := &cobra.Command{
		Use:   "restore [name]",
		Short: "Replace all data with a backup",
		Long: `Replace every table with the contents of a backup. The restore runs in one
transaction and needs --confirm ` + backup.Confirmation + `.

A name is looked up in the backup directory. Use --file to restore an artifact
from any other location.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (file != "") {
				return fmt.Errorf("give either a backup name or --file")
			}
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				var (
					res backup.RestoreResult
					err error
				)
				if file != "" {
					res, err = a.Services.Backups.RestorePath(ctx, file, confirm)
				} else {
					res, err = a.Services.Backups.RestoreFile(ctx, args[0], confirm)
				}
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %d accounts, %d keys, %d scripts, %d entries, %d audit entries\n",
					res.Accounts, res.AccessKeys, res.Resources, res.LedgerEntries, res.AuditEntries)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "Must be "+backup.Confirmation)
	cmd.Flags().StringVar(&file, "file", "", "Restore from this artifact path instead of a named backup")
	return cmd
}

func newBackupPruneCmd(opts *rootOptions) *cobra.Command {
	var (
		keep   int
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backups with a prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				removed, err := a.Services.Backups.Prune(keep, prefix)
				if err != nil {
					return fmt.Errorf("prune backups: %w", err)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), removed)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backups\n", len(removed))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", backup.DefaultAutoKeep, "Number of backups to keep")
	cmd.Flags().StringVar(&prefix, "prefix", backup.AutoPrefix, "Only consider backups whose name starts with this")
	return cmd
}
