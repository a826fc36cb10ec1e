package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"scriptgate.org/internal/app"
	"scriptgate.org/internal/catalog"
)

func newResourcesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"resource", "scripts"},
		Short:   "Manage the script catalog",
	}
	cmd.AddCommand(newResourcesListCmd(opts))
	cmd.AddCommand(newResourcesAddCmd(opts))
	cmd.AddCommand(newResourcesToggleCmd(opts))
	cmd.AddCommand(newResourcesDeleteCmd(opts))
	cmd.AddCommand(newResourcesSeedCmd(opts))
	return cmd
}

func newResourcesListCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List scripts with their holder counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Services.Catalog.List(ctx, !all)
				if err != nil {
					return fmt.Errorf("list resources: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No scripts in the catalog. Use 'scriptctl resources seed' to load the defaults.")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, l := range items {
					rows = append(rows, []string{l.ID, l.ExternalID, l.Name, yesNo(l.Active), strconv.Itoa(l.Holders)})
				}
				return table(out, []string{"ID", "EXTERNAL ID", "NAME", "ACTIVE", "HOLDERS"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include inactive scripts")
	return cmd
}

func newResourcesAddCmd(opts *rootOptions) *cobra.Command {
	var externalID, name, description string
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add a script to the catalog",
		Example: `  scriptctl resources add --external-id "PUB;0c59036e" --name Ultraalgo`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Catalog.Add(ctx, externalID, name, description)
				if err != nil {
					return fmt.Errorf("add resource: %w", err)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s) as %s\n", res.Name, res.ExternalID, res.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "Identifier the authority knows the script by (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Description")
	_ = cmd.MarkFlagRequired("external-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newResourcesToggleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip a script between active and inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Catalog.Toggle(ctx, args[0])
				if err != nil {
					return fmt.Errorf("toggle resource: %w", err)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s active: %s\n", res.Name, yesNo(res.Active))
				return nil
			})
		},
	}
}

func newResourcesDeleteCmd(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a script and every grant recorded for it",
		Long: `Delete a script from the catalog. Ledger entries for the script are removed
locally and recorded as revokes; the authority itself is not contacted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Catalog.Delete(ctx, args[0], actor)
				if err != nil {
					return fmt.Errorf("delete resource: %w", err)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s: %d entries removed, %d accounts unbound\n",
					res.Resource.Name, res.EntriesRemoved, res.AccountsCleared)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "scriptctl", "Name recorded in the audit trail")
	return cmd
}

func newResourcesSeedCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the default catalog, or a seed file",
		Long: `Upsert scripts by external id. Existing rows keep their id and active flag
and take the seed's name and description.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				var (
					items []catalog.SeedResource
					err   error
				)
				if file != "" {
					items, err = catalog.LoadSeed(file)
				} else {
					items, err = a.SeedItems()
				}
				if err != nil {
					return err
				}
				res, err := a.Services.Catalog.Seed(ctx, items)
				if err != nil {
					return fmt.Errorf("seed catalog: %w", err)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded catalog: %d added, %d updated\n", res.Added, res.Updated)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML seed file (default: catalog.seed_file or the built-in list)")
	return cmd
}
