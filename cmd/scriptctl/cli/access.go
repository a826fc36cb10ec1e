package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"scriptgate.org/internal/app"
	"scriptgate.org/internal/ledger"
)

func newAccountsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Inspect accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts and their identity bindings",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Services.Accounts.List(ctx)
				if err != nil {
					return fmt.Errorf("list accounts: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, items)
				}
				rows := make([][]string, 0, len(items))
				for _, acct := range items {
					rows = append(rows, []string{acct.ID, acct.Email, yesNo(acct.IsAdmin), acct.BoundIdentity(), yesNo(acct.AccessGenerated)})
				}
				return table(out, []string{"ID", "EMAIL", "ADMIN", "IDENTITY", "ACCESS"}, rows)
			})
		},
	})
	return cmd
}

func newAccessCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Grant, revoke and inspect script access",
		Long: `Grant and revoke scripts for an account. Every change goes through the
external authority; only confirmed items are recorded.`,
	}
	cmd.AddCommand(newAccessShowCmd(opts))
	cmd.AddCommand(newAccessGrantCmd(opts))
	cmd.AddCommand(newAccessRevokeCmd(opts))
	return cmd
}

func newAccessShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show the scripts an account holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				view, err := a.Services.Ledger.AccessFor(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, view)
				}
				identity := view.Identity
				if identity == "" {
					identity = "(unbound)"
				}
				fmt.Fprintf(out, "%s  identity: %s\n\n", view.Account.Email, identity)
				rows := make([][]string, 0, len(view.Held))
				for _, h := range view.Held {
					name := h.Name
					if h.Dangling {
						name = "(missing resource)"
					}
					rows = append(rows, []string{h.ResourceID, h.ExternalID, name, h.GrantedAt.Format("2006-01-02 15:04")})
				}
				return table(out, []string{"RESOURCE", "EXTERNAL ID", "NAME", "GRANTED"}, rows)
			})
		},
	}
}

func newAccessGrantCmd(opts *rootOptions) *cobra.Command {
	var (
		identity  string
		resources []string
	)
	cmd := &cobra.Command{
		Use:     "grant <account-id>",
		Short:   "Grant scripts to an account",
		Example: `  scriptctl access grant 01J... --identity tv_user --resource 01J... --resource "PUB;0c59036e"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				if len(resources) == 0 {
					listing, err := a.Services.Catalog.List(ctx, true)
					if err != nil {
						return err
					}
					for _, l := range listing {
						resources = append(resources, l.ID)
					}
				}
				res, err := a.Services.Ledger.Grant(ctx, args[0], identity, resources)
				if err != nil {
					return err
				}
				return printBatch(cmd, opts, res)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "External identity to grant to (required)")
	cmd.Flags().StringArrayVar(&resources, "resource", nil, "Resource id or external id (repeatable; default every active script)")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func newAccessRevokeCmd(opts *rootOptions) *cobra.Command {
	var (
		all       bool
		resources []string
	)
	cmd := &cobra.Command{
		Use:   "revoke <account-id>",
		Short: "Revoke scripts from an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(resources) > 0) {
				return fmt.Errorf("pass either --resource or --all")
			}
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				var (
					res ledger.BatchResult
					err error
				)
				if all {
					res, err = a.Services.Ledger.RevokeAll(ctx, args[0])
				} else {
					res, err = a.Services.Ledger.Revoke(ctx, args[0], resources)
				}
				if err != nil {
					return err
				}
				return printBatch(cmd, opts, res)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Revoke every script the account holds")
	cmd.Flags().StringArrayVar(&resources, "resource", nil, "Resource id or external id (repeatable)")
	return cmd
}

func printBatch(cmd *cobra.Command, opts *rootOptions, res ledger.BatchResult) error {
	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return writeJSON(out, res)
	}
	rows := make([][]string, 0, len(res.Items))
	for _, it := range res.Items {
		name := it.Name
		if name == "" {
			name = it.ExternalID
		}
		rows = append(rows, []string{name, yesNo(it.Succeeded), yesNo(it.Sent), it.Status})
	}
	if err := table(out, []string{"SCRIPT", "OK", "SENT", "STATUS"}, rows); err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, res.Summary())
	if res.IdentityCleared {
		fmt.Fprintln(out, "Identity binding cleared.")
	}
	return nil
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		account string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Services.Audit.List(ctx, account, limit)
				if err != nil {
					return fmt.Errorf("list audit: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, items)
				}
				rows := make([][]string, 0, len(items))
				for _, e := range items {
					rows = append(rows, []string{
						e.OccurredAt.Format("2006-01-02 15:04:05"),
						string(e.Action),
						e.ExternalIdentity,
						e.ResourceExternalID,
						string(e.Outcome),
						e.Detail,
					})
				}
				return table(out, []string{"WHEN", "ACTION", "IDENTITY", "SCRIPT", "OUTCOME", "DETAIL"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only entries for this account id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}
