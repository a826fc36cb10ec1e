package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"scriptgate.org/internal/app"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keys",
		Aliases: []string{"key"},
		Short:   "Manage access keys",
		Long:    "Issue and list the one-time access keys new members enroll with.",
	}
	cmd.AddCommand(newKeysIssueCmd(opts))
	cmd.AddCommand(newKeysListCmd(opts))
	return cmd
}

func newKeysIssueCmd(opts *rootOptions) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:     "issue",
		Short:   "Issue a new access key",
		Example: `  scriptctl keys issue --name "Jane Doe" --email jane@example.com`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				key, err := a.Services.Keys.Issue(ctx, name, email)
				if err != nil {
					return fmt.Errorf("issue key: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, key)
				}
				fmt.Fprintln(out, "Access key issued:")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "  Code:   %s\n", key.Code)
				fmt.Fprintf(out, "  Holder: %s <%s>\n", key.HolderName, key.HolderEmail)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Holder name (required)")
	cmd.Flags().StringVar(&email, "email", "", "Holder email (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newKeysListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List access keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Services.Keys.List(ctx)
				if err != nil {
					return fmt.Errorf("list keys: %w", err)
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return writeJSON(out, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No access keys issued. Use 'scriptctl keys issue' to create one.")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, k := range items {
					rows = append(rows, []string{k.Code, k.HolderName, k.HolderEmail, string(k.Status), k.IssuedAt.Format("2006-01-02 15:04")})
				}
				return table(out, []string{"CODE", "NAME", "EMAIL", "STATUS", "ISSUED"}, rows)
			})
		},
	}
}
