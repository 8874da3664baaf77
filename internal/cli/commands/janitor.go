package commands

import (
	"fmt"

	"github.com/leapstack-labs/strata/internal/janitor"
	"github.com/spf13/cobra"
)

// NewJanitorCommand creates the janitor command.
func NewJanitorCommand() *cobra.Command {
	var ignoreTTL bool

	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Reclaim expired environments and unreferenced snapshots",
		Long: `Delete expired or invalidated non-production environments, then drop the
physical tables of snapshots no environment references anymore. Production
is never touched. Safe to run at any time; each pass is idempotent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt := FromContext(cmd.Context())
			ctx := cmd.Context()

			store, err := openStore(rt)
			if err != nil {
				return err
			}
			defer store.Close()

			backend, err := connectBackend(ctx, rt)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := janitor.New(store, backend, rt.Logger).Reclaim(ctx, ignoreTTL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Janitor pass complete.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&ignoreTTL, "ignore-ttl", false, "Reclaim every non-production environment regardless of expiry")

	return cmd
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <environment>",
		Short: "Mark an environment for reclamation",
		Long: `Mark an environment invalidated so the next janitor pass removes it.
The environment stays readable until then. Production cannot be invalidated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())

			store, err := openStore(rt)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.InvalidateEnvironment(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment %q invalidated; the next janitor pass will reclaim it.\n", args[0])
			return nil
		},
	}
}
