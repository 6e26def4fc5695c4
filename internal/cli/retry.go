package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/app"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
)

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "retry", Short: "Inspect pending soft-bounce retries"}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <channel> <recipient>",
		Short: "Show the retry state of a recipient",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ch, recipient, err := recipientArgs(args)
			if err != nil {
				return err
			}
			st, err := a.Retries.State(cmd.Context(), recipient, ch)
			if errors.Is(err, retry.ErrNotFound) {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "no retry pending for %s %s\n", ch, recipient)
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <channel> <recipient>",
		Short: "Drop a pending retry",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ch, recipient, err := recipientArgs(args)
			if err != nil {
				return err
			}
			if err := a.Retries.Cancel(cmd.Context(), recipient, ch); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s %s\n", ch, recipient)
			return err
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Run one recovery scan: fire due retries and prune stale entries",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			stats, err := a.Retries.Recover(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	})
	return cmd
}
