package cli

import (
	"github.com/spf13/cobra"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/app"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
)

type quotaView struct {
	Subject   string          `json:"subject"`
	Category  domain.Category `json:"category"`
	Allowed   bool            `json:"allowed"`
	Limit     int             `json:"limit"`
	Remaining int             `json:"remaining"`
	ResetAt   int64           `json:"resetAt"`
}

func newQuotaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quota", Short: "Inspect rate-limit windows"}
	cmd.AddCommand(&cobra.Command{
		Use:   "peek <category> <subject>",
		Short: "Show the remaining quota without consuming it",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			category, err := domain.ParseCategory(args[0])
			if err != nil {
				return err
			}
			st, err := a.Limiter.Peek(cmd.Context(), args[1], category)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), quotaView{
				Subject: args[1], Category: category, Allowed: st.Allowed,
				Limit: st.Limit, Remaining: st.Remaining, ResetAt: st.ResetAtMillis(),
			})
		}),
	})
	return cmd
}

func newAbuseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "abuse", Short: "Inspect rate-limit violations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <category> <subject>",
		Short: "List violations recorded in the last 24 hours",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			category, err := domain.ParseCategory(args[0])
			if err != nil {
				return err
			}
			records, err := a.Abuse.List(cmd.Context(), args[1], category)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		}),
	})
	return cmd
}
