package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/app"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/domain"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
)

func recipientArgs(args []string) (domain.Channel, string, error) {
	ch, err := domain.ParseChannel(args[0])
	if err != nil {
		return "", "", err
	}
	recipient, err := domain.ParseRecipient(ch, args[1])
	if err != nil {
		return "", "", err
	}
	return ch, recipient, nil
}

func newSuppressionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "suppression", Aliases: []string{"supp"}, Short: "Manage the suppression registry"}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <channel> <recipient>",
		Short: "Show the active suppression for a recipient",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ch, recipient, err := recipientArgs(args)
			if err != nil {
				return err
			}
			entry, err := a.Suppressions.Get(cmd.Context(), recipient, ch)
			if errors.Is(err, suppression.ErrNotFound) {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s is not suppressed\n", ch, recipient)
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		}),
	})

	var (
		reason, source, detail string
		ttl                    time.Duration
		permanent              bool
	)
	add := &cobra.Command{
		Use:   "add <channel> <recipient>",
		Short: "Suppress a recipient",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ch, recipient, err := recipientArgs(args)
			if err != nil {
				return err
			}
			req := suppression.SuppressRequest{
				Recipient: recipient,
				Channel:   ch,
				Reason:    domain.SuppressionReason(reason),
				Source:    domain.SuppressionSource(source),
				Detail:    detail,
			}
			switch {
			case permanent:
				req.TTL = suppression.Permanent()
			case ttl > 0:
				req.TTL = &ttl
			}
			entry, err := a.Suppressions.Suppress(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		}),
	}
	add.Flags().StringVar(&reason, "reason", string(domain.ReasonManual), "suppression reason")
	add.Flags().StringVar(&source, "source", string(domain.SourceManual), "suppression source")
	add.Flags().StringVar(&detail, "detail", "", "free-form note")
	add.Flags().DurationVar(&ttl, "ttl", 0, "lifetime; 0 applies the source default")
	add.Flags().BoolVar(&permanent, "permanent", false, "never expire")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "lift <channel> <recipient>",
		Short: "Remove a suppression",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			ch, recipient, err := recipientArgs(args)
			if err != nil {
				return err
			}
			if err := a.Suppressions.Lift(cmd.Context(), recipient, ch); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "lifted %s %s\n", ch, recipient)
			return err
		}),
	})

	var filter struct {
		channel, source, reason string
		limit                   int
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List active suppressions",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			f := suppression.ListFilter{
				Source: domain.SuppressionSource(filter.source),
				Reason: domain.SuppressionReason(filter.reason),
				Limit:  filter.limit,
			}
			if filter.channel != "" {
				ch, err := domain.ParseChannel(filter.channel)
				if err != nil {
					return err
				}
				f.Channel = ch
			}
			entries, err := a.Suppressions.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}),
	}
	list.Flags().StringVar(&filter.channel, "channel", "", "email or sms")
	list.Flags().StringVar(&filter.source, "source", "", "filter by source")
	list.Flags().StringVar(&filter.reason, "reason", "", "filter by reason")
	list.Flags().IntVar(&filter.limit, "limit", 100, "maximum entries")
	cmd.AddCommand(list)

	var trail struct {
		channel, recipient, action string
		limit                      int
	}
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the suppression audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			f := audit.Filter{
				Recipient: trail.recipient,
				Action:    audit.Action(trail.action),
				Limit:     trail.limit,
			}
			if trail.channel != "" {
				ch, err := domain.ParseChannel(trail.channel)
				if err != nil {
					return err
				}
				f.Channel = ch
			}
			entries, err := a.Audit.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		}),
	}
	auditCmd.Flags().StringVar(&trail.channel, "channel", "", "email or sms")
	auditCmd.Flags().StringVar(&trail.recipient, "recipient", "", "filter by recipient")
	auditCmd.Flags().StringVar(&trail.action, "action", "", "suppress, lift or opt_in")
	auditCmd.Flags().IntVar(&trail.limit, "limit", 100, "maximum entries")
	cmd.AddCommand(auditCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count active suppressions",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			stats, err := a.Suppressions.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	})
	return cmd
}
