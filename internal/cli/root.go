// Package cli implements notifyctl, the operator CLI for quotas,
// suppressions and pending retries.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/app"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
)

var (
	cfgFile string
	verbose bool
)

// openApp builds the components for one command. Tests replace it to share
// an in-memory App between invocations.
var openApp = func(ctx context.Context) (*app.App, func(), error) {
	cfg, err := app.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if !verbose {
		cfg.Logging.Level = "warn"
	}
	app.ConfigureLogging(cfg, "notifyctl")
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, func() { _ = a.Close() }, nil
}

// NewRootCmd returns the notifyctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Inspect and manage notification delivery state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config/config.yaml", "config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(newQuotaCmd(), newAbuseCmd(), newSuppressionCmd(), newRetryCmd())
	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	defer logger.Sync()
	return NewRootCmd().ExecuteContext(ctx)
}

// withApp wraps a RunE body with App setup and teardown. Registry changes
// made by the body are audited as the cli actor.
func withApp(run func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(audit.WithActor(ctx, "cli"))
		a, closeFn, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		return run(cmd, a, args)
	}
}

func printJSON(w io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}
