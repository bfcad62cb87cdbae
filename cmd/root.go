// Package cmd defines and implements the CLI commands for the ecfr executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ecfr-mirror/internal/config"
	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/ingest"
	"github.com/JakeFAU/ecfr-mirror/internal/query"
	"github.com/JakeFAU/ecfr-mirror/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Fetch(ctx context.Context, opts ingest.Options) (ingest.Summary, error)
	Analyze(ctx context.Context) (ecfr.Metrics, error)
	Refresh(ctx context.Context, opts ingest.Options) (*query.Snapshot, ingest.Summary, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "ecfr",
		Short: "Mirror the electronic Code of Federal Regulations and serve metrics over it.",
		Long: `ecfr downloads every non-reserved CFR title from the public eCFR versioner
API, keeps a local snapshot current, computes per-agency word counts and
per-year change counts, and serves metrics, search and section lookups.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Services are built after flags are parsed and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and ECFR_* environment variables apply)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := runRoot(context.Background(), newRootCmd()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runRoot executes root and closes the application services the executed
// command created, whether or not the command failed.
func runRoot(ctx context.Context, root *cobra.Command) error {
	executed, err := root.ExecuteContextC(ctx)
	if executed == nil || executed.Context() == nil {
		return err
	}
	appInstance, ok := executed.Context().Value(appKey).(App)
	if !ok || appInstance == nil {
		return err
	}
	if closeErr := appInstance.Close(context.WithoutCancel(executed.Context())); closeErr != nil {
		fmt.Fprintf(executed.ErrOrStderr(), "shutdown: %v\n", closeErr)
	}
	return err
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
