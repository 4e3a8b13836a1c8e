package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/config"
	"github.com/JakeFAU/policy-watch/internal/logging"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/scheduler"
	"github.com/JakeFAU/policy-watch/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands drive. Tests inject a fake through newApp.
type App interface {
	Serve(ctx context.Context) error
	RunBatch(ctx context.Context, run scheduler.Run) policy.JobResult
	RunSource(ctx context.Context, sourceID string) (scheduler.SourceRun, error)
	Close()
}

// serviceApp adapts *server.App to App.
type serviceApp struct {
	*server.App
}

func (a serviceApp) RunBatch(ctx context.Context, run scheduler.Run) policy.JobResult {
	return a.Scheduler.RunBatch(ctx, run)
}

func (a serviceApp) RunSource(ctx context.Context, sourceID string) (scheduler.SourceRun, error) {
	return a.Scheduler.RunSource(ctx, sourceID)
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfgPath string) (App, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return serviceApp{app}, logger, nil
}

type rootOptions struct {
	cfgFile string
	app     App
	logger  *zap.Logger
}

// shutdown closes the app and flushes the logger. It is safe to call twice;
// cobra skips PersistentPostRun when RunE fails.
func (o *rootOptions) shutdown() {
	if o.app != nil {
		o.app.Close()
		o.app = nil
	}
	if o.logger != nil {
		_ = o.logger.Sync()
		o.logger = nil
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "policywatch",
		Short: "Watches government visa policy pages and alerts subscribers when they change.",
		Long: `policywatch fetches monitored policy pages, normalizes their text, stores
content-addressed versions and records a unified diff whenever the content
changes. Subscribers whose routes match the changed page are emailed, and
repeated failures are escalated to an operator.`,
		SilenceUsage: true,

		// Build the application once per invocation and hand it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, logger, err := newApp(cmd.Context(), opts.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			opts.logger = logger
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			opts.shutdown()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); environment variables use the POLICYWATCH_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd, opts
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd, opts := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	opts.shutdown()
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "policywatch:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
