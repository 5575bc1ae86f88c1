package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"tradeguard/internal/bootstrap"
	"tradeguard/pkg/cli"
	"tradeguard/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

// configPath is shared by every command that reads the config file
var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tradeguard",
		Short:         "Resilience core for a trading backend",
		Long:          "tradeguard runs the degradation, outbox and reconciliation services and inspects their state.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := defaultConfigPath
	if env := os.Getenv("TRADEGUARD_CONFIG"); env != "" {
		def = env
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", def, "path to the YAML config (env TRADEGUARD_CONFIG)")

	root.AddCommand(
		newRunCmd(),
		newConfigCmd(),
		newOutboxCmd(),
		newStatusCmd(),
		newRecoveryCmd(),
		newEventsCmd(),
	)
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the service until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context())
		},
	}
}

func runService(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Before any component creates its instruments
	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName:  cfg.App.Name,
		StdoutTraces: cfg.Telemetry.StdoutTraces,
		StdoutLogs:   cfg.Telemetry.StdoutLogs,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	var opts bootstrap.Options
	if cfg.App.EngineType == "dbos" {
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     cfg.App.Name,
			DatabaseURL: string(cfg.App.DatabaseURL),
		})
		if err != nil {
			return fmt.Errorf("dbos: %w", err)
		}
		opts.DBOSContext = dbosCtx
	}

	app, err := bootstrap.NewApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	return bootstrap.Run(ctx, logger, app)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var show bool
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load, validate and pre-flight check the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bootstrap.LoadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (engine=%s, store=%s)\n", configPath, cfg.App.EngineType, driverOf(cfg))
			if show {
				// Secrets are redacted by config.Secret
				fmt.Fprint(out, cfg.String())
			}
			return nil
		},
	}
	validate.Flags().BoolVar(&show, "show", false, "print the effective config with secrets redacted")

	cmd.AddCommand(validate)
	return cmd
}

func driverOf(cfg *bootstrap.Config) string {
	if cfg.Database.Driver == "" {
		return "sqlite"
	}
	return cfg.Database.Driver
}

// printOrJSON prints v as JSON when asJSON is set, otherwise calls table
func printOrJSON(cmd *cobra.Command, asJSON bool, v interface{}, table func() error) error {
	if asJSON {
		return cli.PrintJSON(cmd.OutOrStdout(), v)
	}
	return table()
}
