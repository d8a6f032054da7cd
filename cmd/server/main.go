// Package main is the entry point of the approvals service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/config"
	"github.com/garyjia/campus-approvals/internal/container"
	"github.com/garyjia/campus-approvals/pkg/utils"
)

const appName = "approvals"

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-stage approval workflow service",
		Long: `approvals drives university portal subjects (marks, requisitions, hostel
applications, fee payments) through ordered, role-gated sign-off chains.

Running without a subcommand is the same as "serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "configs/config.yaml", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override logger.level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		migrateCmd(flags),
		definitionsCmd(flags),
		notifyTestCmd(flags),
		versionCmd(),
	)

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the notification worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, container.Version)
		},
	}
}

// load reads the configuration and builds the logger it describes
func load(flags *globalFlags) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadWithEnvFile(flags.configPath, flags.envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func runServe(parent context.Context, flags *globalFlags) error {
	cfg, logger, err := load(flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting approvals service",
		zap.String("version", container.Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver))

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(cfg, logger)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	serveErr := c.Serve(ctx)
	if serveErr != nil {
		logger.Error("HTTP server failed", zap.Error(serveErr))
	}

	logger.Info("Shutting down")
	if err := c.Close(); err != nil {
		return err
	}
	return serveErr
}
