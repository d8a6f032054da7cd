package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/container"
	"github.com/garyjia/campus-approvals/internal/domain/event"
	domainwf "github.com/garyjia/campus-approvals/internal/domain/workflow"
	"github.com/garyjia/campus-approvals/pkg/database"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := container.OpenDatabase(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := database.NewMigrator(db, logger).RunMigrations()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) to %s\n", n, cfg.Database.Path)
			return nil
		},
	}
}

func definitionsCmd(flags *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Print the registered approval chains as JSON",
		Long: `Prints every approval chain the service would register: the built-in ones
plus workflow.definitions_file. With --file, only that file is parsed and validated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []*domainwf.Definition

			if file != "" {
				registry, err := domainwf.NewRegistry()
				if err != nil {
					return err
				}
				if _, err := registry.LoadDefinitionsFile(file); err != nil {
					return err
				}
				defs = registry.List()
			} else {
				cfg, logger, err := load(flags)
				if err != nil {
					return err
				}
				registry, err := container.ProvideDefinitions(&cfg.Workflow, logger)
				if err != nil {
					return err
				}
				defs = registry.List()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(defs)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Validate and print a definitions file")
	return cmd
}

func notifyTestCmd(flags *globalFlags) *cobra.Command {
	var (
		channel string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "notify-test",
		Short: "Send a sample event through a configured notification channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			bundle, err := container.ProvideNotifiers(cfg, logger)
			if err != nil {
				return err
			}
			defer bundle.Close()

			notifier, ok := bundle.Registry.Get(channel)
			if !ok {
				return fmt.Errorf("channel %q is not configured (configured: %v)", channel, bundle.Registry.Channels())
			}

			evt := event.NewEvent(event.TypeSubmitted, "notify-test", "marks/TEST/COMP000", domainwf.DefinitionMarks,
				map[string]interface{}{
					event.KeyStageName: "hod_review",
					event.KeyStatus:    string(domainwf.StatusInReview),
					event.KeyActorID:   "notify-test",
					event.KeyDecision:  string(domainwf.DecisionSubmitted),
				})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := notifier.Notify(ctx, evt); err != nil {
				return fmt.Errorf("delivery through %s failed: %w", channel, err)
			}
			logger.Info("Sample notification delivered", zap.String("channel", channel), zap.String("event_id", evt.ID))
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %s through %s\n", evt.ID, channel)
			return nil
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "log", "Channel to test (log, lark, nats, redis)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Delivery timeout")
	return cmd
}
