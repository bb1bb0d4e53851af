package main

import (
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/quasar/internal/exporter"
	"github.com/ajitpratap0/quasar/internal/store"
	"github.com/ajitpratap0/quasar/pkg/models"
)

func newJobsCommand(configFile *string) *cobra.Command {
	var (
		filter store.Filter
		status string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List exports as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			filter.Status = models.Status(status)
			_, err = exporter.NewService(a.store, nil, log).List(ctx, filter, cmd.OutOrStdout())
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&filter.Transaction, "transaction", "", "Only the export with this transaction")
	flags.StringVar(&status, "status", "", "Only exports in this status (pending, success, error)")
	flags.StringVar(&filter.Source, "source", "", "Only exports from this source profile")
	flags.StringVar(&filter.Database, "database", "", "Only exports from this source database")
	flags.StringVar(&filter.Collection, "collection", "", "Only exports from this source collection")
	flags.StringVar(&filter.Target, "target", "", "Only exports to this target profile")
	return cmd
}

func newMigrateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the metadata collections and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			return a.meta.Migrate(ctx)
		},
	}
}
