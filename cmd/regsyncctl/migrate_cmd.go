package main

import (
	"github.com/rpattn/regsync/internal/db"

	"github.com/spf13/cobra"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var (
		down  bool
		steps int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			if down {
				return db.RollbackMigrations(cfg.Database.MigrationURL(), steps, log)
			}
			return db.RunMigrations(cfg.Database.MigrationURL(), log)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll back instead of applying")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back with --down")
	return cmd
}
