package app

import (
	"github.com/spf13/cobra"

	"github.com/searcb/pncp-sync/database"
)

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back database migrations",
	Long: `Roll back the database migrations. This DROPS the sync engine's tables,
including all synchronized records.`,
	RunE: runMigrateDown,
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	return runMigration(cmd, "roll back", database.MigrateDown)
}
