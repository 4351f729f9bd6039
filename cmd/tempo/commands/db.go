package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/display"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Migrate and inspect the tempo database",
	Long: sym.DB + ` db — Manage the tempo database

Examples:
  tempo db migrate   # Apply pending migrations
  tempo db stats     # Row counts and migration status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()
		// openDatabase already migrated; rerun to report the final state
		if err := db.Migrate(database, logger.Logger); err != nil {
			return errors.Wrap(err, "migration failed")
		}
		fmt.Printf("%s Database is up to date\n", sym.DB)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts and migration status",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	tables, err := db.Stats(database)
	if err != nil {
		return errors.Wrap(err, "failed to count rows")
	}
	migrations, err := db.Status(database)
	if err != nil {
		return errors.Wrap(err, "failed to read migration status")
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{
			"tables":     tables,
			"migrations": migrations,
		})
	}

	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		rows = append(rows, []string{t.Table, strconv.FormatInt(t.Rows, 10)})
	}
	fmt.Printf("%s Database Statistics\n", sym.DB)
	if err := display.Table([]string{"TABLE", "ROWS"}, rows); err != nil {
		return err
	}

	rows = rows[:0]
	for _, m := range migrations {
		state := "applied"
		if !m.Applied {
			state = "pending"
		}
		rows = append(rows, []string{m.Version, m.File, state})
	}
	fmt.Println()
	return display.Table([]string{"VERSION", "MIGRATION", "STATE"}, rows)
}
