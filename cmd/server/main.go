/*
main.go - Application entry point

PURPOSE:
  Command tree for the visit scheduling engine: the HTTP server plus
  one-shot operator commands against the same store.

COMMANDS:
  serve                                    HTTP API and the monthly rollover scheduler
  generate <donor-id> [--month YYYY-MM]    Generate (or regenerate one month of) a plan
  rollover [--at RFC3339]                  Run the monthly rollover once
  reschedule <visit-id> <date> <start> <end>
  cancel <visit-id>

GLOBAL FLAGS:
  --config   Config file (default: ./config.yaml or ./config/config.yaml)
  --db       SQLite path, overrides db.path. Empty uses the in-memory store

ENVIRONMENT:
  Every config key can be set as VISIT_ENGINE_<SECTION>_<KEY>, for example
  VISIT_ENGINE_DB_PATH or VISIT_ENGINE_NOTIFY_REDIS_ADDR.

EXAMPLES:
  ./server serve --db=./data/visits.db
  ./server generate donor-42 --db=./data/visits.db
  ./server reschedule 6f1c... 2025-10-07 13:00 14:00 --actor staff-1 --db=./data/visits.db

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration keys and defaults
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Recurring donor visit scheduling engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (overrides db.path)")

	root.AddCommand(
		newServeCmd(),
		newGenerateCmd(),
		newRolloverCmd(),
		newRescheduleCmd(),
		newCancelCmd(),
	)
	return root
}
