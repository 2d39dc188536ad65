package db

import (
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"
)

// RunMigrateCommand implements the "migrate" subcommand: up, down,
// status, version N and force N.
func RunMigrateCommand(args []string, dbPath string, out io.Writer, logger *zap.Logger) error {
	if len(args) < 1 || args[0] == "help" {
		PrintMigrateHelp(out)
		if len(args) < 1 {
			return fmt.Errorf("missing migrate action")
		}
		return nil
	}

	database, err := OpenRaw(dbPath, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	action := args[0]
	needVersion := func() (int, error) {
		if len(args) < 2 {
			return 0, fmt.Errorf("usage: edgepipe migrate %s <version>", action)
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid version %q", args[1])
		}
		return v, nil
	}

	switch action {
	case "up":
		err = database.MigrateUp()
	case "down":
		err = database.MigrateDown()
	case "version":
		var v int
		if v, err = needVersion(); err == nil {
			err = database.MigrateTo(uint(v))
		}
	case "force":
		var v int
		if v, err = needVersion(); err == nil {
			err = database.MigrateForce(v)
		}
	case "status":
	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action %q", action)
	}
	if err != nil {
		return err
	}
	return printStatus(database, out)
}

func printStatus(database *DB, out io.Writer) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version: %d (latest %d)", version, latest)
	if dirty {
		fmt.Fprint(out, " DIRTY: run 'migrate force <version>' after repairing")
	} else if version < latest {
		fmt.Fprintf(out, ", %d pending", latest-version)
	}
	fmt.Fprintln(out)
	return nil
}

// PrintMigrateHelp writes the migrate subcommand usage.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: edgepipe migrate <command> [version]

Commands:
  up           Apply all pending migrations
  down         Roll back one migration
  status       Show the current and latest schema versions
  version <N>  Migrate up or down to version N
  force <N>    Record version N without running migrations (recovery only)
  help         Show this help
`)
}
