package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateCommand 描述一个 migrate 子命令；argc 为 flags 之前的位置参数个数
type migrateCommand struct {
	argc int
	run  func(ctx context.Context, cli *migration.CLI, pos []string) error
}

var migrateCommands = map[string]migrateCommand{
	"up": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunUp(ctx)
	}},
	"down": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDown(ctx)
	}},
	"reset": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunDownAll(ctx)
	}},
	"status": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunStatus(ctx)
	}},
	"version": {run: func(ctx context.Context, cli *migration.CLI, _ []string) error {
		return cli.RunVersion(ctx)
	}},
	"steps": {argc: 1, run: func(ctx context.Context, cli *migration.CLI, pos []string) error {
		n, err := strconv.Atoi(pos[0])
		if err != nil || n == 0 {
			return fmt.Errorf("invalid step count: %s", pos[0])
		}
		return cli.RunSteps(ctx, n)
	}},
	"goto": {argc: 1, run: func(ctx context.Context, cli *migration.CLI, pos []string) error {
		v, err := strconv.ParseUint(pos[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", pos[0])
		}
		return cli.RunGoto(ctx, uint(v))
	}},
	"force": {argc: 1, run: func(ctx context.Context, cli *migration.CLI, pos []string) error {
		v, err := strconv.ParseInt(pos[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", pos[0])
		}
		return cli.RunForce(ctx, int(v))
	}},
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-h" || name == "--help" {
		printMigrateUsage()
		return
	}

	cmd, ok := migrateCommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", name)
		printMigrateUsage()
		os.Exit(1)
	}
	if len(rest) < cmd.argc {
		fmt.Fprintf(os.Stderr, "Usage: meshforge migrate %s <value> [options]\n", name)
		os.Exit(1)
	}
	pos, flags := rest[:cmd.argc], rest[cmd.argc:]

	migrator, err := createMigrator(flag.NewFlagSet("migrate "+name, flag.ExitOnError), flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := cmd.run(context.Background(), migration.NewCLI(migrator), pos); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", name, err)
		migrator.Close()
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  meshforge migrate <subcommand> [value] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  steps <n>   Apply (n>0) or rollback (n<0) n migrations
  status      Show migration status
  version     Show current migration version
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  reset       Rollback all migrations
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  meshforge migrate up
  meshforge migrate up --config /etc/meshforge/config.yaml
  meshforge migrate status
  meshforge migrate goto 1
  meshforge migrate force 0
  meshforge migrate reset`)
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// db-type 与 db-url 同时给出时直接使用
	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}
