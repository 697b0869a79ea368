package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI renders migrator operations for the `meshforge migrate` command
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI creates a new CLI instance writing to stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput sets the output writer for CLI messages
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

func (c *CLI) printf(format string, args ...any) {
	fmt.Fprintf(c.output, format, args...)
}

// reportVersion prints "<prefix> Current version: N"
func (c *CLI) reportVersion(ctx context.Context, prefix string) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	c.printf("%s Current version: %d", prefix, v)
	if dirty {
		c.printf(" (dirty)")
	}
	c.printf("\n")
	return nil
}

// RunUp runs all pending migrations
func (c *CLI) RunUp(ctx context.Context) error {
	c.printf("Running migrations...\n")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.reportVersion(ctx, "Migrations complete.")
}

// RunDown rolls back the last migration
func (c *CLI) RunDown(ctx context.Context) error {
	c.printf("Rolling back last migration...\n")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.reportVersion(ctx, "Rollback complete.")
}

// RunDownAll rolls back every migration (the `reset` subcommand)
func (c *CLI) RunDownAll(ctx context.Context) error {
	c.printf("Rolling back all migrations...\n")
	if err := c.migrator.DownAll(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	c.printf("All migrations rolled back.\n")
	return nil
}

// RunSteps applies or rolls back n migrations
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n >= 0 {
		c.printf("Applying %d migration(s)...\n", n)
	} else {
		c.printf("Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return c.reportVersion(ctx, "Complete.")
}

// RunGoto migrates to a specific version
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	c.printf("Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.reportVersion(ctx, "Migration complete.")
}

// RunForce forces the migration version
func (c *CLI) RunForce(ctx context.Context, version int) error {
	c.printf("Forcing version to %d...\n", version)
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	c.printf("Version forced to %d\n", version)
	return nil
}

// RunVersion shows the current migration version
func (c *CLI) RunVersion(ctx context.Context) error {
	v, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if v == 0 {
		c.printf("No migrations applied yet.\n")
		return nil
	}
	c.printf("Current version: %d", v)
	if dirty {
		c.printf(" (dirty)")
	}
	c.printf("\n")
	return nil
}

// RunStatus prints a table of all migrations and a summary line
func (c *CLI) RunStatus(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		c.printf("No migrations found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c.printf("\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}
