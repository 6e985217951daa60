package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/vladislavdragonenkov/ordering/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

// migrator описывает операции со схемой, которые нужны CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	Migrations(ctx context.Context) ([]postgres.MigrationState, error)
	Close() error
}

// openMigrator подменяется в тестах.
var openMigrator = func(ctx context.Context, dsn string) (migrator, error) {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func main() {
	if err := newCommand(os.Stdout).Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the ordering database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dsn",
				Usage:    "PostgreSQL DSN",
				Sources:  cli.EnvVars("ORDERING_POSTGRES_DSN"),
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply pending migrations",
				Flags: []cli.Flag{stepsFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(ctx context.Context, m migrator) error {
						if err := m.MigrateUp(ctx, int(cmd.Int("steps"))); err != nil {
							return fmt.Errorf("migrate up: %w", err)
						}
						return printStatus(ctx, m, out)
					})
				},
			},
			{
				Name:  "down",
				Usage: "Roll back applied migrations",
				Flags: []cli.Flag{stepsFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(ctx context.Context, m migrator) error {
						if err := m.MigrateDown(ctx, int(cmd.Int("steps"))); err != nil {
							return fmt.Errorf("migrate down: %w", err)
						}
						return printStatus(ctx, m, out)
					})
				},
			},
			{
				Name:  "status",
				Usage: "Show applied and pending migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withMigrator(ctx, cmd, func(ctx context.Context, m migrator) error {
						return printStatus(ctx, m, out)
					})
				},
			},
		},
	}
}

func stepsFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  "steps",
		Usage: "number of migrations to apply or roll back (up: 0 = all, down: default 1)",
	}
}

func withMigrator(ctx context.Context, cmd *cli.Command, fn func(context.Context, migrator) error) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	m, err := openMigrator(ctx, cmd.String("dsn"))
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer m.Close()

	return fn(ctx, m)
}

func printStatus(ctx context.Context, m migrator, out io.Writer) error {
	states, err := m.Migrations(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, s := range states {
		status := "pending"
		if s.Applied {
			status = "applied " + s.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(out, "%03d %-20s %s\n", s.Version, s.Name, status)
	}
	return nil
}
