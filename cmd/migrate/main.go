package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/urfave/cli/v3"

	"churchops.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}

	root := &cli.Command{
		Name:  "migrate",
		Usage: "Apply the embedded churchops schema and seeds",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dsn", Usage: "PostgreSQL DSN", Sources: cli.EnvVars("CHURCHOPS_PG_DSN")},
			&cli.DurationFlag{Name: "timeout", Value: 60 * time.Second, Usage: "overall deadline"},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply pending migrations",
				Action: withManager(func(ctx context.Context, m *migrate.Manager) error {
					return printAll(m.Up(ctx))
				}),
			},
			{
				Name:  "down",
				Usage: "Roll back the last applied migration",
				Action: withManager(func(ctx context.Context, m *migrate.Manager) error {
					name, err := m.Down(ctx)
					if errors.Is(err, migrate.ErrNothingApplied) {
						fmt.Println("nothing to roll back")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Println(name)
					return nil
				}),
			},
			{
				Name:  "seed",
				Usage: "Apply pending seeds",
				Action: withManager(func(ctx context.Context, m *migrate.Manager) error {
					return printAll(m.Seed(ctx))
				}),
			},
			{
				Name:  "status",
				Usage: "List applied and pending migrations",
				Action: withManager(func(ctx context.Context, m *migrate.Manager) error {
					applied, err := m.Status(ctx)
					if err != nil {
						return err
					}
					pending, err := m.Pending(ctx)
					if err != nil {
						return err
					}
					for _, name := range applied {
						fmt.Printf("applied  %s\n", name)
					}
					for _, name := range pending {
						fmt.Printf("pending  %s\n", name)
					}
					return nil
				}),
			},
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func withManager(fn func(context.Context, *migrate.Manager) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		dsn := c.String("dsn")
		if dsn == "" {
			return errors.New("missing DSN: pass --dsn or set CHURCHOPS_PG_DSN")
		}
		ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
		defer cancel()

		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		if err := fn(ctx, migrate.NewManager(db)); err != nil {
			return fmt.Errorf("migrate %s: %w", c.Name, err)
		}
		return nil
	}
}

func printAll(names []string, err error) error {
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("nothing to apply")
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
