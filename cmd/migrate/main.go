// Package main provides the database migration and tenant bootstrap tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gearbase/gearbase/internal/db"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/rs/zerolog"
)

type options struct {
	dbURL   string
	status  bool
	list    bool
	timeout time.Duration

	orgName string
	email   string
	plan    string
}

func main() {
	var opts options
	flag.StringVar(&opts.dbURL, "db", "", "Database URL (or set DATABASE_URL)")
	flag.BoolVar(&opts.status, "status", false, "Show applied and pending migrations without migrating")
	flag.BoolVar(&opts.list, "list", false, "List embedded migrations (no database needed)")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Overall timeout")
	flag.StringVar(&opts.orgName, "bootstrap-org", "", "Create an organization with this name after migrating")
	flag.StringVar(&opts.email, "bootstrap-email", "", "Admin email for -bootstrap-org")
	flag.StringVar(&opts.plan, "bootstrap-plan", string(license.PlanPro), "License plan for -bootstrap-org (starter, pro, enterprise)")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if err := run(opts, logger); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func run(opts options, logger zerolog.Logger) error {
	migrations, err := db.GetMigrations()
	if err != nil {
		return err
	}
	if opts.list {
		for _, m := range migrations {
			fmt.Printf("%03d  %s  %s\n", m.Version, m.Checksum[:12], m.Name)
		}
		return nil
	}

	if opts.dbURL == "" {
		opts.dbURL = os.Getenv("DATABASE_URL")
	}
	if opts.dbURL == "" {
		return errors.New("database URL required: use -db or set DATABASE_URL")
	}
	if opts.orgName != "" {
		if opts.email == "" {
			return errors.New("-bootstrap-email is required with -bootstrap-org")
		}
		if !license.Plan(opts.plan).IsValid() {
			return fmt.Errorf("unknown plan %q", opts.plan)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	cfg := db.DefaultConfig(opts.dbURL)
	cfg.MaxConns = 2
	cfg.MinConns = 1
	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if opts.status {
		return printStatus(ctx, database, migrations)
	}

	before, err := database.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	after, err := database.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("from", before).Int("to", after).Msg("schema migrated")

	if opts.orgName == "" {
		return nil
	}
	key, err := database.Bootstrap(ctx, opts.orgName, opts.email, opts.plan)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	fmt.Printf("Organization %q created on the %s plan.\n", opts.orgName, opts.plan)
	fmt.Printf("Admin API key (shown once): %s\n", key)
	return nil
}

func printStatus(ctx context.Context, database *db.DB, migrations []db.Migration) error {
	applied, err := database.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	pending := 0
	for _, m := range migrations {
		if at, ok := applied[m.Version]; ok {
			fmt.Printf("%03d  applied %s  %s\n", m.Version, at.Format(time.RFC3339), m.Name)
			continue
		}
		pending++
		fmt.Printf("%03d  pending                    %s\n", m.Version, m.Name)
	}
	fmt.Printf("%d pending\n", pending)
	return nil
}
