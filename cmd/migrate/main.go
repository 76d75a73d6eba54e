// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/cati-dispatcher/internal/config"
	"github.com/cati-dispatcher/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		path   = flag.String("path", "migrations", "Path to migration files")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := runMigrations(cfg, *action, *path); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func runMigrations(cfg *config.Config, action, migrationsPath string) error {
	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Database.Postgres.User,
		cfg.Database.Postgres.Password,
		cfg.Database.Postgres.Host,
		cfg.Database.Postgres.Port,
		cfg.Database.Postgres.Database,
	)

	switch action {
	case "up":
		log.Println("Running migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Migrations completed successfully")

	case "down":
		log.Println("Rolling back migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
