package main

import (
	"errors"
	"flag"
	"os"

	"github.com/comptaflow/comptaflow/internal/database"
	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		command     string
		steps       int
		target      int
		databaseURL string
	)

	flag.StringVar(&command, "command", "up", "Migration command: up, down, goto, force, version, drop")
	flag.IntVar(&steps, "steps", 0, "Number of migrations to apply or roll back (0 = all)")
	flag.IntVar(&target, "version", -1, "Target version for goto and force")
	flag.StringVar(&databaseURL, "database", "", "Database URL (overrides DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		log.Fatal().Msg("DATABASE_URL environment variable or -database flag is required")
	}

	log.Info().
		Str("command", command).
		Int("steps", steps).
		Int("version", target).
		Msg("Starting migration")

	m, err := database.NewMigrator(databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create migrate instance")
	}
	defer m.Close()

	switch command {
	case "up":
		err = runUp(m, steps)
	case "down":
		err = runDown(m, steps)
	case "goto":
		if target < 0 {
			log.Fatal().Msg("goto requires -version")
		}
		err = m.Migrate(uint(target))
	case "force":
		// force clears the dirty flag after a failed migration was fixed by hand
		if target < 0 {
			log.Fatal().Msg("force requires -version")
		}
		err = m.Force(target)
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			if errors.Is(verr, migrate.ErrNilVersion) {
				log.Info().Msg("No migrations have been applied yet")
				return
			}
			log.Fatal().Err(verr).Msg("Failed to get version")
		}
		log.Info().
			Uint("version", version).
			Bool("dirty", dirty).
			Msg("Current migration version")
		return
	case "drop":
		if os.Getenv("APP_ENV") == "production" {
			log.Fatal().Msg("Refusing to drop a production database")
		}
		err = m.Drop()
	default:
		log.Fatal().Str("command", command).Msg("Unknown command")
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("No migrations to apply")
			return
		}
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Msg("Migration completed successfully")
}

func runUp(m *migrate.Migrate, steps int) error {
	if steps > 0 {
		return m.Steps(steps)
	}
	return m.Up()
}

func runDown(m *migrate.Migrate, steps int) error {
	if steps > 0 {
		return m.Steps(-steps)
	}
	return m.Down()
}
