package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/config"
	"github.com/PortNumber53/saas-starter/backend/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		logger.Info().Msg("applying migrations")
		if err := migrations.Up(db, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}

	case "fix":
		logger.Info().Msg("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to fix dirty database")
		}
		logger.Info().Msg("database fixed")

	case "force":
		if len(os.Args) < 3 {
			logger.Fatal().Msgf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			logger.Fatal().Str("version", os.Args[2]).Msg("invalid version number")
		}
		if err := migrations.ForceVersion(db, v); err != nil {
			logger.Fatal().Err(err).Msg("failed to force version")
		}
		logger.Info().Uint("version", v).Msg("database version forced")

	case "status":
		v, dirty, err := migrations.Status(db)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read migration status")
		}
		logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "usage: %s [up|fix|force <version>|status]\n", os.Args[0])
		os.Exit(1)
	}
}
