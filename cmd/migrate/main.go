package main

import (
	"context"
	"embed"
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	down := flag.Bool("down", false, "roll back the last applied migration")
	flag.Parse()

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	runner, err := migrate.NewRunner(&cfg.Database, migrationsFS, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize migration runner")
	}
	defer runner.Close()

	ctx := context.Background()
	if *down {
		err = runner.Down(ctx)
	} else {
		err = runner.Up(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}
