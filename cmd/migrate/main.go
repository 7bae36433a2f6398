package main

import (
	"context"
	"fmt"
	"os"

	"eventcast/pkg/config"
	"eventcast/pkg/database"
	"eventcast/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.Format == "json"})
	log := logging.WithComponent("migrate")

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	if cmd == "list" {
		sources, err := database.Migrations()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to collect migrations")
		}
		for _, s := range sources {
			fmt.Println(s)
		}
		return
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, database.Options{URL: cfg.Database.URL, MaxOpenConns: 1})
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer db.Close()

	switch cmd {
	case "up":
		err = database.Migrate(ctx, db)
	case "down":
		err = database.Rollback(ctx, db)
	case "status":
		err = database.Status(ctx, db)
	case "version":
		var v int64
		if v, err = database.Version(ctx, db); err == nil {
			fmt.Println(v)
		}
	default:
		log.Fatal().Str("command", cmd).Msg("usage: migrate [up|down|status|version|list]")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migration failed")
	}
}
