package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"eventcast/pkg/database/migrations"
	"eventcast/pkg/logging"
)

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

type gooseLogger struct {
	log zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Fatal().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{log: logging.WithComponent("migrate")})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return fn()
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		if err := goose.UpContext(ctx, db, "."); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	})
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		if err := goose.DownContext(ctx, db, "."); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		return nil
	})
}

// Status logs the applied state of every migration.
func Status(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		return goose.StatusContext(ctx, db, ".")
	})
}

// Version returns the current schema version.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := withGoose(func() error {
		var err error
		v, err = goose.GetDBVersionContext(ctx, db)
		return err
	})
	return v, err
}

// Migrations lists the embedded migration sources in order.
func Migrations() ([]string, error) {
	var out []string
	err := withGoose(func() error {
		list, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
		if err != nil {
			return err
		}
		for _, m := range list {
			out = append(out, m.Source)
		}
		return nil
	})
	return out, err
}
