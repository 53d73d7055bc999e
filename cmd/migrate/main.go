package main

import (
	"context"
	"database/sql"
	"flag"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	_ "github.com/jackc/pgx/v5/stdlib"         // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlekeeper/configs"
	"github.com/navid-fn/candlekeeper/internal/logging"
	"github.com/navid-fn/candlekeeper/internal/migrations"
	"github.com/navid-fn/candlekeeper/internal/storage"
)

func main() {
	cfg := configs.AppLoad()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	command := flag.String("command", "up", "goose command: up, down, status, version")
	flag.Parse()

	dialect, driver := "clickhouse", "clickhouse"
	if cfg.Archive.Backend == storage.BackendGormPostgres {
		dialect, driver = "postgres", "pgx"
	}

	db, err := sql.Open(driver, cfg.Archive.DSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(dialect); err != nil {
		logger.WithError(err).Fatal("Goose: failed to set dialect")
	}

	logger.WithFields(logrus.Fields{"dialect": dialect, "command": *command}).Info("Running database migrations...")
	if err := goose.RunContext(ctx, *command, db, migrations.Dir(dialect)); err != nil {
		logger.WithError(err).Fatal("Goose migration failed")
	}

	logger.Info("Migrations completed successfully")
}
