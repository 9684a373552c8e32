// Package app wires the engine from configuration for the server and the CLI.
package app

import (
	"context"

	"github.com/rpattn/regsync/internal/archive"
	"github.com/rpattn/regsync/internal/config"
	"github.com/rpattn/regsync/internal/db"
	"github.com/rpattn/regsync/internal/export"
	"github.com/rpattn/regsync/internal/ingestion"
	"github.com/rpattn/regsync/internal/reconcile"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

// App holds the wired services.
type App struct {
	Conn      *db.Connection
	Store     repository.VersionStore
	Archive   *archive.Archiver
	Ingestion *ingestion.Service
	Engine    *reconcile.Service
	Export    *export.Service
}

// Options control optional startup steps.
type Options struct {
	Migrate bool
}

// New connects to Postgres, optionally migrates, and builds the services.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger, opts Options) (*App, error) {
	if opts.Migrate {
		if err := db.RunMigrations(cfg.Database.MigrationURL(), log); err != nil {
			return nil, errors.Wrap(err, "run migrations")
		}
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}

	sink, err := archive.New(ctx, cfg.Archive, log)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "configure archive")
	}

	logRepo := repository.NewIngestionLogRepository(conn.Pool)
	store := repository.NewVersionStore(conn)

	return &App{
		Conn:      conn,
		Store:     store,
		Archive:   sink,
		Ingestion: ingestion.NewService(logRepo, ingestion.WithLogger(log)),
		Engine: reconcile.NewService(store, sink,
			reconcile.WithLogger(log),
			reconcile.WithBatchSize(cfg.Reconcile.BatchSize),
			reconcile.WithInsertSample(cfg.Reconcile.InsertSample),
		),
		Export: export.NewService(store, export.WithLogger(log)),
	}, nil
}

// Close releases the database pool.
func (a *App) Close() {
	a.Conn.Close()
}
