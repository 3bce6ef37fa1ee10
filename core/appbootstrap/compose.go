package appbootstrap

import (
	"context"
	"net/http"
	"time"

	"kestrel-eim/api"
	"kestrel-eim/config"
	"kestrel-eim/core/intake"
	"kestrel-eim/core/media"
	"kestrel-eim/core/store"
	"kestrel-eim/core/utils"
)

const httpShutdownTimeout = 10 * time.Second

type Runtime struct {
	Config  *config.AppConfig
	DB      *store.DB
	Server  *api.Server
	Sweeper *intake.Sweeper
	Logger  *utils.Logger
}

// Compose wires the whole application: database, migrations, stores,
// pipeline, intake service, sweeper and the HTTP surface.
func Compose(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*Runtime, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	incidents := store.NewIncidentsStore(db)
	audits := store.NewAuditStore(db)
	pipeline := media.NewPipeline(cfg.Media, logger)
	intakeSvc := intake.NewService(cfg, incidents, audits, pipeline, logger)
	sweeper := intake.NewSweeper(cfg.Scheduler, incidents, pipeline.Root(), logger)

	server := api.NewServer(cfg, api.ServerDeps{
		Incidents: incidents,
		Audits:    audits,
		Intake:    intakeSvc,
		Logger:    logger,
	})

	return &Runtime{
		Config:  cfg,
		DB:      db,
		Server:  server,
		Sweeper: sweeper,
		Logger:  logger,
	}, nil
}

// Run starts the sweeper and serves HTTP until the context is done.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.Sweeper.StartWithContext(ctx)
	defer rt.Sweeper.Stop()

	srv := &http.Server{
		Addr:    rt.Config.ListenAddr,
		Handler: rt.Server.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Infof("listening on %s", rt.Config.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close releases everything Compose opened.
func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
