package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"energyagent/adapters/corpus"
	"energyagent/adapters/store"
	"energyagent/app"
	"energyagent/internal"
	"energyagent/internal/config"
)

const shutdownGrace = 30 * time.Second

// Serve opens and migrates the run store, wires the run service and serves
// the API until ctx is cancelled. Runs in flight get shutdownGrace to finish.
func Serve(ctx context.Context, cfg *config.Config, logger *internal.Logger) error {
	if logger == nil {
		logger = internal.NopLogger()
	}
	gin.SetMode(cfg.Server.GinMode)

	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := store.NewMigrator(db, logger).Up(ctx)
	if err != nil {
		return err
	}
	if applied > 0 {
		logger.Info("applied %d migration(s)", applied)
	}

	repo := store.NewRunStore(db)
	svc := app.NewRunService(cfg, corpus.NewJSONLoader(), app.WithRepository(repo), app.WithLogger(logger))
	srv := NewServer(svc,
		WithRunRepository(repo),
		WithMaxConcurrentRuns(cfg.Server.MaxConcurrentRuns),
		WithLogger(logger),
	)

	addr := cfg.Server.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Zap()),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("API listening on %s (max concurrent runs %d, store %s)", addr, cfg.Server.MaxConcurrentRuns, cfg.Database.Driver)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return errors.Join(httpSrv.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
}
