package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/leorces/leorces/internal/config"
	"github.com/leorces/leorces/internal/log"
	"github.com/leorces/leorces/internal/otel"
	"github.com/leorces/leorces/internal/profile"
	"github.com/leorces/leorces/internal/rest"
	"github.com/leorces/leorces/internal/scheduler"
	"github.com/leorces/leorces/pkg/engine"
	"github.com/leorces/leorces/pkg/storage"
	"github.com/leorces/leorces/pkg/storage/inmemory"
	"github.com/leorces/leorces/pkg/storage/sqlite"
)

func main() {
	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	persistence, closeStorage, err := openStorage(conf.Storage)
	if err != nil {
		log.Error("Failed to open storage: %s", err)
		os.Exit(1)
	}

	eng, err := engine.NewEngine(
		engine.WithStorage(persistence),
		engine.WithName(conf.Name),
	)
	if err != nil {
		log.Error("Failed to start engine: %s", err)
		os.Exit(1)
	}

	sched := scheduler.New(eng, persistence, conf.Scheduler)
	if err := sched.Start(); err != nil {
		log.Error("Failed to start scheduler: %s", err)
		os.Exit(1)
	}

	// Start the public API
	svr := rest.NewServer(eng, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	sched.Stop()
	svr.Stop(appContext)
	eng.Stop()
	if err := closeStorage(); err != nil {
		log.Error("failed to properly close storage: %s", err)
	}
	openTelemetry.Stop(appContext)
}

func openStorage(conf config.Storage) (storage.Storage, func() error, error) {
	switch conf.Driver {
	case config.StorageDriverSqlite:
		store, err := sqlite.Open(conf.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return inmemory.NewStorage(), func() error { return nil }, nil
	}
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
