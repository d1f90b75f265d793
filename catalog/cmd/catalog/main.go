package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/telhawk-systems/backbone/catalog"
	"github.com/telhawk-systems/backbone/catalog/migrations"
	"github.com/telhawk-systems/backbone/common/bootstrap"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/common/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := runner.SignalContext(context.Background())
	defer stop()

	rt, err := bootstrap.Open(ctx, catalog.Name, cfg, migrations.FS)
	if err != nil {
		slog.Error("Failed to start catalog service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	app, err := catalog.New(catalog.Deps{
		Config:    cfg,
		Logger:    rt.Logger,
		Bus:       rt.Broker.Events,
		DB:        rt.DB,
		Auth:      rt.Auth,
		Subscribe: rt.SubscribeOptions(),
	})
	if err != nil {
		rt.Logger.Error("Failed to assemble catalog service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := server.NewRouter(rt.Logger, rt.Health, cfg.Server.RequestTimeout)
	app.Register(router)

	if err := rt.Run(ctx, router, app.Run); err != nil {
		rt.Logger.Error("Catalog service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rt.Logger.Info("Catalog service stopped gracefully")
}
