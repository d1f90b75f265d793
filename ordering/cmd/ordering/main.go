package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/telhawk-systems/backbone/common/bootstrap"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/common/server"
	"github.com/telhawk-systems/backbone/ordering"
	"github.com/telhawk-systems/backbone/ordering/migrations"
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

	rt, err := bootstrap.Open(ctx, ordering.Name, cfg, migrations.FS)
	if err != nil {
		slog.Error("Failed to start ordering service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	app, err := ordering.New(ordering.Deps{
		Config:    cfg,
		Logger:    rt.Logger,
		Bus:       rt.Broker.Events,
		DB:        rt.DB,
		Auth:      rt.Auth,
		Subscribe: rt.SubscribeOptions(),
	})
	if err != nil {
		rt.Logger.Error("Failed to assemble ordering service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := server.NewRouter(rt.Logger, rt.Health, cfg.Server.RequestTimeout)
	app.Register(router)

	if err := rt.Run(ctx, router, app.Run); err != nil {
		rt.Logger.Error("Ordering service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rt.Logger.Info("Ordering service stopped gracefully")
}
