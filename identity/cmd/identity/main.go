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
	"github.com/telhawk-systems/backbone/identity"
	"github.com/telhawk-systems/backbone/identity/migrations"
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

	rt, err := bootstrap.Open(ctx, identity.Name, cfg, migrations.FS)
	if err != nil {
		slog.Error("Failed to start identity service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	app, err := identity.New(identity.Deps{
		Config:      cfg,
		Logger:      rt.Logger,
		Bus:         rt.Broker.Events,
		DB:          rt.DB,
		Auth:        rt.Auth,
		Audit:       rt.Audit,
		Revocations: rt.Revocations,
	})
	if err != nil {
		rt.Logger.Error("Failed to assemble identity service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := server.NewRouter(rt.Logger, rt.Health, cfg.Server.RequestTimeout)
	app.Register(router)

	if err := rt.Run(ctx, router, app.Run); err != nil {
		rt.Logger.Error("Identity service stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rt.Logger.Info("Identity service stopped gracefully")
}
