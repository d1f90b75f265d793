package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/opensearch-project/opensearch-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/telhawk-systems/backbone/common/bootstrap"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/runner"
	"github.com/telhawk-systems/backbone/gateway"
	"github.com/telhawk-systems/backbone/gateway/internal/accesslog"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.DLQ.Enabled = false

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := runner.SignalContext(context.Background())
	defer stop()

	rt, err := bootstrap.Open(ctx, gateway.Name, cfg, nil)
	if err != nil {
		slog.Error("Failed to start gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	var search *opensearch.Client
	if cfg.Gateway.AccessLog.OpenSearch {
		if search, err = accesslog.NewOpenSearchClient(cfg.OpenSearch); err != nil {
			rt.Logger.Error("Failed to connect to OpenSearch", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	app, err := gateway.New(gateway.Deps{
		Config:     cfg,
		Logger:     rt.Logger,
		Heartbeats: rt.Broker.Core,
		Auth:       rt.Auth,
		Health:     rt.Health,
		Redis:      rt.Redis(),
		OpenSearch: search,
	})
	if err != nil {
		rt.Logger.Error("Failed to assemble gateway", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := rt.Run(ctx, app.Handler(), app.Run); err != nil {
		rt.Logger.Error("Gateway stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	rt.Logger.Info("Gateway stopped gracefully")
}
