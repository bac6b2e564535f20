package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/harunnryd/holorelay/pkg/logging"
	"github.com/harunnryd/holorelay/pkg/relay"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load(*envFile)

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "holorelay: %v\n", err)
		os.Exit(1)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	engine, err := relay.NewEngine(relay.EngineOptions{Config: cfg})
	if err != nil {
		slog.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		slog.Error("engine_start_failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	if err := engine.Stop(); err != nil {
		slog.Warn("engine_stop", "error", err)
	}
}
