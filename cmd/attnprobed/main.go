// Command attnprobed is the local job daemon: it accepts generation
// requests over HTTP, runs one capture at a time, and serves finished
// datasets and progress websockets.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/kvxlabs/attnprobe/internal/config"
	"github.com/kvxlabs/attnprobe/internal/logger"
	"github.com/kvxlabs/attnprobe/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Optional YAML config file")
	host := flag.String("host", "", "Override bind host")
	port := flag.Int("port", 0, "Override API port")
	metricsPort := flag.Int("metrics-port", 0, "Override metrics port")
	datasetRoot := flag.String("dataset-root", "", "Override dataset root directory")
	flag.Parse()

	cfg := config.DefaultService()
	if *configPath != "" {
		loaded, err := config.LoadService(*configPath)
		if err != nil {
			logger.Log.Error("failed to load config", "path", *configPath, "error", err.Error())
			os.Exit(1)
		}
		cfg = loaded
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}
	if *datasetRoot != "" {
		cfg.DatasetRoot = *datasetRoot
	}

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	lg := logger.Log.Component("daemon")

	for _, dir := range []string{cfg.DatasetRoot, cfg.ProgressRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			lg.Error("failed to create directory", "path", dir, "error", err.Error())
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := service.New(cfg)
	lg.Info("starting daemon", "host", cfg.Host, "port", cfg.Port, "metrics_port", cfg.MetricsPort)
	if err := srv.Run(ctx); err != nil {
		lg.Error("daemon exited", "error", err.Error())
		os.Exit(1)
	}
	lg.Info("daemon stopped")
}
