package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"seedkeeper/go-keystore/internal/composition/daemon"
	"seedkeeper/go-keystore/internal/config"
	"seedkeeper/go-keystore/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (default ~/.seedkeeper/config.yaml)")
	storePath := flag.String("store", "", "Sealed store path override")
	listen := flag.String("listen", "", "IPC endpoint override: unix:///path, tcp://host:port or a multiaddr")
	metricsListen := flag.String("metrics-listen", "", "Prometheus listen address (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("seedkeeperd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadDaemon(*configPath)
	if err != nil {
		log.Fatalf("seedkeeperd: config: %v", err)
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	logger := privacylog.NewLogger(os.Stderr, cfg.LogFormat, privacylog.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.Build(cfg, logger, daemon.WithVersion(version))
	if err != nil {
		log.Fatalf("seedkeeperd failed to initialize: %v", err)
	}
	if err := d.Run(ctx); err != nil {
		log.Fatalf("seedkeeperd failed: %v", err)
	}
}
