package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/config"
	"github.com/bastion-engine/bastion/core/engine"
	"github.com/bastion-engine/bastion/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bastiond: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bastiond: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal("Failed to build engine", zap.Error(err))
	}
	eng.Start()

	var metricsSrv *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(eng.Registry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			log.Info("Metrics endpoint listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Shutting down", zap.String("signal", sig.String()))

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	if err := eng.Stop(); err != nil {
		log.Error("Engine stopped with errors", zap.Error(err))
		os.Exit(1)
	}
}
