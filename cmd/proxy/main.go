package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethan/rtsp-cam-proxy/pkg/config"
	"github.com/ethan/rtsp-cam-proxy/pkg/logger"
	"github.com/ethan/rtsp-cam-proxy/pkg/proxy"
)

func main() {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	configPath := fs.String("config", "proxy.yml", "Path to the YAML configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Multi-client RTSP camera proxy\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting RTSP camera proxy", "log_config", logFlags.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"cameras", cfg.Cameras.Len(),
		"rtsp_port", cfg.RTSPPort,
		"tcp_mode", cfg.TCPMode,
		"web_limit", cfg.WebLimit)

	srv := proxy.NewServer(cfg, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig.String())
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
