package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"modbus-manager/internal/tasks"
)

func main() {
	var opts tasks.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/manager.yaml", "path to YAML config")
	flag.StringVar(&opts.TemplatesDir, "templates", "", "override the templates directory")
	flag.StringVar(&opts.DBPath, "db", "", "record snapshots into this SQLite file")
	flag.StringVar(&opts.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal: %v, shutting down...", s)
		cancel()
	}()

	if err := tasks.InitAndRun(ctx, opts); err != nil {
		log.Fatalf("manager exited with error: %v", err)
	}
}
