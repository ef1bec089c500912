package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"modbus-manager/internal/config"
	"modbus-manager/internal/registry"
	"modbus-manager/internal/sim"
	"modbus-manager/internal/tasks"
	"modbus-manager/internal/template"
)

// Serves the registers a manager config expects to find, seeded with
// deterministic values. Point the manager at the same config to poll
// against it without hardware.
func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/manager.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := tasks.NewLogger(cfg.System.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	templates := template.NewCache(cfg.System.TemplatesDir, logger)

	var specs []sim.Spec
	for _, hc := range cfg.Hubs {
		if !hc.Enabled || hc.Protocol != "tcp" {
			continue
		}
		defs, _, err := tasks.ResolveHub(hc, templates, logger)
		if err != nil {
			log.Fatalf("resolve hub %s: %v", hc.Name, err)
		}
		bySlave := make(map[uint8][]*registry.Definition)
		for _, def := range defs {
			bySlave[def.SlaveID] = append(bySlave[def.SlaveID], def)
		}
		spec := sim.Spec{
			Name:    hc.Name,
			Address: fmt.Sprintf("%s:%d", hc.Connection.Host, hc.Connection.Port),
			Retries: hc.RetryCount,
		}
		for slave, sdefs := range bySlave {
			spec.Devices = append(spec.Devices, sim.Device{SlaveID: slave, Definitions: sdefs})
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		log.Fatalf("no enabled tcp hubs to simulate in %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("shutting down simulators...")
		cancel()
	}()

	mgr := sim.NewManager(logger)
	if err := mgr.Run(ctx, specs); err != nil {
		log.Printf("simulator exited with error: %v", err)
	}
}
