package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"modbus-manager/internal/batch"
	"modbus-manager/internal/config"
	"modbus-manager/internal/poll"
	"modbus-manager/internal/tasks"
	"modbus-manager/internal/template"
	"modbus-manager/internal/transport"
)

func main() {
	var cfgPath, hubName string
	flag.StringVar(&cfgPath, "config", "config/manager.yaml", "path to YAML config")
	flag.StringVar(&hubName, "hub", "", "hub to read (default: first enabled)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var hc *config.HubConfig
	for i := range cfg.Hubs {
		if !cfg.Hubs[i].Enabled {
			continue
		}
		if hubName == "" || cfg.Hubs[i].Name == hubName {
			hc = &cfg.Hubs[i]
			break
		}
	}
	if hc == nil {
		log.Fatalf("no matching enabled hub in %s", cfgPath)
	}

	templates := template.NewCache(cfg.System.TemplatesDir, nil)
	defs, devCfg, err := tasks.ResolveHub(*hc, templates, nil)
	if err != nil {
		log.Fatalf("resolve hub %s: %v", hc.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, hc.Endpoint())
	if err != nil {
		log.Fatalf("dial hub %s: %v", hc.Name, err)
	}
	defer conn.Close()

	coord := poll.New(conn, defs, devCfg, poll.Options{
		Name:    hc.Name,
		Timeout: hc.Timeout,
		Limits:  batch.Limits{MaxSpanWords: hc.MaxSpanWords, MaxGapWords: hc.MaxGapWords},
	})
	snap, err := coord.Poll(ctx)
	if err != nil {
		log.Fatalf("poll: %v", err)
	}

	for _, def := range defs {
		reading, ok := snap.Get(def.SlaveID, def.UniqueID)
		if !ok {
			continue
		}
		unit := ""
		if def.Unit != "" {
			unit = " " + def.Unit
		}
		state := ""
		if !reading.Available {
			state = " (unavailable)"
		}
		fmt.Printf("%d/%s (%s@%d) = %v%s%s\n",
			def.SlaveID, def.UniqueID, def.Space, def.Address,
			reading.Value.Processed, unit, state)
	}
}
