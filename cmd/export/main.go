package main

import (
	"context"
	"flag"
	"log"

	"modbus-manager/internal/output"
	"modbus-manager/internal/recorder"
)

func main() {
	var dbPath string
	var hub string
	var outJSON string
	var outCSV string
	flag.StringVar(&dbPath, "db", "modbus-manager.db", "path to the recorder database")
	flag.StringVar(&hub, "hub", "", "hub to export (default: every hub)")
	flag.StringVar(&outJSON, "json", "", "path to write JSON snapshot (optional)")
	flag.StringVar(&outCSV, "csv", "", "path to write CSV snapshot (optional)")
	flag.Parse()

	if outJSON == "" && outCSV == "" {
		log.Fatalf("no output specified: set --json and/or --csv")
	}

	rec, err := recorder.Open(dbPath, nil)
	if err != nil {
		log.Fatalf("open %s: %v", dbPath, err)
	}
	defer rec.Close()

	ctx := context.Background()
	hubs := []string{hub}
	if hub == "" {
		hubs, err = rec.Hubs(ctx)
		if err != nil {
			log.Fatalf("list hubs: %v", err)
		}
		if len(hubs) == 0 {
			log.Fatalf("database %s holds no snapshots", dbPath)
		}
	}

	var rows []recorder.Row
	for _, h := range hubs {
		latest, err := rec.Latest(ctx, h)
		if err != nil {
			log.Fatalf("latest rows for %s: %v", h, err)
		}
		rows = append(rows, latest...)
	}

	if outJSON != "" {
		if err := output.WriteJSON(outJSON, rows); err != nil {
			log.Printf("write json error: %v", err)
		}
	}
	if outCSV != "" {
		if err := output.WriteCSV(outCSV, rows); err != nil {
			log.Printf("write csv error: %v", err)
		}
	}
}
