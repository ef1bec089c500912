// Package output exports recorded register values to JSON and CSV
// files for offline analysis.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"modbus-manager/internal/recorder"
)

// WriteJSON writes rows to a JSON file with pretty formatting.
func WriteJSON(path string, rows []recorder.Row) error {
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// WriteCSV writes rows to a CSV file.
// Columns: run_id,hub,slave_id,unique_id,name,address,space,unit,raw,numeric,processed,available,cycle,taken
func WriteCSV(path string, rows []recorder.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	headers := []string{"run_id", "hub", "slave_id", "unique_id", "name", "address", "space", "unit", "raw", "numeric", "processed", "available", "cycle", "taken"}
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, r := range rows {
		available := "0"
		if r.Available {
			available = "1"
		}
		rec := []string{
			r.RunID,
			r.Hub,
			strconv.Itoa(int(r.SlaveID)),
			r.UniqueID,
			r.Name,
			strconv.Itoa(int(r.Address)),
			r.Space,
			r.Unit,
			formatFloat(r.Raw),
			formatFloat(r.Numeric),
			r.Processed,
			available,
			strconv.FormatUint(r.Cycle, 10),
			timeToRFC3339(r.Taken),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func timeToRFC3339(t time.Time) string { return t.Format(time.RFC3339Nano) }
