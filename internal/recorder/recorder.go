// Package recorder persists decoded register values and per-cycle
// poll statistics to SQLite. Writes go through an in-memory queue and
// a single background writer so a slow disk never stalls a poll loop.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"modbus-manager/internal/poll"
	"modbus-manager/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS register_values (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	hub TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	unique_id TEXT NOT NULL,
	name TEXT,
	address INTEGER NOT NULL,
	space TEXT NOT NULL,
	unit TEXT,
	raw_value REAL,
	numeric_value REAL,
	processed_value TEXT,
	available INTEGER NOT NULL,
	cycle INTEGER NOT NULL,
	taken INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_register_values_lookup
	ON register_values(hub, slave_id, unique_id, taken);

CREATE TABLE IF NOT EXISTS poll_cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	hub TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	registers INTEGER NOT NULL,
	fresh INTEGER NOT NULL,
	taken INTEGER NOT NULL
);
`

// Row is one persisted register value.
type Row struct {
	RunID     string    `json:"run_id"`
	Hub       string    `json:"hub"`
	SlaveID   uint8     `json:"slave_id"`
	UniqueID  string    `json:"unique_id"`
	Name      string    `json:"name,omitempty"`
	Address   uint16    `json:"address"`
	Space     string    `json:"space"`
	Unit      string    `json:"unit,omitempty"`
	Raw       float64   `json:"raw"`
	Numeric   float64   `json:"numeric"`
	Processed string    `json:"processed"`
	Available bool      `json:"available"`
	Cycle     uint64    `json:"cycle"`
	Taken     time.Time `json:"taken"`
}

// CycleStat is one persisted poll-cycle summary.
type CycleStat struct {
	RunID     string    `json:"run_id"`
	Hub       string    `json:"hub"`
	Cycle     uint64    `json:"cycle"`
	Registers int       `json:"registers"`
	Fresh     int       `json:"fresh"`
	Taken     time.Time `json:"taken"`
}

type envelope struct {
	rows []Row
	stat CycleStat
}

// Recorder owns the SQLite handle and the write queue.
type Recorder struct {
	db    *sql.DB
	log   *zap.Logger
	runID string

	q      chan envelope
	wg     sync.WaitGroup
	closed chan struct{}
}

// Open creates or opens the database at path, migrates the schema and
// starts the background writer. Every Open gets a fresh run id so rows
// from separate runs can be told apart.
func Open(path string, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The sqlite driver serializes writers; one open connection avoids
	// SQLITE_BUSY between the writer goroutine and queries.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	r := &Recorder{
		db:     db,
		log:    log,
		runID:  uuid.NewString(),
		q:      make(chan envelope, 256),
		closed: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writer()

	log.Info("recorder opened", zap.String("path", path), zap.String("run_id", r.runID))
	return r, nil
}

// RunID returns the id assigned to this recorder session.
func (r *Recorder) RunID() string { return r.runID }

// RecordSnapshot queues one published snapshot for persistence. defs
// supply the register metadata (name, unit, address) the snapshot
// itself does not carry. Returns an error when the queue is full; the
// snapshot is then dropped, never blocked on.
func (r *Recorder) RecordSnapshot(hub string, defs []*registry.Definition, snap *poll.Snapshot) error {
	byKey := make(map[poll.Key]*registry.Definition, len(defs))
	for _, def := range defs {
		byKey[poll.Key{SlaveID: def.SlaveID, UniqueID: def.UniqueID}] = def
	}

	rows := make([]Row, 0, len(snap.Readings))
	fresh := 0
	for key, reading := range snap.Readings {
		def, ok := byKey[key]
		if !ok {
			continue
		}
		if reading.Available {
			fresh++
		}
		rows = append(rows, Row{
			RunID:     r.runID,
			Hub:       hub,
			SlaveID:   key.SlaveID,
			UniqueID:  key.UniqueID,
			Name:      def.Name,
			Address:   def.Address,
			Space:     string(def.Space),
			Unit:      def.Unit,
			Raw:       reading.Value.Raw,
			Numeric:   reading.Value.Numeric,
			Processed: fmt.Sprintf("%v", reading.Value.Processed),
			Available: reading.Available,
			Cycle:     snap.Cycle,
			Taken:     snap.Taken,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SlaveID != rows[j].SlaveID {
			return rows[i].SlaveID < rows[j].SlaveID
		}
		return rows[i].UniqueID < rows[j].UniqueID
	})

	env := envelope{
		rows: rows,
		stat: CycleStat{
			RunID:     r.runID,
			Hub:       hub,
			Cycle:     snap.Cycle,
			Registers: len(snap.Readings),
			Fresh:     fresh,
			Taken:     snap.Taken,
		},
	}
	select {
	case r.q <- env:
		return nil
	default:
		return errors.New("recorder queue full")
	}
}

// Close drains the queue, stops the writer and closes the database.
func (r *Recorder) Close() {
	close(r.q)
	<-r.closed
	r.wg.Wait()
	if err := r.db.Close(); err != nil {
		r.log.Warn("close database", zap.Error(err))
	}
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for env := range r.q {
		if err := r.flush(env); err != nil {
			r.log.Warn("persist snapshot failed",
				zap.String("hub", env.stat.Hub),
				zap.Uint64("cycle", env.stat.Cycle),
				zap.Error(err))
		}
	}
	close(r.closed)
}

func (r *Recorder) flush(env envelope) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO register_values
		(run_id, hub, slave_id, unique_id, name, address, space, unit,
		 raw_value, numeric_value, processed_value, available, cycle, taken)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range env.rows {
		available := 0
		if row.Available {
			available = 1
		}
		if _, err := stmt.Exec(row.RunID, row.Hub, row.SlaveID, row.UniqueID,
			row.Name, row.Address, row.Space, row.Unit,
			row.Raw, row.Numeric, row.Processed, available,
			row.Cycle, row.Taken.UnixMilli()); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`INSERT INTO poll_cycles
		(run_id, hub, cycle, registers, fresh, taken)
		VALUES (?, ?, ?, ?, ?, ?)`,
		env.stat.RunID, env.stat.Hub, env.stat.Cycle,
		env.stat.Registers, env.stat.Fresh, env.stat.Taken.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

const rowColumns = `run_id, hub, slave_id, unique_id, name, address, space, unit,
	raw_value, numeric_value, processed_value, available, cycle, taken`

// Latest returns the most recent row per register for a hub.
func (r *Recorder) Latest(ctx context.Context, hub string) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+rowColumns+`
		FROM register_values
		WHERE id IN (
			SELECT MAX(id) FROM register_values WHERE hub = ? GROUP BY slave_id, unique_id
		)
		ORDER BY slave_id, unique_id`, hub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// History returns rows for one register, newest first.
func (r *Recorder) History(ctx context.Context, hub string, slave uint8, uniqueID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+rowColumns+`
		FROM register_values
		WHERE hub = ? AND slave_id = ? AND unique_id = ?
		ORDER BY taken DESC, id DESC
		LIMIT ?`, hub, slave, uniqueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// Cycles returns recent poll-cycle summaries for a hub, newest first.
func (r *Recorder) Cycles(ctx context.Context, hub string, limit int) ([]CycleStat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT run_id, hub, cycle, registers, fresh, taken
		FROM poll_cycles
		WHERE hub = ?
		ORDER BY taken DESC, id DESC
		LIMIT ?`, hub, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleStat
	for rows.Next() {
		var s CycleStat
		var taken int64
		if err := rows.Scan(&s.RunID, &s.Hub, &s.Cycle, &s.Registers, &s.Fresh, &taken); err != nil {
			return nil, err
		}
		s.Taken = time.UnixMilli(taken)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Hubs lists the hub names present in the database.
func (r *Recorder) Hubs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT hub FROM register_values ORDER BY hub`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hub string
		if err := rows.Scan(&hub); err != nil {
			return nil, err
		}
		out = append(out, hub)
	}
	return out, rows.Err()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var row Row
		var available int
		var taken int64
		if err := rows.Scan(&row.RunID, &row.Hub, &row.SlaveID, &row.UniqueID,
			&row.Name, &row.Address, &row.Space, &row.Unit,
			&row.Raw, &row.Numeric, &row.Processed, &available,
			&row.Cycle, &taken); err != nil {
			return nil, err
		}
		row.Available = available != 0
		row.Taken = time.UnixMilli(taken)
		out = append(out, row)
	}
	return out, rows.Err()
}
