// Package manager is the public face of the module: run the full
// daemon, or open a single hub and consume its snapshots in-process.
package manager

import (
	"context"

	"go.uber.org/zap"

	"modbus-manager/internal/batch"
	"modbus-manager/internal/config"
	"modbus-manager/internal/poll"
	"modbus-manager/internal/registry"
	"modbus-manager/internal/tasks"
	"modbus-manager/internal/template"
	"modbus-manager/internal/transport"
)

// Options re-exposes the daemon options for external callers.
type Options = tasks.Options

// HubConfig re-exposes the per-hub configuration.
type HubConfig = config.HubConfig

// Re-exposed snapshot model.
type (
	Snapshot   = poll.Snapshot
	Reading    = poll.Reading
	Key        = poll.Key
	Definition = registry.Definition
)

// Run starts the daemon with the given options using the internal
// tasks implementation.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRun(ctx, opts)
}

// Hub is one polled connection embedded in a host program.
type Hub struct {
	coord *poll.Coordinator
	conn  transport.Conn
	defs  []*registry.Definition
}

// OpenHub dials the hub, resolves its device templates and starts the
// poll loop. The first snapshot is taken immediately.
func OpenHub(ctx context.Context, hc HubConfig, templatesDir string, log *zap.Logger) (*Hub, error) {
	templates := template.NewCache(templatesDir, log)
	defs, devCfg, err := tasks.ResolveHub(hc, templates, log)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, hc.Endpoint())
	if err != nil {
		return nil, err
	}
	coord := poll.New(conn, defs, devCfg, poll.Options{
		Name:     hc.Name,
		Interval: hc.Interval,
		Timeout:  hc.Timeout,
		Limits:   batch.Limits{MaxSpanWords: hc.MaxSpanWords, MaxGapWords: hc.MaxGapWords},
		Log:      log,
	})
	if err := coord.Start(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &Hub{coord: coord, conn: conn, defs: defs}, nil
}

// Snapshot returns the latest published snapshot.
func (h *Hub) Snapshot() *Snapshot { return h.coord.Snapshot() }

// Get returns the latest reading for one register.
func (h *Hub) Get(slave uint8, uniqueID string) (Reading, bool) {
	return h.coord.Get(slave, uniqueID)
}

// Subscribe returns a channel receiving each published snapshot.
func (h *Hub) Subscribe() <-chan *Snapshot { return h.coord.Subscribe() }

// Write writes a display value to a writable register and schedules an
// early refresh.
func (h *Hub) Write(ctx context.Context, slave uint8, uniqueID string, value any) error {
	return h.coord.Write(ctx, slave, uniqueID, value)
}

// Refresh asks for an early poll cycle.
func (h *Hub) Refresh() { h.coord.RequestRefresh() }

// Definitions returns the resolved register set backing the hub.
func (h *Hub) Definitions() []*Definition { return h.defs }

// Close stops the poll loop and closes the connection.
func (h *Hub) Close() {
	h.coord.Stop()
	h.conn.Close()
}
