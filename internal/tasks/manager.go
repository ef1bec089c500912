// Package tasks wires the daemon together: configuration, logging,
// templates, transport, one poll coordinator per hub and the optional
// snapshot consumers (recorder, MQTT, Prometheus).
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"modbus-manager/internal/batch"
	"modbus-manager/internal/config"
	"modbus-manager/internal/firmware"
	"modbus-manager/internal/metrics"
	"modbus-manager/internal/poll"
	"modbus-manager/internal/publish"
	"modbus-manager/internal/recorder"
	"modbus-manager/internal/registry"
	"modbus-manager/internal/template"
	"modbus-manager/internal/transport"
)

// Options defines initialization overrides for the daemon.
// Mirrors the CLI flags used in cmd/manager/main.go.
type Options struct {
	ConfigPath   string
	TemplatesDir string
	DBPath       string
	MetricsAddr  string
	Log          *zap.Logger
}

// InitAndRun loads config, applies overrides, builds the logger and
// runs until the context is done.
func InitAndRun(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	// Flags win over YAML; a flag also enables its consumer.
	if opts.TemplatesDir != "" {
		cfg.System.TemplatesDir = opts.TemplatesDir
	}
	if opts.DBPath != "" {
		cfg.System.Storage.Enabled = true
		cfg.System.Storage.DBPath = opts.DBPath
	}
	if opts.MetricsAddr != "" {
		cfg.System.Metrics.Enabled = true
		cfg.System.Metrics.Listen = opts.MetricsAddr
	}

	log := opts.Log
	if log == nil {
		log, err = NewLogger(cfg.System.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()
	}
	return Run(ctx, cfg, log)
}

// NewLogger builds the production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(lvl)
	return conf.Build()
}

// hubRuntime is one running hub: its coordinator, the connection lease
// it polls through, and the register set consumers need for metadata.
type hubRuntime struct {
	name  string
	coord *poll.Coordinator
	lease *transport.Lease
	defs  []*registry.Definition
	snaps <-chan *poll.Snapshot
}

// Run starts every enabled hub and pumps its snapshots into the
// configured consumers until the context is done. A consumer that
// fails to initialize is logged and skipped, never fatal; a hub that
// fails to start is skipped the same way unless none starts at all.
func Run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	templates := template.NewCache(cfg.System.TemplatesDir, log)

	var rec *recorder.Recorder
	if cfg.System.Storage.Enabled {
		r, err := recorder.Open(cfg.System.Storage.DBPath, log)
		if err != nil {
			log.Warn("storage init failed, continuing without", zap.Error(err))
		} else {
			rec = r
		}
	}

	var pub *publish.Publisher
	if cfg.System.MQTT.Enabled {
		p, err := publish.Connect(publish.Options{
			Broker:    cfg.System.MQTT.Broker,
			ClientID:  cfg.System.MQTT.ClientID,
			Username:  cfg.System.MQTT.Username,
			Password:  cfg.System.MQTT.Password,
			TopicBase: cfg.System.MQTT.TopicBase,
			QoS:       cfg.System.MQTT.QoS,
			Retain:    cfg.System.MQTT.Retain,
			Log:       log,
		})
		if err != nil {
			log.Warn("mqtt init failed, continuing without", zap.Error(err))
		} else {
			pub = p
		}
	}

	var prom *metrics.Server
	if cfg.System.Metrics.Enabled {
		s := metrics.NewServer(log)
		if err := s.Start(cfg.System.Metrics.Listen); err != nil {
			log.Warn("metrics init failed, continuing without", zap.Error(err))
		} else {
			prom = s
		}
	}

	pool := transport.NewPool(nil, log)

	var hubs []*hubRuntime
	for _, hc := range cfg.Hubs {
		if !hc.Enabled {
			continue
		}
		h, err := startHub(ctx, hc, templates, pool, log)
		if err != nil {
			log.Error("hub start failed", zap.String("hub", hc.Name), zap.Error(err))
			continue
		}
		hubs = append(hubs, h)
	}
	if len(hubs) == 0 {
		if pub != nil {
			pub.Close()
		}
		if prom != nil {
			prom.Close()
		}
		pool.Close()
		if rec != nil {
			rec.Close()
		}
		return errors.New("no hub could be started")
	}

	var wg sync.WaitGroup
	for _, h := range hubs {
		wg.Add(1)
		go func(h *hubRuntime) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case snap := <-h.snaps:
					consume(h, snap, rec, pub, prom, log)
				}
			}
		}(h)
	}

	if pub != nil && cfg.System.MQTT.Writes {
		byName := make(map[string]*hubRuntime, len(hubs))
		for _, h := range hubs {
			byName[h.name] = h
		}
		err := pub.EnableWrites(func(ctx context.Context, hub string, slave uint8, uniqueID string, value any) error {
			h, ok := byName[hub]
			if !ok {
				return fmt.Errorf("unknown hub %s", hub)
			}
			return h.coord.Write(ctx, slave, uniqueID, resolveLabel(h.defs, slave, uniqueID, value))
		})
		if err != nil {
			log.Warn("mqtt write subscription failed", zap.Error(err))
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	for _, h := range hubs {
		h.coord.Stop()
	}
	// Give consumers a grace period to drain queued snapshots.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("timeout waiting for consumers to stop")
	}

	if pub != nil {
		pub.Close()
	}
	if prom != nil {
		prom.Close()
	}
	for _, h := range hubs {
		h.lease.Release()
	}
	pool.Close()
	if rec != nil {
		rec.Close()
	}
	return nil
}

// ResolveHub builds the register set for every device on a hub: each
// device's template is resolved against its firmware and options, and
// structurally broken registers are logged and dropped rather than
// failing the hub. The returned config is the union of the per-device
// configs; register conditions are evaluated against it.
func ResolveHub(hc config.HubConfig, templates *template.Cache, log *zap.Logger) ([]*registry.Definition, registry.DeviceConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var defs []*registry.Definition
	merged := registry.DeviceConfig{}
	for _, dev := range hc.Devices {
		tmpl, err := templates.Get(dev.Template)
		if err != nil {
			return nil, nil, fmt.Errorf("slave %d: %w", dev.SlaveID, err)
		}
		fw := dev.Firmware
		if fw == "" {
			fw = tmpl.FirmwareVersion
		}
		fw = firmware.Resolve(fw, tmpl.AvailableFirmware)

		devCfg := registry.ResolveConfig(tmpl.Defaults,
			map[string]any{"firmware_version": fw}, dev.Options)
		devDefs, errs := tmpl.Definitions(template.Context{
			Firmware: fw,
			Slave:    dev.SlaveID,
			Config:   devCfg,
		})
		for _, err := range errs {
			log.Warn("register skipped",
				zap.String("hub", hc.Name),
				zap.Uint8("slave", dev.SlaveID),
				zap.Error(err))
		}
		defs = append(defs, devDefs...)
		for k, v := range devCfg {
			merged[k] = v
		}
	}
	if len(defs) == 0 {
		return nil, nil, errors.New("no registers resolved")
	}
	return defs, merged, nil
}

// startHub acquires the hub's shared connection and starts its poll
// loop over the resolved register set.
func startHub(ctx context.Context, hc config.HubConfig, templates *template.Cache, pool *transport.Pool, log *zap.Logger) (*hubRuntime, error) {
	defs, merged, err := ResolveHub(hc, templates, log)
	if err != nil {
		return nil, err
	}

	lease, err := pool.Acquire(ctx, hc.Endpoint())
	if err != nil {
		return nil, err
	}

	coord := poll.New(lease.Conn(), defs, merged, poll.Options{
		Name:     hc.Name,
		Interval: hc.Interval,
		Timeout:  hc.Timeout,
		Limits:   batch.Limits{MaxSpanWords: hc.MaxSpanWords, MaxGapWords: hc.MaxGapWords},
		Log:      log,
	})
	snaps := coord.Subscribe()
	if err := coord.Start(ctx); err != nil {
		lease.Release()
		return nil, err
	}
	return &hubRuntime{name: hc.Name, coord: coord, lease: lease, defs: defs, snaps: snaps}, nil
}

// consume feeds one snapshot to every enabled consumer. The metrics
// server tolerates a nil receiver, the others are checked here.
func consume(h *hubRuntime, snap *poll.Snapshot, rec *recorder.Recorder, pub *publish.Publisher, prom *metrics.Server, log *zap.Logger) {
	if rec != nil {
		if err := rec.RecordSnapshot(h.name, h.defs, snap); err != nil {
			log.Warn("record snapshot failed", zap.String("hub", h.name), zap.Error(err))
		}
	}
	if pub != nil {
		pub.PublishSnapshot(h.name, h.defs, snap)
	}
	prom.ObserveSnapshot(h.name, h.defs, snap)
	prom.ObserveSummary(h.name, h.coord.Monitor().Summary())
}

// resolveLabel maps a label command ("Stopped") back to the register
// value it stands for. Non-label commands pass through untouched.
func resolveLabel(defs []*registry.Definition, slave uint8, uniqueID string, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	for _, def := range defs {
		if def.SlaveID != slave || def.UniqueID != uniqueID || len(def.Labels) == 0 {
			continue
		}
		if v, ok := def.LabelValue(s); ok {
			return float64(v)
		}
	}
	return value
}
