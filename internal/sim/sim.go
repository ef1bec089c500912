// Package sim runs Modbus TCP servers seeded from register definitions,
// for demos and integration tests. Seeded values are deterministic
// functions of the register address so reads decode to stable,
// plausible numbers.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-manager/internal/codec"
	"modbus-manager/internal/modbus"
	"modbus-manager/internal/registry"
)

// Device is one simulated slave behind an endpoint. The server keeps a
// single register bank per endpoint; unit ids share it.
type Device struct {
	SlaveID     uint8
	Definitions []*registry.Definition
}

// Spec describes one simulated endpoint.
type Spec struct {
	Name    string
	Address string // host:port; port 0 picks a free port
	Retries int
	Devices []Device
}

// Manager starts and stops a set of simulated endpoints.
type Manager struct {
	log *zap.Logger

	mu      sync.Mutex
	servers map[string]*modbus.Server
	addrs   map[string]string
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:     log,
		servers: make(map[string]*modbus.Server),
		addrs:   make(map[string]string),
	}
}

// Start brings up one endpoint and returns its bound address.
func (m *Manager) Start(spec Spec) (string, error) {
	retries := spec.Retries
	if retries < 0 {
		retries = 0
	}

	var srv *modbus.Server
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		srv = modbus.NewServer()
		if err = srv.Listen(spec.Address); err != nil {
			if attempt == retries {
				return "", fmt.Errorf("simulator %s listen %s: %w", spec.Name, spec.Address, err)
			}
			time.Sleep(time.Second)
			continue
		}
		break
	}

	for _, dev := range spec.Devices {
		if err := Seed(srv, dev.Definitions); err != nil {
			srv.Close()
			return "", fmt.Errorf("simulator %s seed slave %d: %w", spec.Name, dev.SlaveID, err)
		}
	}

	m.mu.Lock()
	m.servers[spec.Name] = srv
	m.addrs[spec.Name] = srv.Addr()
	m.mu.Unlock()

	m.log.Info("simulator listening",
		zap.String("name", spec.Name),
		zap.String("addr", srv.Addr()))
	return srv.Addr(), nil
}

// Run starts every spec and blocks until ctx is canceled, then closes
// them all.
func (m *Manager) Run(ctx context.Context, specs []Spec) error {
	var wg sync.WaitGroup
	sem := make(chan struct{}, 4)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec Spec) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if _, err := m.Start(spec); err != nil {
				m.log.Warn("simulator start failed", zap.String("name", spec.Name), zap.Error(err))
				return
			}
			<-ctx.Done()
			m.stop(spec.Name)
		}(spec)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Server exposes a running endpoint's register bank, for tests that
// poke values directly.
func (m *Manager) Server(name string) *modbus.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[name]
}

// Addr returns the bound address of a running endpoint, empty when not
// running.
func (m *Manager) Addr(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addrs[name]
}

// Close stops every running endpoint.
func (m *Manager) Close() {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.stop(name)
	}
}

func (m *Manager) stop(name string) {
	m.mu.Lock()
	srv := m.servers[name]
	delete(m.servers, name)
	delete(m.addrs, name)
	m.mu.Unlock()
	if srv == nil {
		return
	}
	srv.Close()
	m.log.Info("simulator stopped", zap.String("name", name))
}

// Seed writes a decodable value for every definition into the server's
// banks.
func Seed(srv *modbus.Server, defs []*registry.Definition) error {
	for _, def := range defs {
		words, err := seedWords(def)
		if err != nil {
			return err
		}
		switch def.Space {
		case registry.SpaceHolding:
			err = srv.SetHoldingRegisters(def.Address, words)
		default:
			err = srv.SetInputRegisters(def.Address, words)
		}
		if err != nil {
			return fmt.Errorf("seed %s at %d: %w", def.UniqueID, def.Address, err)
		}
	}
	return nil
}

// SeedValue returns the display value Seed encodes for a numeric
// definition, so tests and demos know what to expect back.
func SeedValue(def *registry.Definition) float64 {
	if len(def.Labels) > 0 {
		lowest := int64(0)
		first := true
		for v := range def.Labels {
			if first || v < lowest {
				lowest = v
				first = false
			}
		}
		return float64(lowest)*def.Scale + def.Offset
	}
	return float64(def.Address%100)*def.Scale + def.Offset
}

func seedWords(def *registry.Definition) ([]uint16, error) {
	switch def.Type {
	case registry.TypeString:
		s := def.UniqueID
		if limit := int(def.Words) * 2; len(s) > limit {
			s = s[:limit]
		}
		return codec.EncodeString(s, def)
	case registry.TypeBitfield:
		n := def.Words
		if n == 0 {
			n = 1
		}
		words := make([]uint16, n)
		words[n-1] = 1
		return words, nil
	case registry.TypeBoolean:
		return codec.Encode(float64(def.Address%2), def)
	default:
		return codec.Encode(SeedValue(def), def)
	}
}
