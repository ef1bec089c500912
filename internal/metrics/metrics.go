// Package metrics exposes poll results and transfer statistics to
// Prometheus. The listener is opt-in; a nil *Server is a no-op so
// callers can wire it unconditionally.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"modbus-manager/internal/perf"
	"modbus-manager/internal/poll"
	"modbus-manager/internal/registry"
)

// Server collects per-register and per-hub metrics on its own registry
// and serves them over HTTP.
type Server struct {
	reg *prometheus.Registry
	srv *http.Server
	log *zap.Logger

	registerValue     *prometheus.GaugeVec
	registerAvailable *prometheus.GaugeVec
	snapshotsTotal    *prometheus.CounterVec
	pollCycle         *prometheus.GaugeVec
	registersFresh    *prometheus.GaugeVec
	registersActive   *prometheus.GaugeVec

	operationsTotal  *prometheus.GaugeVec
	successRate      *prometheus.GaugeVec
	avgDuration      *prometheus.GaugeVec
	throughput       *prometheus.GaugeVec
	registersPerRead *prometheus.GaugeVec
	readSavings      *prometheus.GaugeVec
}

// NewServer builds the collector set on a fresh registry. Each Server
// owns its registry so restarts never trip duplicate registration.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		reg: prometheus.NewRegistry(),
		log: log,
		registerValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_register_value",
			Help: "Scaled numeric value of a register from the latest snapshot.",
		}, []string{"hub", "slave", "register"}),
		registerAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_register_available",
			Help: "Whether the register was readable in the latest snapshot (1/0).",
		}, []string{"hub", "slave", "register"}),
		snapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_snapshots_total",
			Help: "Snapshots observed per hub.",
		}, []string{"hub"}),
		pollCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_poll_cycle",
			Help: "Sequence number of the latest published cycle.",
		}, []string{"hub"}),
		registersFresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_registers_fresh",
			Help: "Registers read successfully in the latest cycle.",
		}, []string{"hub"}),
		registersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_registers_active",
			Help: "Registers in the hub's active set.",
		}, []string{"hub"}),
		operationsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_operations_total",
			Help: "Bus operations since start or the last monitor reset.",
		}, []string{"hub"}),
		successRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_operation_success_rate",
			Help: "Percentage of bus operations that succeeded.",
		}, []string{"hub"}),
		avgDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_operation_duration_seconds_avg",
			Help: "Average bus operation duration.",
		}, []string{"hub"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_read_throughput_bytes_per_second",
			Help: "Average read throughput.",
		}, []string{"hub"}),
		registersPerRead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_registers_per_read",
			Help: "Average registers decoded per physical read.",
		}, []string{"hub"}),
		readSavings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_read_savings_percent",
			Help: "Reads avoided by range batching relative to one read per register.",
		}, []string{"hub"}),
	}

	s.reg.MustRegister(
		s.registerValue,
		s.registerAvailable,
		s.snapshotsTotal,
		s.pollCycle,
		s.registersFresh,
		s.registersActive,
		s.operationsTotal,
		s.successRate,
		s.avgDuration,
		s.throughput,
		s.registersPerRead,
		s.readSavings,
	)
	return s
}

// ObserveSnapshot mirrors one published snapshot into the per-register
// and per-hub gauges.
func (s *Server) ObserveSnapshot(hub string, defs []*registry.Definition, snap *poll.Snapshot) {
	if s == nil || snap == nil {
		return
	}
	byKey := make(map[poll.Key]*registry.Definition, len(defs))
	for _, def := range defs {
		byKey[poll.Key{SlaveID: def.SlaveID, UniqueID: def.UniqueID}] = def
	}

	fresh := 0
	for key, reading := range snap.Readings {
		if _, ok := byKey[key]; !ok {
			continue
		}
		slave := strconv.Itoa(int(key.SlaveID))
		s.registerValue.WithLabelValues(hub, slave, key.UniqueID).Set(reading.Value.Numeric)
		avail := 0.0
		if reading.Available {
			avail = 1
			fresh++
		}
		s.registerAvailable.WithLabelValues(hub, slave, key.UniqueID).Set(avail)
	}

	s.snapshotsTotal.WithLabelValues(hub).Inc()
	s.pollCycle.WithLabelValues(hub).Set(float64(snap.Cycle))
	s.registersFresh.WithLabelValues(hub).Set(float64(fresh))
	s.registersActive.WithLabelValues(hub).Set(float64(len(snap.Readings)))
}

// ObserveSummary mirrors a performance monitor summary.
func (s *Server) ObserveSummary(hub string, sum perf.Summary) {
	if s == nil {
		return
	}
	s.operationsTotal.WithLabelValues(hub).Set(float64(sum.TotalOperations))
	s.successRate.WithLabelValues(hub).Set(sum.SuccessRate)
	s.avgDuration.WithLabelValues(hub).Set(sum.AvgDuration.Seconds())
	s.throughput.WithLabelValues(hub).Set(sum.AvgThroughput)
	s.registersPerRead.WithLabelValues(hub).Set(sum.RegistersPerRead)
	s.readSavings.WithLabelValues(hub).Set(sum.ReadSavings)
}

// ForgetHub drops all series for a hub, for reconfiguration that
// removes one.
func (s *Server) ForgetHub(hub string) {
	if s == nil {
		return
	}
	labels := prometheus.Labels{"hub": hub}
	s.registerValue.DeletePartialMatch(labels)
	s.registerAvailable.DeletePartialMatch(labels)
	s.snapshotsTotal.DeletePartialMatch(labels)
	s.pollCycle.DeletePartialMatch(labels)
	s.registersFresh.DeletePartialMatch(labels)
	s.registersActive.DeletePartialMatch(labels)
	s.operationsTotal.DeletePartialMatch(labels)
	s.successRate.DeletePartialMatch(labels)
	s.avgDuration.DeletePartialMatch(labels)
	s.throughput.DeletePartialMatch(labels)
	s.registersPerRead.DeletePartialMatch(labels)
	s.readSavings.DeletePartialMatch(labels)
}

// Handler serves the registry, for hosts that mount it themselves.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Start serves /metrics on addr in the background.
func (s *Server) Start(addr string) error {
	if s == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	s.srv = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Close shuts the listener down, waiting briefly for in-flight scrapes.
func (s *Server) Close() {
	if s == nil || s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("metrics shutdown", zap.Error(err))
	}
}
