package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"modbus-manager/internal/codec"
	"modbus-manager/internal/perf"
	"modbus-manager/internal/poll"
	"modbus-manager/internal/registry"
)

func testSnapshot() ([]*registry.Definition, *poll.Snapshot) {
	defs := []*registry.Definition{
		{UniqueID: "total_power", SlaveID: 1, Address: 5016, Type: registry.TypeUint32, Words: 2},
		{UniqueID: "battery_soc", SlaveID: 1, Address: 13022, Type: registry.TypeUint16, Words: 1},
	}
	snap := &poll.Snapshot{
		Readings: map[poll.Key]poll.Reading{
			{SlaveID: 1, UniqueID: "total_power"}: {
				Value:     codec.Value{Numeric: 1500, Processed: float64(1500)},
				Available: true,
			},
			{SlaveID: 1, UniqueID: "battery_soc"}: {
				Value: codec.Value{Numeric: 87, Processed: float64(87)},
			},
		},
		Taken: time.Now(),
		Cycle: 7,
	}
	return defs, snap
}

func TestObserveSnapshotSetsGauges(t *testing.T) {
	s := NewServer(nil)
	defs, snap := testSnapshot()

	s.ObserveSnapshot("garage", defs, snap)

	if v := testutil.ToFloat64(s.registerValue.WithLabelValues("garage", "1", "total_power")); v != 1500 {
		t.Fatalf("register value gauge = %v, want 1500", v)
	}
	if v := testutil.ToFloat64(s.registerAvailable.WithLabelValues("garage", "1", "total_power")); v != 1 {
		t.Fatalf("available gauge = %v, want 1", v)
	}
	if v := testutil.ToFloat64(s.registerAvailable.WithLabelValues("garage", "1", "battery_soc")); v != 0 {
		t.Fatalf("unavailable gauge = %v, want 0", v)
	}
	if v := testutil.ToFloat64(s.registersFresh.WithLabelValues("garage")); v != 1 {
		t.Fatalf("fresh gauge = %v, want 1", v)
	}
	if v := testutil.ToFloat64(s.registersActive.WithLabelValues("garage")); v != 2 {
		t.Fatalf("active gauge = %v, want 2", v)
	}
	if v := testutil.ToFloat64(s.pollCycle.WithLabelValues("garage")); v != 7 {
		t.Fatalf("cycle gauge = %v, want 7", v)
	}
	if v := testutil.ToFloat64(s.snapshotsTotal.WithLabelValues("garage")); v != 1 {
		t.Fatalf("snapshots counter = %v, want 1", v)
	}
}

func TestObserveSummary(t *testing.T) {
	s := NewServer(nil)

	s.ObserveSummary("garage", perf.Summary{
		TotalOperations:  4,
		SuccessRate:      75,
		AvgDuration:      250 * time.Millisecond,
		AvgThroughput:    1024,
		RegistersPerRead: 10,
		ReadSavings:      90,
	})

	if v := testutil.ToFloat64(s.operationsTotal.WithLabelValues("garage")); v != 4 {
		t.Fatalf("operations gauge = %v, want 4", v)
	}
	if v := testutil.ToFloat64(s.successRate.WithLabelValues("garage")); v != 75 {
		t.Fatalf("success rate gauge = %v, want 75", v)
	}
	if v := testutil.ToFloat64(s.avgDuration.WithLabelValues("garage")); v != 0.25 {
		t.Fatalf("duration gauge = %v, want 0.25", v)
	}
	if v := testutil.ToFloat64(s.readSavings.WithLabelValues("garage")); v != 90 {
		t.Fatalf("savings gauge = %v, want 90", v)
	}
}

func TestNilServerIsNoOp(t *testing.T) {
	var s *Server
	defs, snap := testSnapshot()

	s.ObserveSnapshot("garage", defs, snap)
	s.ObserveSummary("garage", perf.Summary{})
	s.ForgetHub("garage")
	s.Close()
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("nil Start: %v", err)
	}
	if s.Handler() == nil {
		t.Fatal("nil Handler returned nil")
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	s := NewServer(nil)
	defs, snap := testSnapshot()
	s.ObserveSnapshot("garage", defs, snap)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`modbus_register_value{hub="garage",register="total_power",slave="1"} 1500`,
		`modbus_poll_cycle{hub="garage"} 7`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape body missing %q:\n%s", want, body)
		}
	}
}

func TestForgetHubDropsSeries(t *testing.T) {
	s := NewServer(nil)
	defs, snap := testSnapshot()
	s.ObserveSnapshot("garage", defs, snap)
	s.ObserveSnapshot("roof", defs, snap)

	s.ForgetHub("garage")

	families, err := s.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "hub" && label.GetValue() == "garage" {
					t.Fatalf("series for forgotten hub survived in %s", family.GetName())
				}
			}
		}
	}
}
