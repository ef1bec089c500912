package perf

import (
	"errors"
	"testing"
	"time"
)

func TestSummaryAggregates(t *testing.T) {
	m := NewMonitor()

	// Two batch passes covering 30 registers in 3 optimized reads.
	m.RecordRead(20, 2, 40, 100*time.Millisecond, nil)
	m.RecordRead(10, 1, 20, 100*time.Millisecond, nil)
	m.RecordWrite(2, 50*time.Millisecond, errors.New("timeout"))

	s := m.Summary()
	if s.TotalOperations != 3 {
		t.Fatalf("TotalOperations = %d, want 3", s.TotalOperations)
	}
	if want := float64(2) / 3 * 100; s.SuccessRate != want {
		t.Fatalf("SuccessRate = %v, want %v", s.SuccessRate, want)
	}
	if s.RegistersRead != 30 || s.BatchReads != 3 {
		t.Fatalf("registers/spans = %d/%d, want 30/3", s.RegistersRead, s.BatchReads)
	}
	if s.RegistersPerRead != 10 {
		t.Fatalf("RegistersPerRead = %v, want 10", s.RegistersPerRead)
	}
	// 30 registers in 3 reads instead of 30: 90% fewer requests.
	if s.ReadSavings != 90 {
		t.Fatalf("ReadSavings = %v, want 90", s.ReadSavings)
	}
	if s.AvgDuration != (250*time.Millisecond)/3 {
		t.Fatalf("AvgDuration = %v", s.AvgDuration)
	}
	if s.AvgThroughput <= 0 {
		t.Fatalf("AvgThroughput = %v, want positive", s.AvgThroughput)
	}
	if s.LastOperation.IsZero() {
		t.Fatal("LastOperation not set")
	}
}

func TestSummaryEmpty(t *testing.T) {
	s := NewMonitor().Summary()
	if s.TotalOperations != 0 || s.SuccessRate != 0 || s.AvgDuration != 0 {
		t.Fatalf("empty summary not zero: %+v", s)
	}
}

func TestRecentRingAndLimit(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < recentCap+20; i++ {
		m.RecordRead(i, 1, 2, time.Millisecond, nil)
	}

	all := m.Recent(0)
	if len(all) != recentCap {
		t.Fatalf("retained %d operations, want %d", len(all), recentCap)
	}
	// Oldest entries were evicted.
	if all[0].Registers != 20 {
		t.Fatalf("oldest retained op has %d registers, want 20", all[0].Registers)
	}

	last := m.Recent(5)
	if len(last) != 5 {
		t.Fatalf("Recent(5) returned %d", len(last))
	}
	if last[4].Registers != recentCap+19 {
		t.Fatalf("newest op has %d registers, want %d", last[4].Registers, recentCap+19)
	}
}

func TestReset(t *testing.T) {
	m := NewMonitor()
	m.RecordRead(5, 1, 10, time.Millisecond, nil)
	m.Reset()

	s := m.Summary()
	if s.TotalOperations != 0 || len(m.Recent(0)) != 0 || !s.LastOperation.IsZero() {
		t.Fatalf("reset left state behind: %+v", s)
	}
}
