// Package perf aggregates Modbus operation metrics for a coordinator:
// counts, failure rate, latency, throughput and how well the range
// optimizer packs registers into batch reads.
package perf

import (
	"sync"
	"time"
)

// recentCap bounds the in-memory ring of recent operations.
const recentCap = 100

// Operation is one completed read or write against a device.
type Operation struct {
	Kind      string // "read" or "write"
	At        time.Time
	Duration  time.Duration
	Bytes     int
	Registers int
	Spans     int
	Failed    bool
}

// Summary is a point-in-time rollup of everything recorded so far.
type Summary struct {
	TotalOperations  int64
	SuccessRate      float64 // percent
	AvgDuration      time.Duration
	AvgThroughput    float64 // bytes per second
	RegistersRead    int64
	BatchReads       int64
	RegistersPerRead float64
	ReadSavings      float64 // percent fewer reads than one-per-register
	LastOperation    time.Time
}

// Monitor collects operation metrics. Safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	total     int64
	failed    int64
	duration  time.Duration
	bytes     int64
	registers int64
	spans     int64
	lastOp    time.Time
	recent    []Operation
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// RecordRead records one batch-read pass: how many registers were
// fetched across how many optimized spans, the bytes moved and the
// elapsed time. err reports whether the pass failed entirely.
func (m *Monitor) RecordRead(registers, spans, bytes int, d time.Duration, err error) {
	m.record(Operation{
		Kind:      "read",
		At:        time.Now(),
		Duration:  d,
		Bytes:     bytes,
		Registers: registers,
		Spans:     spans,
		Failed:    err != nil,
	})
}

// RecordWrite records one register write.
func (m *Monitor) RecordWrite(bytes int, d time.Duration, err error) {
	m.record(Operation{
		Kind:     "write",
		At:       time.Now(),
		Duration: d,
		Bytes:    bytes,
		Failed:   err != nil,
	})
}

func (m *Monitor) record(op Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if op.Failed {
		m.failed++
	}
	m.duration += op.Duration
	m.bytes += int64(op.Bytes)
	m.registers += int64(op.Registers)
	m.spans += int64(op.Spans)
	m.lastOp = op.At

	if len(m.recent) == recentCap {
		copy(m.recent, m.recent[1:])
		m.recent[len(m.recent)-1] = op
	} else {
		m.recent = append(m.recent, op)
	}
}

// Summary returns the aggregated metrics.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		TotalOperations: m.total,
		RegistersRead:   m.registers,
		BatchReads:      m.spans,
		LastOperation:   m.lastOp,
	}
	if m.total > 0 {
		s.SuccessRate = float64(m.total-m.failed) / float64(m.total) * 100
		s.AvgDuration = m.duration / time.Duration(m.total)
	}
	if m.duration > 0 {
		s.AvgThroughput = float64(m.bytes) / m.duration.Seconds()
	}
	if m.spans > 0 {
		s.RegistersPerRead = float64(m.registers) / float64(m.spans)
	}
	if m.registers > 0 && m.spans > 0 {
		s.ReadSavings = float64(m.registers-m.spans) / float64(m.registers) * 100
	}
	return s
}

// Recent returns up to limit most recent operations, newest last.
// limit <= 0 returns everything retained.
func (m *Monitor) Recent(limit int) []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Operation, n)
	copy(out, m.recent[len(m.recent)-n:])
	return out
}

// Reset clears all recorded metrics.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total = 0
	m.failed = 0
	m.duration = 0
	m.bytes = 0
	m.registers = 0
	m.spans = 0
	m.lastOp = time.Time{}
	m.recent = nil
}
