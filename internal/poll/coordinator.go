// Package poll schedules batched register reads for one hub, decodes
// them into typed values and publishes consistent snapshots.
//
// A hub is one physical connection shared by one or more slaves. The
// coordinator owns the hub's poll cadence: ticks are cooperative, a new
// cycle never starts before the previous one finished, and every span
// read goes through the shared connection sequentially so the wire only
// ever carries one transaction.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"modbus-manager/internal/batch"
	"modbus-manager/internal/codec"
	"modbus-manager/internal/condition"
	"modbus-manager/internal/perf"
	"modbus-manager/internal/registry"
	"modbus-manager/internal/transport"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// Name labels the hub in logs. Optional.
	Name string
	// Interval between scheduled poll cycles. Defaults to 30s.
	Interval time.Duration
	// Timeout applies per device operation. Defaults to 5s.
	Timeout time.Duration
	// Limits tune the range optimizer. Zero values take defaults.
	Limits batch.Limits
	// Monitor receives per-operation metrics. A private one is created
	// when nil.
	Monitor *perf.Monitor
	Log     *zap.Logger
}

// Coordinator polls the active register set of one hub and publishes
// snapshots. Create with New, then Start, then read snapshots via
// Snapshot/Get or a Subscribe channel.
type Coordinator struct {
	id       string
	name     string
	conn     transport.Conn
	log      *zap.Logger
	monitor  *perf.Monitor
	interval time.Duration
	timeout  time.Duration
	limits   batch.Limits

	mu     sync.RWMutex
	defs   []*registry.Definition
	cfg    registry.DeviceConfig
	active []*registry.Definition
	plan   []batch.Span
	misses map[Key]int
	snap   *Snapshot
	gen    uint64
	cycles uint64
	subs   []chan *Snapshot

	// cycleMu serializes poll cycles so a manual Poll and the scheduled
	// loop never interleave reads on the wire.
	cycleMu sync.Mutex

	refreshCh chan struct{}
	stop      context.CancelFunc
	done      chan struct{}
	started   bool
}

// New builds a coordinator over an open connection. defs is the full
// template register set for the hub; registers whose condition does not
// match cfg are filtered out until the next Reconfigure.
func New(conn transport.Conn, defs []*registry.Definition, cfg registry.DeviceConfig, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Monitor == nil {
		opts.Monitor = perf.NewMonitor()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Name != "" {
		log = log.With(zap.String("hub", opts.Name))
	}

	c := &Coordinator{
		id:        uuid.NewString(),
		name:      opts.Name,
		conn:      conn,
		log:       log,
		monitor:   opts.Monitor,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		limits:    opts.Limits,
		misses:    make(map[Key]int),
		refreshCh: make(chan struct{}, 1),
	}
	c.apply(defs, cfg)
	return c
}

// ID returns the coordinator's instance id.
func (c *Coordinator) ID() string { return c.id }

// Name returns the hub name given at construction.
func (c *Coordinator) Name() string { return c.name }

// Monitor exposes the performance monitor for consumers.
func (c *Coordinator) Monitor() *perf.Monitor { return c.monitor }

// Interval returns the scheduled poll interval.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// apply recomputes the active set and read plan. Callers hold no locks.
func (c *Coordinator) apply(defs []*registry.Definition, cfg registry.DeviceConfig) {
	active := make([]*registry.Definition, 0, len(defs))
	for _, def := range defs {
		if def.Condition != "" && !condition.Evaluate(def.Condition, cfg) {
			continue
		}
		active = append(active, def)
	}
	plan := batch.Plan(active, c.limits)

	c.mu.Lock()
	c.defs = defs
	c.cfg = cfg
	c.active = active
	c.plan = plan
	c.misses = make(map[Key]int)
	c.gen++
	c.mu.Unlock()

	c.log.Info("register set applied",
		zap.Int("registers", len(defs)),
		zap.Int("active", len(active)),
		zap.Int("spans", len(plan)))
}

// Reconfigure swaps in a new register set and/or device configuration
// and schedules an early refresh. A cycle already in flight for the old
// set finishes against the wire but its result is discarded.
func (c *Coordinator) Reconfigure(defs []*registry.Definition, cfg registry.DeviceConfig) {
	c.apply(defs, cfg)
	c.RequestRefresh()
}

// RequestRefresh asks the poll loop for an early cycle. Never blocks;
// a refresh already pending is enough.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Start launches the poll loop. The first cycle runs immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	ctx, c.stop = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.log.Info("poll loop starting",
		zap.String("id", c.id),
		zap.Duration("interval", c.interval))
	go c.loop(ctx)
	return nil
}

// Stop halts the poll loop and waits for an in-flight cycle to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	started, stop, done := c.started, c.stop, c.done
	c.mu.Unlock()
	if !started {
		return
	}
	stop()
	<-done
	c.log.Info("poll loop stopped", zap.String("id", c.id))
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx)
		case <-c.refreshCh:
			c.runCycle(ctx)
		}
	}
}

// Poll runs one cycle now and returns the resulting snapshot. Useful
// for one-shot reads without a running loop.
func (c *Coordinator) Poll(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, published := c.runCycle(ctx)
	if !published {
		return c.Snapshot(), nil
	}
	return snap, nil
}

// Snapshot returns the latest published snapshot. Never nil.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return &Snapshot{Readings: map[Key]Reading{}}
	}
	return c.snap
}

// Get returns the latest reading for one register.
func (c *Coordinator) Get(slave uint8, uniqueID string) (Reading, bool) {
	return c.Snapshot().Get(slave, uniqueID)
}

// Subscribe returns a channel receiving each published snapshot. Slow
// receivers lose older snapshots, never the newest.
func (c *Coordinator) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, 16)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// runCycle performs one read/decode/publish pass. It reports whether
// the snapshot was published; a cycle that raced a Reconfigure is
// discarded.
func (c *Coordinator) runCycle(ctx context.Context) (*Snapshot, bool) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.RLock()
	gen := c.gen
	plan := c.plan
	active := c.active
	prev := c.snap
	misses := c.misses
	c.mu.RUnlock()

	started := time.Now()
	results := make([][]uint16, len(plan))
	failedSpans := 0
	bytesRead := 0

	for i, span := range plan {
		if ctx.Err() != nil {
			failedSpans += len(plan) - i
			break
		}
		words, err := c.readSpan(ctx, span)
		if err != nil {
			failedSpans++
			c.log.Warn("span read failed",
				zap.Uint8("slave", span.SlaveID),
				zap.String("space", string(span.Space)),
				zap.Uint16("start", span.Start),
				zap.Uint16("words", span.Words),
				zap.Error(err))
			continue
		}
		results[i] = words
		bytesRead += len(words) * 2
	}

	now := time.Now()
	readings := make(map[Key]Reading, len(active))
	fresh := 0
	for _, def := range active {
		key := Key{SlaveID: def.SlaveID, UniqueID: def.UniqueID}
		words, ok := spanWords(plan, results, def)
		if !ok {
			readings[key] = carryReading(prev, key, misses)
			continue
		}
		value, err := codec.Decode(words, def)
		if err != nil {
			c.log.Warn("decode failed",
				zap.String("register", def.UniqueID),
				zap.Uint8("slave", def.SlaveID),
				zap.Error(err))
			readings[key] = staleReading(prev, key)
			continue
		}
		delete(misses, key)
		readings[key] = Reading{Value: value, At: now, Available: true}
		fresh++
	}
	gateDependencies(active, readings)

	var cycleErr error
	if len(plan) > 0 && failedSpans == len(plan) {
		cycleErr = errors.New("all spans failed")
	}
	c.monitor.RecordRead(fresh, len(plan)-failedSpans, bytesRead, time.Since(started), cycleErr)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.log.Debug("cycle discarded after reconfiguration")
		return nil, false
	}
	c.cycles++
	snap := &Snapshot{Readings: readings, Taken: now, Cycle: c.cycles}
	c.snap = snap
	subs := c.subs
	c.mu.Unlock()

	for _, ch := range subs {
		offer(ch, snap)
	}

	c.log.Debug("snapshot published",
		zap.Uint64("cycle", snap.Cycle),
		zap.Int("registers", len(readings)),
		zap.Int("fresh", fresh),
		zap.Int("failed_spans", failedSpans),
		zap.Duration("took", time.Since(started)))
	return snap, true
}

func (c *Coordinator) readSpan(ctx context.Context, span batch.Span) ([]uint16, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Read(opCtx, span.SlaveID, span.Space, span.Start, span.Words)
}

// spanWords locates the raw words backing one register inside the cycle
// results. ok is false when the covering span failed this cycle.
func spanWords(plan []batch.Span, results [][]uint16, def *registry.Definition) ([]uint16, bool) {
	for i, span := range plan {
		if !span.Covers(def) {
			continue
		}
		words := results[i]
		if words == nil {
			return nil, false
		}
		off := int(def.Address - span.Start)
		if off+int(def.Words) > len(words) {
			return nil, false
		}
		return words[off : off+int(def.Words)], true
	}
	return nil, false
}

// carryReading handles a register whose span read failed: the previous
// value is kept for one missed cycle, after that the reading turns
// unavailable while retaining the last value for display.
func carryReading(prev *Snapshot, key Key, misses map[Key]int) Reading {
	misses[key]++
	var last Reading
	if prev != nil {
		last = prev.Readings[key]
	}
	if last.At.IsZero() {
		return Reading{}
	}
	if misses[key] > 1 {
		last.Available = false
	}
	return last
}

// staleReading handles a decode failure: the register is unavailable
// this cycle, last value retained.
func staleReading(prev *Snapshot, key Key) Reading {
	var last Reading
	if prev != nil {
		last = prev.Readings[key]
	}
	last.Available = false
	return last
}

// gateDependencies turns off registers whose depends_on register is
// present, available and falsy. A missing or unavailable dependency
// leaves the register on (fail-open).
func gateDependencies(active []*registry.Definition, readings map[Key]Reading) {
	for _, def := range active {
		if def.DependsOn == "" {
			continue
		}
		dep, ok := readings[Key{SlaveID: def.SlaveID, UniqueID: def.DependsOn}]
		if !ok || !dep.Available {
			continue
		}
		if condition.Truthy(dep.Value.Processed) {
			continue
		}
		key := Key{SlaveID: def.SlaveID, UniqueID: def.UniqueID}
		r := readings[key]
		r.Available = false
		readings[key] = r
	}
}

// offer delivers a snapshot without ever blocking the poll loop: when
// the subscriber lags, the oldest queued snapshot is dropped.
func offer(ch chan *Snapshot, snap *Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
