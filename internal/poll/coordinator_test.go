package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"modbus-manager/internal/registry"
	"modbus-manager/internal/transport"
)

type bankKey struct {
	slave uint8
	space registry.Space
}

type writeCall struct {
	slave   uint8
	address uint16
	words   []uint16
	multi   bool
}

// fakeConn serves reads from in-memory register banks and records
// writes. Banks can be failed to simulate an unreachable span.
type fakeConn struct {
	mu       sync.Mutex
	banks    map[bankKey][]uint16
	fail     map[bankKey]bool
	writes   []writeCall
	writeErr error
	readHook func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		banks: make(map[bankKey][]uint16),
		fail:  make(map[bankKey]bool),
	}
}

func (f *fakeConn) set(slave uint8, space registry.Space, addr uint16, values ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bankKey{slave, space}
	bank, ok := f.banks[key]
	if !ok {
		bank = make([]uint16, 1024)
		f.banks[key] = bank
	}
	copy(bank[addr:], values)
}

func (f *fakeConn) setFail(slave uint8, space registry.Space, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[bankKey{slave, space}] = failed
}

func (f *fakeConn) Read(ctx context.Context, slave uint8, space registry.Space, start, words uint16) ([]uint16, error) {
	f.mu.Lock()
	hook := f.readHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := bankKey{slave, space}
	if f.fail[key] {
		return nil, &transport.ConnectionError{Op: "read", Endpoint: "fake", Err: errors.New("bank down")}
	}
	bank, ok := f.banks[key]
	if !ok {
		return nil, fmt.Errorf("no bank for slave %d space %s", slave, space)
	}
	out := make([]uint16, words)
	copy(out, bank[start:int(start)+int(words)])
	return out, nil
}

func (f *fakeConn) Write(ctx context.Context, slave uint8, address uint16, words []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, writeCall{slave: slave, address: address, words: append([]uint16(nil), words...)})
	copy(f.banks[bankKey{slave, registry.SpaceHolding}][address:], words)
	return nil
}

func (f *fakeConn) WriteMultiple(ctx context.Context, slave uint8, address uint16, words []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, writeCall{slave: slave, address: address, words: append([]uint16(nil), words...), multi: true})
	copy(f.banks[bankKey{slave, registry.SpaceHolding}][address:], words)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) lastWrite(t *testing.T) writeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		t.Fatal("no writes recorded")
	}
	return f.writes[len(f.writes)-1]
}

func numberDef(uniqueID string, slave uint8, space registry.Space, addr uint16, scale float64) *registry.Definition {
	return &registry.Definition{
		UniqueID: uniqueID,
		Name:     uniqueID,
		Address:  addr,
		Space:    space,
		Type:     registry.TypeUint16,
		Words:    1,
		Scale:    scale,
		SlaveID:  slave,
	}
}

func mustPoll(t *testing.T, c *Coordinator) *Snapshot {
	t.Helper()
	snap, err := c.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return snap
}

func TestPollDecodesActiveRegisters(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 123)
	conn.set(1, registry.SpaceInput, 1, 650)

	power := numberDef("power", 1, registry.SpaceInput, 0, 10)
	temp := &registry.Definition{
		UniqueID: "temperature",
		Address:  1,
		Space:    registry.SpaceInput,
		Type:     registry.TypeInt16,
		Words:    1,
		Scale:    0.1,
		Offset:   -40,
		SlaveID:  1,
	}

	c := New(conn, []*registry.Definition{power, temp}, nil, Options{})
	snap := mustPoll(t, c)

	if snap.Cycle != 1 {
		t.Fatalf("Cycle = %d, want 1", snap.Cycle)
	}
	if got, ok := snap.Numeric(1, "power"); !ok || got != 1230 {
		t.Fatalf("power = %v (ok=%v), want 1230", got, ok)
	}
	if got, ok := snap.Numeric(1, "temperature"); !ok || got != 25 {
		t.Fatalf("temperature = %v (ok=%v), want 25", got, ok)
	}

	r, ok := snap.Get(1, "power")
	if !ok || !r.Available || r.At.IsZero() {
		t.Fatalf("power reading not fresh: %+v", r)
	}
}

func TestPollPartialFailureKeepsGoodSpans(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 42)
	conn.set(1, registry.SpaceHolding, 0, 7)

	inputReg := numberDef("energy", 1, registry.SpaceInput, 0, 1)
	holdingReg := numberDef("mode", 1, registry.SpaceHolding, 0, 1)

	c := New(conn, []*registry.Definition{inputReg, holdingReg}, nil, Options{})

	first := mustPoll(t, c)
	firstMode, _ := first.Get(1, "mode")
	if !firstMode.Available {
		t.Fatal("mode should be available after clean cycle")
	}

	// Holding bank goes down: the input register stays fresh, mode
	// carries last-known-good for exactly one cycle.
	conn.setFail(1, registry.SpaceHolding, true)
	conn.set(1, registry.SpaceInput, 0, 43)

	second := mustPoll(t, c)
	if got, ok := second.Numeric(1, "energy"); !ok || got != 43 {
		t.Fatalf("energy = %v (ok=%v), want fresh 43", got, ok)
	}
	mode, ok := second.Get(1, "mode")
	if !ok || !mode.Available {
		t.Fatalf("mode should keep last-known-good for one cycle: %+v", mode)
	}
	if mode.Value.Numeric != 7 {
		t.Fatalf("carried mode value = %v, want 7", mode.Value.Numeric)
	}
	if !mode.At.Equal(firstMode.At) {
		t.Fatal("carried reading must keep its original timestamp")
	}

	third := mustPoll(t, c)
	mode, _ = third.Get(1, "mode")
	if mode.Available {
		t.Fatal("mode should degrade to unavailable after a second missed cycle")
	}
	if mode.Value.Numeric != 7 {
		t.Fatalf("unavailable reading should retain last value, got %v", mode.Value.Numeric)
	}

	// Bank recovers: fresh again and grace resets.
	conn.setFail(1, registry.SpaceHolding, false)
	conn.set(1, registry.SpaceHolding, 0, 9)
	fourth := mustPoll(t, c)
	mode, _ = fourth.Get(1, "mode")
	if !mode.Available || mode.Value.Numeric != 9 {
		t.Fatalf("mode should recover: %+v", mode)
	}
}

func TestPollNeverReadRegisterFailsClosed(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 1)
	conn.setFail(1, registry.SpaceInput, true)

	c := New(conn, []*registry.Definition{numberDef("power", 1, registry.SpaceInput, 0, 1)}, nil, Options{})
	snap := mustPoll(t, c)

	r, ok := snap.Get(1, "power")
	if !ok {
		t.Fatal("register should appear in snapshot even when its span failed")
	}
	if r.Available {
		t.Fatal("register with no prior value must be unavailable after a failed read")
	}
}

func TestPollIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 10, 100, 200, 300)

	defs := []*registry.Definition{
		numberDef("a", 1, registry.SpaceInput, 10, 1),
		numberDef("b", 1, registry.SpaceInput, 11, 1),
		numberDef("c", 1, registry.SpaceInput, 12, 1),
	}
	c := New(conn, defs, nil, Options{})

	first := mustPoll(t, c)
	second := mustPoll(t, c)

	if len(first.Readings) != len(second.Readings) {
		t.Fatalf("reading counts differ: %d vs %d", len(first.Readings), len(second.Readings))
	}
	for key, fr := range first.Readings {
		sr, ok := second.Readings[key]
		if !ok {
			t.Fatalf("register %v missing from second snapshot", key)
		}
		if fr.Value.Numeric != sr.Value.Numeric || fr.Value.Raw != sr.Value.Raw || fr.Available != sr.Available {
			t.Fatalf("register %v changed without device change: %+v vs %+v", key, fr, sr)
		}
	}
}

func TestConditionFiltersActiveSet(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 11, 22)

	phaseB := numberDef("phase_b_voltage", 1, registry.SpaceInput, 1, 1)
	phaseB.Condition = "phases == 3"
	total := numberDef("total_voltage", 1, registry.SpaceInput, 0, 1)

	cfg := registry.DeviceConfig{"phases": 1}
	c := New(conn, []*registry.Definition{total, phaseB}, cfg, Options{})
	snap := mustPoll(t, c)

	if _, ok := snap.Get(1, "phase_b_voltage"); ok {
		t.Fatal("condition-filtered register must not be polled")
	}
	if _, ok := snap.Get(1, "total_voltage"); !ok {
		t.Fatal("unconditional register missing")
	}

	// Three-phase configuration turns it on.
	c.Reconfigure([]*registry.Definition{total, phaseB}, registry.DeviceConfig{"phases": 3})
	snap = mustPoll(t, c)
	if got, ok := snap.Numeric(1, "phase_b_voltage"); !ok || got != 22 {
		t.Fatalf("phase_b_voltage = %v (ok=%v) after reconfigure, want 22", got, ok)
	}
}

func TestMalformedConditionFailsOpen(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 5)

	def := numberDef("power", 1, registry.SpaceInput, 0, 1)
	def.Condition = "((phases == 3"

	c := New(conn, []*registry.Definition{def}, registry.DeviceConfig{"phases": 1}, Options{})
	snap := mustPoll(t, c)
	if _, ok := snap.Get(1, "power"); !ok {
		t.Fatal("malformed condition must include the register")
	}
}

func TestDependencyGating(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 0) // battery disabled
	conn.set(1, registry.SpaceInput, 1, 77)

	enabled := &registry.Definition{
		UniqueID: "battery_enabled",
		Address:  0,
		Space:    registry.SpaceInput,
		Type:     registry.TypeBoolean,
		Words:    1,
		SlaveID:  1,
	}
	soc := numberDef("battery_soc", 1, registry.SpaceInput, 1, 1)
	soc.DependsOn = "battery_enabled"
	orphan := numberDef("orphan", 1, registry.SpaceInput, 1, 1)
	orphan.DependsOn = "missing_register"

	c := New(conn, []*registry.Definition{enabled, soc, orphan}, nil, Options{})
	snap := mustPoll(t, c)

	r, _ := snap.Get(1, "battery_soc")
	if r.Available {
		t.Fatal("battery_soc should be gated off while battery_enabled is false")
	}
	if o, _ := snap.Get(1, "orphan"); !o.Available {
		t.Fatal("missing dependency must leave the register available")
	}

	conn.set(1, registry.SpaceInput, 0, 1)
	snap = mustPoll(t, c)
	if r, _ := snap.Get(1, "battery_soc"); !r.Available {
		t.Fatal("battery_soc should come back once battery_enabled is true")
	}
}

func TestDecodeFailureIsolatesRegister(t *testing.T) {
	conn := newFakeConn()
	// NaN float32 bit pattern alongside a healthy register.
	conn.set(1, registry.SpaceInput, 0, 0x7FC0, 0x0000, 55)

	bad := &registry.Definition{
		UniqueID: "broken_float",
		Address:  0,
		Space:    registry.SpaceInput,
		Type:     registry.TypeFloat32,
		Words:    2,
		Scale:    1,
		SlaveID:  1,
	}
	good := numberDef("healthy", 1, registry.SpaceInput, 2, 1)

	c := New(conn, []*registry.Definition{bad, good}, nil, Options{})
	snap := mustPoll(t, c)

	if r, _ := snap.Get(1, "broken_float"); r.Available {
		t.Fatal("undecodable register must be unavailable")
	}
	if got, ok := snap.Numeric(1, "healthy"); !ok || got != 55 {
		t.Fatalf("healthy register affected by sibling decode failure: %v (ok=%v)", got, ok)
	}
}

func TestReconfigureDiscardsInFlightCycle(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 10)

	def := numberDef("power", 1, registry.SpaceInput, 0, 1)
	c := New(conn, []*registry.Definition{def}, nil, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	conn.mu.Lock()
	conn.readHook = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	conn.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Poll(context.Background())
	}()

	<-started
	c.Reconfigure([]*registry.Definition{def}, registry.DeviceConfig{"changed": 1})
	close(release)
	<-done

	if got := c.Snapshot().Cycle; got != 0 {
		t.Fatalf("stale in-flight cycle must be discarded, got cycle %d", got)
	}

	snap := mustPoll(t, c)
	if snap.Cycle != 1 {
		t.Fatalf("fresh cycle after reconfigure = %d, want 1", snap.Cycle)
	}
}

func TestWriteEncodesAndRefreshes(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceHolding, 5, 0)

	min, max := 0.0, 100.0
	limit := numberDef("export_limit", 1, registry.SpaceHolding, 5, 0.1)
	limit.Writable = true
	limit.Write = &registry.WriteMeta{Control: registry.ControlNumber, Min: &min, Max: &max}

	c := New(conn, []*registry.Definition{limit}, nil, Options{})

	if err := c.Write(context.Background(), 1, "export_limit", 12.3); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := conn.lastWrite(t)
	if w.address != 5 || len(w.words) != 1 || w.words[0] != 123 {
		t.Fatalf("unexpected write %+v, want address 5 words [123]", w)
	}
	if w.multi {
		t.Fatal("single-word write should use the single-register path")
	}

	select {
	case <-c.refreshCh:
	default:
		t.Fatal("successful write must request a refresh")
	}

	if err := c.Write(context.Background(), 1, "export_limit", 150.0); err == nil {
		t.Fatal("expected out-of-range write to fail")
	}
	if err := c.Write(context.Background(), 1, "export_limit", -1.0); err == nil {
		t.Fatal("expected below-minimum write to fail")
	}
}

func TestWriteFailureDoesNotRefresh(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceHolding, 5, 0)
	conn.writeErr = errors.New("device busy")

	limit := numberDef("export_limit", 1, registry.SpaceHolding, 5, 1)
	limit.Writable = true
	limit.Write = &registry.WriteMeta{Control: registry.ControlNumber}

	c := New(conn, []*registry.Definition{limit}, nil, Options{})
	if err := c.Write(context.Background(), 1, "export_limit", 10.0); err == nil {
		t.Fatal("expected write error to surface")
	}
	select {
	case <-c.refreshCh:
		t.Fatal("failed write must not request a refresh")
	default:
	}
}

func TestWriteDynamicLimits(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 9, 20) // runtime floor
	conn.set(1, registry.SpaceHolding, 5, 0)

	staticMin := 0.0
	floor := numberDef("charge_floor", 1, registry.SpaceInput, 9, 1)
	target := numberDef("charge_target", 1, registry.SpaceHolding, 5, 1)
	target.Writable = true
	target.Write = &registry.WriteMeta{Control: registry.ControlNumber, Min: &staticMin, MinFrom: "charge_floor"}

	c := New(conn, []*registry.Definition{floor, target}, nil, Options{})
	mustPoll(t, c)

	if err := c.Write(context.Background(), 1, "charge_target", 10.0); err == nil {
		t.Fatal("write below the dynamic floor must fail")
	}
	if err := c.Write(context.Background(), 1, "charge_target", 25.0); err != nil {
		t.Fatalf("write above the dynamic floor: %v", err)
	}

	// Floor register unavailable: the static minimum applies instead.
	conn.setFail(1, registry.SpaceInput, true)
	mustPoll(t, c) // grace cycle, still available
	mustPoll(t, c) // degrades to unavailable
	if err := c.Write(context.Background(), 1, "charge_target", 10.0); err != nil {
		t.Fatalf("write with static fallback minimum: %v", err)
	}
}

func TestWriteFunctionCodeSelection(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceHolding, 0, 0, 0)

	forced := numberDef("forced_multi", 1, registry.SpaceHolding, 0, 1)
	forced.Writable = true
	forced.Write = &registry.WriteMeta{Control: registry.ControlNumber, FunctionCode: 16}

	wide := &registry.Definition{
		UniqueID: "wide_single",
		Address:  0,
		Space:    registry.SpaceHolding,
		Type:     registry.TypeUint32,
		Words:    2,
		Scale:    1,
		SlaveID:  1,
		Writable: true,
		Write:    &registry.WriteMeta{Control: registry.ControlNumber, FunctionCode: 6},
	}

	c := New(conn, []*registry.Definition{forced, wide}, nil, Options{})

	if err := c.Write(context.Background(), 1, "forced_multi", 8.0); err != nil {
		t.Fatalf("forced FC16 write: %v", err)
	}
	if w := conn.lastWrite(t); !w.multi {
		t.Fatal("function code 16 must use the multiple-register path")
	}

	if err := c.Write(context.Background(), 1, "wide_single", 8.0); err == nil {
		t.Fatal("function code 6 with a two-word value must fail")
	}
}

func TestWriteRejections(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 1)

	sensor := numberDef("sensor", 1, registry.SpaceInput, 0, 1)
	gated := numberDef("gated", 1, registry.SpaceHolding, 1, 1)
	gated.Writable = true
	gated.Write = &registry.WriteMeta{Control: registry.ControlNumber}
	gated.Condition = "phases == 3"

	c := New(conn, []*registry.Definition{sensor, gated}, registry.DeviceConfig{"phases": 1}, Options{})

	if err := c.Write(context.Background(), 1, "sensor", 1.0); err == nil {
		t.Fatal("writing a read-only register must fail")
	}
	if err := c.Write(context.Background(), 1, "nope", 1.0); err == nil {
		t.Fatal("writing an unknown register must fail")
	}
	if err := c.Write(context.Background(), 1, "gated", 1.0); err == nil {
		t.Fatal("writing a condition-disabled register must fail")
	}
	if err := c.Write(context.Background(), 1, "sensor", "text"); err == nil {
		t.Fatal("non-numeric value for a numeric register must fail")
	}
}

func TestLoopPublishesToSubscribers(t *testing.T) {
	conn := newFakeConn()
	conn.set(1, registry.SpaceInput, 0, 99)

	def := numberDef("power", 1, registry.SpaceInput, 0, 1)
	c := New(conn, []*registry.Definition{def}, nil, Options{Interval: 20 * time.Millisecond})

	sub := c.Subscribe()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	select {
	case snap := <-sub:
		if got, ok := snap.Numeric(1, "power"); !ok || got != 99 {
			t.Fatalf("subscriber snapshot power = %v (ok=%v), want 99", got, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber received no snapshot")
	}

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start must fail")
	}
}

func TestPollCancelledContext(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, nil, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Poll(ctx); err == nil {
		t.Fatal("poll with cancelled context must fail")
	}
}
