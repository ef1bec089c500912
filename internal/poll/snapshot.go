package poll

import (
	"time"

	"modbus-manager/internal/codec"
)

// Key identifies one register value within a hub: the slave it lives on
// plus the template's unique_id. unique_ids repeat across slaves when
// several identical devices share a bus, so the slave id is part of the
// identity.
type Key struct {
	SlaveID  uint8
	UniqueID string
}

// Reading is the latest decoded state of one register.
//
// Available distinguishes a live value from a placeholder: after a
// failed read the previous value is carried for one cycle, then the
// reading degrades to unavailable while keeping the last value for
// display.
type Reading struct {
	Value     codec.Value
	At        time.Time
	Available bool
}

// Snapshot is one complete published state of a hub. Snapshots are
// immutable once published: the coordinator builds a fresh one each
// cycle and swaps the pointer, so holders never observe a partial
// update.
type Snapshot struct {
	Readings map[Key]Reading
	Taken    time.Time
	Cycle    uint64
}

// Get returns the reading for a register, if present.
func (s *Snapshot) Get(slave uint8, uniqueID string) (Reading, bool) {
	if s == nil {
		return Reading{}, false
	}
	r, ok := s.Readings[Key{SlaveID: slave, UniqueID: uniqueID}]
	return r, ok
}

// Numeric returns the scaled numeric value of an available register.
func (s *Snapshot) Numeric(slave uint8, uniqueID string) (float64, bool) {
	r, ok := s.Get(slave, uniqueID)
	if !ok || !r.Available {
		return 0, false
	}
	return r.Value.Numeric, true
}
