// Package batch turns a set of register definitions into the minimal
// sequence of contiguous read spans, so one poll cycle costs as few
// device round trips as the gap and span limits allow.
package batch

import (
	"sort"

	"modbus-manager/internal/registry"
)

// Modbus caps a single register read at 125 words.
const maxReadWords = 125

// Limits bound the planner: a span never exceeds MaxSpanWords (except
// for a single register that is itself wider), and two registers merge
// into one span only when the address gap between them is at most
// MaxGapWords.
type Limits struct {
	MaxSpanWords uint16
	MaxGapWords  uint16
}

// DefaultLimits returns the planning limits used when a hub does not
// configure its own.
func DefaultLimits() Limits {
	return Limits{MaxSpanWords: 100, MaxGapWords: 10}
}

func (l Limits) normalized() Limits {
	if l.MaxSpanWords == 0 {
		l.MaxSpanWords = DefaultLimits().MaxSpanWords
	}
	if l.MaxSpanWords > maxReadWords {
		l.MaxSpanWords = maxReadWords
	}
	return l
}

// Span is one physical read: a contiguous address window on one register
// space of one slave. Spans are recomputed whenever the active register
// set changes.
type Span struct {
	SlaveID uint8
	Space   registry.Space
	Start   uint16
	Words   uint16
}

// Covers reports whether the definition's full width lies inside the span.
func (s Span) Covers(d *registry.Definition) bool {
	if d.SlaveID != s.SlaveID || d.Space != s.Space {
		return false
	}
	return d.Address >= s.Start && int(d.Address)+int(d.Words) <= int(s.Start)+int(s.Words)
}

// Plan groups definitions by (slave, space), sorts each group by address
// and sweeps once, merging neighbours while both limits hold. A register
// wider than MaxSpanWords still becomes one span: reads are never split
// mid-register, decoding requires contiguous words. Output order is
// deterministic: slave, then space, then start address.
func Plan(defs []*registry.Definition, lim Limits) []Span {
	if len(defs) == 0 {
		return nil
	}
	lim = lim.normalized()

	type gkey struct {
		slave uint8
		space registry.Space
	}
	groups := make(map[gkey][]*registry.Definition)
	for _, d := range defs {
		k := gkey{d.SlaveID, d.Space}
		groups[k] = append(groups[k], d)
	}

	keys := make([]gkey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].slave != keys[j].slave {
			return keys[i].slave < keys[j].slave
		}
		return keys[i].space < keys[j].space
	})

	var spans []Span
	for _, k := range keys {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool {
			if group[i].Address != group[j].Address {
				return group[i].Address < group[j].Address
			}
			return group[i].Words > group[j].Words
		})

		start := int(group[0].Address)
		end := start + int(group[0].Words)
		for _, d := range group[1:] {
			addr := int(d.Address)
			width := int(d.Words)
			gap := addr - end
			if gap <= int(lim.MaxGapWords) && addr+width-start <= int(lim.MaxSpanWords) {
				if addr+width > end {
					end = addr + width
				}
				continue
			}
			spans = append(spans, Span{k.slave, k.space, uint16(start), uint16(end - start)})
			start = addr
			end = addr + width
		}
		spans = append(spans, Span{k.slave, k.space, uint16(start), uint16(end - start)})
	}
	return spans
}
