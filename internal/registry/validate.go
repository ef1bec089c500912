package registry

import "fmt"

// ConfigurationError marks a structurally invalid definition. Registers
// failing validation are excluded from the active set until the template
// or configuration changes; they are never retried within a session.
type ConfigurationError struct {
	Register string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("register %s: %s", e.Register, e.Reason)
}

func confErr(id, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Register: id, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a single definition for structural soundness.
// Word counts below the type minimum, zero or negative scale, selects
// without labels and inverted limits are all rejected here, at load time.
func (d *Definition) Validate() error {
	if d.UniqueID == "" {
		return confErr("(unnamed)", "unique_id is required")
	}
	if d.SlaveID == 0 {
		return confErr(d.UniqueID, "slave_id must be positive")
	}
	switch d.Space {
	case SpaceHolding, SpaceInput:
	default:
		return confErr(d.UniqueID, "unknown register space %q", d.Space)
	}
	switch d.Type {
	case TypeUint16, TypeInt16, TypeUint32, TypeInt32, TypeFloat32,
		TypeFloat64, TypeString, TypeBoolean, TypeBitfield:
	default:
		return confErr(d.UniqueID, "unknown data_type %q", d.Type)
	}
	switch d.Swap {
	case SwapNone, SwapWord, SwapByte:
	default:
		return confErr(d.UniqueID, "unknown swap %q", d.Swap)
	}
	if d.Words == 0 {
		return confErr(d.UniqueID, "word count must be positive")
	}
	if min := d.Type.MinWords(); d.Words < min {
		return confErr(d.UniqueID, "data_type %s needs at least %d words, got %d", d.Type, min, d.Words)
	}
	if d.Type.Numeric() && d.Scale <= 0 {
		return confErr(d.UniqueID, "scale must be positive, got %g", d.Scale)
	}
	if d.Type == TypeString && d.MaxLength < 0 {
		return confErr(d.UniqueID, "max_length must not be negative")
	}
	if r := d.BitRange; r != nil {
		if r[0] < 0 || r[1] < r[0] || r[1] >= int(d.Words)*16 {
			return confErr(d.UniqueID, "bit_range [%d,%d] outside %d-word register", r[0], r[1], d.Words)
		}
	}
	if p := d.BitPosition; p != nil && (*p < 0 || *p >= int(d.Words)*16) {
		return confErr(d.UniqueID, "bit_position %d outside %d-word register", *p, d.Words)
	}
	if d.Writable {
		if d.Space != SpaceHolding {
			return confErr(d.UniqueID, "writable register must live in the holding space")
		}
		w := d.Write
		if w == nil {
			return confErr(d.UniqueID, "writable register needs write metadata")
		}
		switch w.Control {
		case ControlNone, ControlNumber, ControlSelect, ControlSwitch, ControlButton, ControlText:
		default:
			return confErr(d.UniqueID, "unknown control %q", w.Control)
		}
		if w.Control == ControlSelect && len(d.Labels) == 0 {
			return confErr(d.UniqueID, "select control requires an options table")
		}
		if w.Min != nil && w.Max != nil && *w.Min >= *w.Max {
			return confErr(d.UniqueID, "min %g must be below max %g", *w.Min, *w.Max)
		}
		switch w.FunctionCode {
		case 0, 6, 16:
		default:
			return confErr(d.UniqueID, "unsupported write function code %d", w.FunctionCode)
		}
	}
	return nil
}

// ValidateSet validates every definition and rejects duplicate unique ids
// within one slave. It returns the valid subset along with the individual
// errors, so a single bad register never discards a whole template.
func ValidateSet(defs []*Definition) ([]*Definition, []error) {
	type key struct {
		slave uint8
		id    string
	}
	seen := make(map[key]bool, len(defs))
	valid := make([]*Definition, 0, len(defs))
	var errs []error
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		k := key{d.SlaveID, d.UniqueID}
		if seen[k] {
			errs = append(errs, confErr(d.UniqueID, "duplicate unique_id on slave %d", d.SlaveID))
			continue
		}
		seen[k] = true
		valid = append(valid, d)
	}
	return valid, errs
}
