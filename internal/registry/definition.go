// Package registry holds the register model: immutable definitions of the
// addressable values a device template declares, plus the resolved device
// configuration those definitions are filtered against.
package registry

import (
	"fmt"
	"strings"
)

// Space identifies the Modbus register bank a definition reads from.
type Space string

const (
	SpaceHolding Space = "holding"
	SpaceInput   Space = "input"
)

// DataType is the closed set of value encodings a register may declare.
type DataType string

const (
	TypeUint16   DataType = "uint16"
	TypeInt16    DataType = "int16"
	TypeUint32   DataType = "uint32"
	TypeInt32    DataType = "int32"
	TypeFloat32  DataType = "float32"
	TypeFloat64  DataType = "float64"
	TypeString   DataType = "string"
	TypeBoolean  DataType = "boolean"
	TypeBitfield DataType = "bitfield"
)

// Swap selects the word/byte order adjustment applied before decoding.
type Swap string

const (
	SwapNone Swap = "none"
	SwapWord Swap = "word"
	SwapByte Swap = "byte"
)

// Control is the kind of writable entity a register backs.
type Control string

const (
	ControlNone   Control = "none"
	ControlNumber Control = "number"
	ControlSelect Control = "select"
	ControlSwitch Control = "switch"
	ControlButton Control = "button"
	ControlText   Control = "text"
)

// WriteMeta carries the extra metadata a writable register needs.
// Min/Max/Step are static limits; MinFrom/MaxFrom name registers whose
// current value supplies the limit at runtime, falling back to the static
// form when that register is unavailable.
type WriteMeta struct {
	Control      Control
	Min          *float64
	Max          *float64
	Step         *float64
	MinFrom      string
	MaxFrom      string
	FunctionCode uint8 // 0 = choose by word count, else 6 or 16
}

// Definition describes one addressable register value. Definitions are
// built once per template load and must not be mutated afterwards.
type Definition struct {
	UniqueID string
	Name     string
	Address  uint16
	Space    Space
	Type     DataType
	Words    uint16
	Scale    float64
	Offset   float64
	Swap     Swap
	SlaveID  uint8
	Unit     string

	Writable bool
	Write    *WriteMeta

	// Condition gates inclusion against the resolved device configuration.
	Condition string
	// FirmwareMin excludes the register on firmware below this version.
	FirmwareMin string
	// DependsOn names a register whose current value gates availability.
	DependsOn string

	// Labels maps a decoded numeric value to a display label.
	Labels map[int64]string

	// String payloads.
	Encoding  string
	MaxLength int

	// Bitfield extraction, applied in order: mask, position, shift, rotate, range.
	Bitmask     uint64
	BitPosition *int
	BitShift    int
	BitRotate   int
	BitRange    *[2]int
}

// MinWords returns the smallest word count valid for the data type.
// String and bitfield widths are declaration-driven, minimum one word.
func (t DataType) MinWords() uint16 {
	switch t {
	case TypeUint16, TypeInt16, TypeBoolean, TypeString, TypeBitfield:
		return 1
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	case TypeFloat64:
		return 4
	}
	return 1
}

// Numeric reports whether scale/offset arithmetic applies to the type.
func (t DataType) Numeric() bool {
	switch t {
	case TypeString, TypeBoolean:
		return false
	}
	return true
}

// LabelValue resolves a display label back to its numeric value. Label
// tables are not inverted automatically on write; callers that accept
// labels resolve them explicitly through this lookup.
func (d *Definition) LabelValue(label string) (int64, bool) {
	for v, l := range d.Labels {
		if l == label {
			return v, true
		}
	}
	return 0, false
}

// ParseDataType maps a template string to a DataType. "float" is accepted
// as a legacy alias of float32.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "uint16":
		return TypeUint16, nil
	case "int16":
		return TypeInt16, nil
	case "uint32":
		return TypeUint32, nil
	case "int32":
		return TypeInt32, nil
	case "float", "float32":
		return TypeFloat32, nil
	case "float64":
		return TypeFloat64, nil
	case "string":
		return TypeString, nil
	case "bool", "boolean":
		return TypeBoolean, nil
	case "bitfield":
		return TypeBitfield, nil
	}
	return "", fmt.Errorf("unknown data_type %q", s)
}

// ParseSpace maps a template input_type string to a Space.
func ParseSpace(s string) (Space, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "input":
		return SpaceInput, nil
	case "holding":
		return SpaceHolding, nil
	}
	return "", fmt.Errorf("unknown input_type %q", s)
}

// ParseSwap maps a template swap string to a Swap mode.
func ParseSwap(s string) (Swap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false":
		return SwapNone, nil
	case "word":
		return SwapWord, nil
	case "byte":
		return SwapByte, nil
	}
	return "", fmt.Errorf("unknown swap %q", s)
}

// ParseControl maps a template control string to a Control kind.
func ParseControl(s string) (Control, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ControlNone, nil
	case "number":
		return ControlNumber, nil
	case "select":
		return ControlSelect, nil
	case "switch":
		return ControlSwitch, nil
	case "button":
		return ControlButton, nil
	case "text":
		return ControlText, nil
	}
	return "", fmt.Errorf("unknown control %q", s)
}
