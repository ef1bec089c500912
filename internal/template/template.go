// Package template loads device register templates from YAML. A
// template names every register a device model exposes; a derived
// template may extend a base one, and registers may carry firmware
// gates and firmware-keyed replacement parameters.
package template

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"modbus-manager/internal/firmware"
	"modbus-manager/internal/registry"
)

// Register is the YAML form of one register entry. Field names follow
// the template files, not the in-memory model.
type Register struct {
	UniqueID      string   `yaml:"unique_id"`
	Name          string   `yaml:"name"`
	Address       uint16   `yaml:"address"`
	InputType     string   `yaml:"input_type"`
	DataType      string   `yaml:"data_type"`
	Count         uint16   `yaml:"count"`
	Scale         *float64 `yaml:"scale"`
	Offset        float64  `yaml:"offset"`
	Swap          string   `yaml:"swap"`
	DeviceAddress uint8    `yaml:"device_address"`
	Unit          string   `yaml:"unit_of_measurement"`
	Group         string   `yaml:"group"`

	Condition   string `yaml:"condition"`
	FirmwareMin string `yaml:"firmware_min_version"`
	DependsOn   string `yaml:"depends_on_register"`

	// Options labels select choices, Map labels sensor values. Both
	// feed the same lookup table.
	Options map[int64]string `yaml:"options"`
	Map     map[int64]string `yaml:"map"`

	Encoding  string `yaml:"encoding"`
	MaxLength int    `yaml:"max_length"`

	Bitmask     uint64  `yaml:"bitmask"`
	BitPosition *int    `yaml:"bit_position"`
	BitShift    int     `yaml:"bit_shift"`
	BitRotate   int     `yaml:"bit_rotate"`
	BitRange    *[2]int `yaml:"bit_range"`

	Control           string   `yaml:"control"`
	MinValue          *float64 `yaml:"min_value"`
	MaxValue          *float64 `yaml:"max_value"`
	Step              *float64 `yaml:"step"`
	MinFrom           string   `yaml:"min_value_from_register"`
	MaxFrom           string   `yaml:"max_value_from_register"`
	WriteFunctionCode uint8    `yaml:"write_function_code"`
}

// Template is one parsed template file, extends already resolved.
type Template struct {
	Name            string `yaml:"name"`
	Version         int    `yaml:"version"`
	Manufacturer    string `yaml:"manufacturer"`
	Model           string `yaml:"model"`
	Extends         string `yaml:"extends"`
	DefaultPrefix   string `yaml:"default_prefix"`
	DefaultInterval int    `yaml:"default_interval"`
	FirmwareVersion string `yaml:"firmware_version"`

	AvailableFirmware []string       `yaml:"available_firmware_versions"`
	Defaults          map[string]any `yaml:"defaults"`

	// Replacements maps unique_id -> firmware version -> template field
	// overrides applied when the device firmware reaches that version.
	Replacements map[string]map[string]map[string]any `yaml:"sensor_replacements"`

	Sensors  []Register `yaml:"sensors"`
	Controls []Register `yaml:"controls"`
}

// Context carries the per-device knobs applied when a template is
// resolved into register definitions.
type Context struct {
	// Firmware is the device's reported or chosen firmware version.
	// Empty uses the template default; "latest" resolves to the highest
	// known version.
	Firmware string
	// Slave is the default slave id for registers without an explicit
	// device_address. Zero means 1.
	Slave uint8
	// Config is the resolved device configuration; conditions stored on
	// definitions are evaluated against it later.
	Config registry.DeviceConfig
}

// Parse decodes a single template document.
func Parse(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return &t, nil
}

// ParseFile decodes a template file, using the filename stem when the
// document carries no name.
func ParseFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if t.Name == "" {
		t.Name = nameFromPath(path)
	}
	return t, nil
}

// Merge layers a derived template over its base: scalar metadata from
// the child wins when set, defaults and replacements merge key-wise,
// and a child register replaces the base register with the same
// unique_id wholesale.
func Merge(child, base *Template) *Template {
	out := *child
	if out.FirmwareVersion == "" {
		out.FirmwareVersion = base.FirmwareVersion
	}
	if len(out.AvailableFirmware) == 0 {
		out.AvailableFirmware = base.AvailableFirmware
	}
	if out.DefaultPrefix == "" {
		out.DefaultPrefix = base.DefaultPrefix
	}
	if out.DefaultInterval == 0 {
		out.DefaultInterval = base.DefaultInterval
	}
	if out.Manufacturer == "" {
		out.Manufacturer = base.Manufacturer
	}

	defaults := make(map[string]any, len(base.Defaults)+len(child.Defaults))
	for k, v := range base.Defaults {
		defaults[k] = v
	}
	for k, v := range child.Defaults {
		defaults[k] = v
	}
	out.Defaults = defaults

	repl := make(map[string]map[string]map[string]any, len(base.Replacements)+len(child.Replacements))
	for k, v := range base.Replacements {
		repl[k] = v
	}
	for k, v := range child.Replacements {
		repl[k] = v
	}
	out.Replacements = repl

	out.Sensors = mergeRegisters(base.Sensors, child.Sensors)
	out.Controls = mergeRegisters(base.Controls, child.Controls)
	return &out
}

func mergeRegisters(base, child []Register) []Register {
	out := make([]Register, len(base))
	copy(out, base)
	for _, c := range child {
		replaced := false
		for i, b := range out {
			if b.UniqueID == c.UniqueID {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

// Definitions resolves the template into validated register
// definitions for one device. Registers gated out by the device's
// firmware are dropped; firmware-keyed replacement parameters are
// applied; structurally invalid registers are skipped and reported,
// never failing the whole template.
func (t *Template) Definitions(ctx Context) ([]*registry.Definition, []error) {
	fw := ctx.Firmware
	if fw == "" {
		fw = t.FirmwareVersion
	}
	fw = firmware.Resolve(fw, t.AvailableFirmware)
	slave := ctx.Slave
	if slave == 0 {
		slave = 1
	}

	var defs []*registry.Definition
	var errs []error
	build := func(regs []Register, writable bool) {
		for _, reg := range regs {
			if reg.FirmwareMin != "" && !firmware.AtLeast(fw, reg.FirmwareMin) {
				continue
			}
			reg, err := t.applyReplacements(reg, fw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			def, err := buildDefinition(reg, writable, slave)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			defs = append(defs, def)
		}
	}
	build(t.Sensors, false)
	build(t.Controls, true)

	valid, verrs := registry.ValidateSet(defs)
	return valid, append(errs, verrs...)
}

// applyReplacements overlays the firmware-keyed parameter map for one
// register, picking the highest replacement version not above the
// device firmware. Parameters are applied in the YAML field domain so
// a replacement may touch any template field; the "description" key is
// documentation and skipped.
func (t *Template) applyReplacements(reg Register, fw string) (Register, error) {
	byVersion, ok := t.Replacements[reg.UniqueID]
	if !ok || len(byVersion) == 0 {
		return reg, nil
	}
	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	applicable, ok := firmware.FindApplicable(versions, fw)
	if !ok {
		return reg, nil
	}
	params := byVersion[applicable]
	if len(params) == 0 {
		return reg, nil
	}

	raw := map[string]any{}
	enc, err := yaml.Marshal(reg)
	if err != nil {
		return reg, fmt.Errorf("register %s: %w", reg.UniqueID, err)
	}
	if err := yaml.Unmarshal(enc, &raw); err != nil {
		return reg, fmt.Errorf("register %s: %w", reg.UniqueID, err)
	}
	for k, v := range params {
		if k == "description" {
			continue
		}
		raw[k] = v
	}
	enc, err = yaml.Marshal(raw)
	if err != nil {
		return reg, fmt.Errorf("register %s: %w", reg.UniqueID, err)
	}
	var out Register
	if err := yaml.Unmarshal(enc, &out); err != nil {
		return reg, fmt.Errorf("register %s: replacement for firmware %s: %w", reg.UniqueID, applicable, err)
	}
	return out, nil
}

func buildDefinition(reg Register, writable bool, defaultSlave uint8) (*registry.Definition, error) {
	dataType, err := registry.ParseDataType(reg.DataType)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.UniqueID, err)
	}
	space, err := registry.ParseSpace(reg.InputType)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.UniqueID, err)
	}
	swap, err := registry.ParseSwap(reg.Swap)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", reg.UniqueID, err)
	}

	words := reg.Count
	if words == 0 {
		words = dataType.MinWords()
	}
	scale := 1.0
	if reg.Scale != nil {
		scale = *reg.Scale
	}
	slave := reg.DeviceAddress
	if slave == 0 {
		slave = defaultSlave
	}

	def := &registry.Definition{
		UniqueID:    reg.UniqueID,
		Name:        reg.Name,
		Address:     reg.Address,
		Space:       space,
		Type:        dataType,
		Words:       words,
		Scale:       scale,
		Offset:      reg.Offset,
		Swap:        swap,
		SlaveID:     slave,
		Unit:        reg.Unit,
		Condition:   reg.Condition,
		FirmwareMin: reg.FirmwareMin,
		DependsOn:   reg.DependsOn,
		Labels:      mergeLabels(reg.Map, reg.Options),
		Encoding:    reg.Encoding,
		MaxLength:   reg.MaxLength,
		Bitmask:     reg.Bitmask,
		BitPosition: reg.BitPosition,
		BitShift:    reg.BitShift,
		BitRotate:   reg.BitRotate,
		BitRange:    reg.BitRange,
	}

	if writable || reg.Control != "" && reg.Control != "none" {
		control, err := registry.ParseControl(reg.Control)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", reg.UniqueID, err)
		}
		if control == registry.ControlNone {
			control = registry.ControlNumber
		}
		def.Writable = true
		def.Write = &registry.WriteMeta{
			Control:      control,
			Min:          reg.MinValue,
			Max:          reg.MaxValue,
			Step:         reg.Step,
			MinFrom:      reg.MinFrom,
			MaxFrom:      reg.MaxFrom,
			FunctionCode: reg.WriteFunctionCode,
		}
	}
	return def, nil
}

func mergeLabels(m, options map[int64]string) map[int64]string {
	if len(m) == 0 && len(options) == 0 {
		return nil
	}
	out := make(map[int64]string, len(m)+len(options))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range options {
		out[k] = v
	}
	return out
}
