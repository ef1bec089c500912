package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceConfig is the resolved option map for one device: phases,
// mppt_count, battery_enabled, firmware_version and whatever else the
// template's conditions reference. It is built once per reconfiguration
// and treated as read-only afterwards.
type DeviceConfig map[string]any

// ResolveConfig merges option sources in precedence order: model defaults
// first, then template-level fields, then user overrides. Later sources
// win key by key; nil maps are allowed.
func ResolveConfig(defaults, fields, overrides map[string]any) DeviceConfig {
	out := make(DeviceConfig)
	for _, src := range []map[string]any{defaults, fields, overrides} {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

// String returns the value under key rendered as a string.
func (c DeviceConfig) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// Int returns the value under key coerced to an integer when possible.
func (c DeviceConfig) Int(key string) (int, bool) {
	v, ok := c[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Bool returns the value under key coerced to a boolean when possible.
func (c DeviceConfig) Bool(key string) (bool, bool) {
	v, ok := c[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	case int:
		return t != 0, true
	}
	return false, false
}
