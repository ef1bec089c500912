package condition

import (
	"testing"

	"modbus-manager/internal/registry"
)

func TestEvaluateComparisons(t *testing.T) {
	t.Parallel()
	cfg := registry.DeviceConfig{
		"phases":          3,
		"mppt_count":      2,
		"battery_enabled": true,
		"connection_type": "LAN",
		"firmware":        "2.1.0",
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"phases == 3", true},
		{"phases == 1", false},
		{"phases != 1", true},
		{"phases >= 3", true},
		{"phases >= 4", false},
		{"phases > 2", true},
		{"phases > 3", false},
		{"battery_enabled == true", true},
		{"battery_enabled == false", false},
		{"connection_type == 'LAN'", true},
		{"connection_type == \"WINET\"", false},
		{"connection_type in ['LAN', 'WINET']", true},
		{"connection_type in ['WINET']", false},
		{"connection_type not in ['WINET']", true},
		{"phases in [1, 3]", true},
		{"phases not in [1, 3]", false},
	}
	for _, c := range cases {
		if got := Evaluate(c.expr, cfg); got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvaluateBooleanStructure(t *testing.T) {
	t.Parallel()
	cfg := registry.DeviceConfig{"a": 2, "b": 5, "c": "x"}

	cases := []struct {
		expr string
		want bool
	}{
		{"(a == 1 or a == 2) and b >= 5", true},
		{"(a == 1 or a == 3) and b >= 5", false},
		{"a == 1 or a == 2 and b > 9", false},
		{"a == 2 or a == 1 and b > 9", true},
		{"((a == 2))", true},
		{"(a == 1) or (b == 5 and c == 'x')", true},
		{"a == 1 and b == 5 or c == 'x'", true},
	}
	for _, c := range cases {
		if got := Evaluate(c.expr, cfg); got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestEvaluateFailOpen(t *testing.T) {
	t.Parallel()
	cfg := registry.DeviceConfig{"phases": 3}

	// Malformed or unresolvable input must include the register, never
	// hide it.
	cases := []string{
		"",
		"   ",
		"((phases == 3",
		"phases in [1, 3",
		"no_operator_here",
		"missing_key == 7",
		"missing_key in ['a']",
		"missing_key > 2",
	}
	for _, expr := range cases {
		if !Evaluate(expr, cfg) {
			t.Errorf("Evaluate(%q) = false, want fail-open true", expr)
		}
	}
}

func TestEvaluateCoercion(t *testing.T) {
	t.Parallel()
	cfg := registry.DeviceConfig{
		"count_str":  "4",
		"flag_int":   1,
		"flag_zero":  0,
		"name":       "sg5",
		"float_even": 3.0,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"count_str == 4", true},
		{"count_str >= 2", true},
		{"flag_int == true", true},
		{"flag_zero == false", true},
		{"float_even == 3", true},
		{"name == sg5", true},
		{"name == 'sg5'", true},
	}
	for _, c := range cases {
		if got := Evaluate(c.expr, cfg); got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}
