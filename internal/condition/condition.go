// Package condition evaluates the small boolean expression language used
// by register templates to gate definitions on device configuration.
//
// Expressions combine comparisons over configuration keys with "and",
// "or" and parentheses; "or" binds looser than "and". Anything the
// evaluator cannot parse evaluates to true: a malformed filter must
// never silently hide a register from an operator trying to debug it.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"modbus-manager/internal/registry"
)

// Evaluate reports whether expr holds for the given configuration.
// Empty expressions, unknown keys and malformed input all yield true.
func Evaluate(expr string, cfg registry.DeviceConfig) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	expr = stripOuterParens(expr)

	if parts := splitTopLevel(expr, " or "); len(parts) > 1 {
		for _, p := range parts {
			if Evaluate(p, cfg) {
				return true
			}
		}
		return false
	}
	if parts := splitTopLevel(expr, " and "); len(parts) > 1 {
		for _, p := range parts {
			if !Evaluate(p, cfg) {
				return false
			}
		}
		return true
	}
	return evalLeaf(expr, cfg)
}

// stripOuterParens removes enclosing parentheses as long as they wrap the
// whole expression at balanced depth.
func stripOuterParens(s string) string {
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		depth := 0
		wraps := true
		for i, ch := range s {
			switch ch {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 && i < len(s)-1 {
				wraps = false
				break
			}
		}
		if !wraps {
			break
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// splitTopLevel splits s on sep occurrences at parenthesis depth zero.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// evalLeaf handles a single comparison. Operators are probed in a fixed
// order so that "not in" wins over "in" and ">=" over ">".
func evalLeaf(expr string, cfg registry.DeviceConfig) bool {
	if key, list, ok := splitOnce(expr, " not in "); ok {
		items, err := parseList(list)
		if err != nil {
			return true
		}
		v, present := cfg[strings.TrimSpace(key)]
		if !present {
			return true
		}
		return !containsValue(items, v)
	}
	if key, list, ok := splitOnce(expr, " in "); ok {
		items, err := parseList(list)
		if err != nil {
			return true
		}
		v, present := cfg[strings.TrimSpace(key)]
		if !present {
			return true
		}
		return containsValue(items, v)
	}
	for _, op := range []string{"!=", "==", ">=", ">"} {
		key, lit, ok := splitOnce(expr, op)
		if !ok {
			continue
		}
		v, present := cfg[strings.TrimSpace(key)]
		if !present {
			return true
		}
		switch op {
		case "==":
			return equals(v, lit)
		case "!=":
			return !equals(v, lit)
		case ">=":
			return ordered(v, lit, true)
		case ">":
			return ordered(v, lit, false)
		}
	}
	// No recognized operator: include rather than guess.
	return true
}

func splitOnce(s, sep string) (left, right string, ok bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+len(sep):]), true
}

// equals compares a configuration value against a literal: boolean
// literals first, then integers, then plain strings.
func equals(v any, lit string) bool {
	lit = unquote(lit)
	switch strings.ToLower(lit) {
	case "true":
		return truthy(v)
	case "false":
		return !truthy(v)
	}
	if want, err := strconv.Atoi(lit); err == nil {
		if got, ok := asInt(v); ok {
			return got == want
		}
	}
	return render(v) == lit
}

// ordered compares numerically when both sides coerce to integers and
// falls back to lexicographic comparison otherwise.
func ordered(v any, lit string, orEqual bool) bool {
	lit = unquote(lit)
	if want, err := strconv.Atoi(lit); err == nil {
		if got, ok := asInt(v); ok {
			if orEqual {
				return got >= want
			}
			return got > want
		}
	}
	got := render(v)
	if orEqual {
		return got >= lit
	}
	return got > lit
}

func parseList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, strconv.ErrSyntax
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, nil
	}
	raw := strings.Split(inner, ",")
	items := make([]string, 0, len(raw))
	for _, r := range raw {
		items = append(items, unquote(strings.TrimSpace(r)))
	}
	return items, nil
}

func containsValue(items []string, v any) bool {
	got := render(v)
	for _, it := range items {
		if it == got {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Truthy reports whether a configuration or register value counts as
// "on" for dependency checks. Unknown types count as off.
func Truthy(v any) bool { return truthy(v) }

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "false", "":
			return false
		}
		return true
	case nil:
		return false
	}
	return true
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint16:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err == nil {
			return n, true
		}
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	case float64:
		if t == float64(int(t)) {
			return strconv.Itoa(int(t))
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	if n, ok := asInt(v); ok {
		return strconv.Itoa(n)
	}
	return fmt.Sprintf("%v", v)
}
