// Package firmware orders device firmware version tags. Tags are treated
// as dotted numeric versions when they parse as such; anything else falls
// back to exact string matching so vendor-specific tags still work.
package firmware

import (
	"strconv"
	"strings"
)

// Parse splits a dotted numeric version tag into its segments.
// Returns ok=false for tags that are not purely numeric-dotted.
func Parse(tag string) ([]int, bool) {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "v")
	tag = strings.TrimPrefix(tag, "V")
	if tag == "" {
		return nil, false
	}
	segs := strings.Split(tag, ".")
	parts := make([]int, 0, len(segs))
	for _, s := range segs {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 0 {
			return nil, false
		}
		parts = append(parts, n)
	}
	return parts, true
}

// Compare orders two parsed versions segment-wise; missing segments
// count as zero, so 2.1 == 2.1.0.
func Compare(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether the device firmware satisfies a minimum
// version requirement. An empty requirement or an empty device version
// always passes; two non-numeric tags pass only on exact equality.
func AtLeast(current, min string) bool {
	if strings.TrimSpace(min) == "" || strings.TrimSpace(current) == "" {
		return true
	}
	cv, cok := Parse(current)
	mv, mok := Parse(min)
	if cok && mok {
		return Compare(cv, mv) >= 0
	}
	return strings.TrimSpace(current) == strings.TrimSpace(min)
}

// FindApplicable picks, from a set of version tags, the highest one not
// above the device firmware. Non-numeric device firmware falls back to
// an exact tag match. The boolean is false when nothing applies.
func FindApplicable(tags []string, current string) (string, bool) {
	cv, cok := Parse(current)
	if !cok {
		want := strings.TrimSpace(current)
		for _, t := range tags {
			if strings.TrimSpace(t) == want {
				return t, true
			}
		}
		return "", false
	}
	best := ""
	var bestV []int
	for _, t := range tags {
		tv, ok := Parse(t)
		if !ok || Compare(tv, cv) > 0 {
			continue
		}
		if best == "" || Compare(tv, bestV) > 0 {
			best, bestV = t, tv
		}
	}
	return best, best != ""
}

// Latest returns the highest numeric tag from known versions.
func Latest(tags []string) (string, bool) {
	best := ""
	var bestV []int
	for _, t := range tags {
		tv, ok := Parse(t)
		if !ok {
			continue
		}
		if best == "" || Compare(tv, bestV) > 0 {
			best, bestV = t, tv
		}
	}
	return best, best != ""
}

// Resolve expands the "Latest" alias a user may pick during setup into
// the highest known version; any other selection passes through.
func Resolve(selected string, known []string) string {
	if !strings.EqualFold(strings.TrimSpace(selected), "latest") {
		return selected
	}
	if best, ok := Latest(known); ok {
		return best
	}
	return selected
}
