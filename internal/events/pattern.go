package events

import "strings"

// MatchPattern reports whether a dotted event type matches a glob
// pattern. `*` matches exactly one segment; a trailing `**` matches any
// remaining segments; the bare patterns `*` and `**` match everything.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}

	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(eventType, ".")

	for i, p := range pSegs {
		if p == "**" {
			return true
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
