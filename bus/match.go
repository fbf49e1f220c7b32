package bus

import "strings"

// matchType reports whether an event type matches a subscription pattern.
// Patterns are dot separated; "*" matches one segment and "#" matches zero or
// more, so "permission.#" subscribes to every permission event.
func matchType(pattern, eventType string) bool {
	if pattern == eventType || pattern == "#" {
		return true
	}
	if !strings.ContainsAny(pattern, "*#") {
		return false
	}
	p := strings.Split(pattern, ".")
	t := strings.Split(eventType, ".")

	// prev[j]: pattern consumed so far matches the first j topic segments
	prev := make([]bool, len(t)+1)
	cur := make([]bool, len(t)+1)
	prev[0] = true
	for _, seg := range p {
		cur[0] = seg == "#" && prev[0]
		for j := 1; j <= len(t); j++ {
			switch seg {
			case "#":
				cur[j] = prev[j] || cur[j-1]
			case "*":
				cur[j] = prev[j-1]
			default:
				cur[j] = prev[j-1] && seg == t[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(t)]
}
