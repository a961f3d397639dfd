package types

import "strings"

// MatchTopic reports whether a concrete topic matches a subscription filter.
// '+' matches exactly one level and a trailing '#' matches any remainder,
// including none.
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
