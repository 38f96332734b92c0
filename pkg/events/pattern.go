package events

import "strings"

// Wildcard matches every event.
const Wildcard = "*"

const prefixWildcardSuffix = ":*"

// Pattern selects events for a subscriber: an exact name, "*", or "<prefix>:*".
type Pattern string

// Matches reports whether name is selected by p. A prefix pattern matches any
// name that starts with the text before ":*".
func (p Pattern) Matches(name string) bool {
	s := string(p)
	switch {
	case s == Wildcard:
		return true
	case strings.HasSuffix(s, prefixWildcardSuffix):
		return strings.HasPrefix(name, strings.TrimSuffix(s, prefixWildcardSuffix))
	default:
		return s == name
	}
}

// Valid reports whether p is non-empty and has no wildcard outside the allowed forms.
func (p Pattern) Valid() bool {
	s := string(p)
	if s == "" {
		return false
	}
	if s == Wildcard {
		return true
	}
	body := strings.TrimSuffix(s, prefixWildcardSuffix)
	return body != "" && !strings.Contains(body, "*")
}
