package synctypes

import "strings"

// MatchesWildcard reports whether actual matches a filter pattern. A
// pattern ending in "*" matches any value sharing the prefix before the
// "*"; any other pattern must match exactly.
func MatchesWildcard(actual, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(actual, prefix)
	}
	return actual == pattern
}

func matchesAnyWildcard(actual string, patterns []string) bool {
	for _, pattern := range patterns {
		if MatchesWildcard(actual, pattern) {
			return true
		}
	}
	return false
}

func matchesAnyExact(actual string, values []string) bool {
	if actual == "" {
		return false
	}
	for _, v := range values {
		if v == actual {
			return true
		}
	}
	return false
}
