package utils

import "strings"

// Glob reports whether value matches pattern. A '*' in pattern matches any
// sequence of characters (including none) and '?' matches exactly one.
func Glob(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == value
	}
	pIndex, vIndex := 0, 0
	starP, starV := -1, 0
	for vIndex < len(value) {
		switch {
		case pIndex < len(pattern) && (pattern[pIndex] == '?' || pattern[pIndex] == value[vIndex]):
			pIndex++
			vIndex++
		case pIndex < len(pattern) && pattern[pIndex] == '*':
			// remember the star and try matching zero characters first
			starP, starV = pIndex, vIndex
			pIndex++
		case starP >= 0:
			starV++
			pIndex, vIndex = starP+1, starV
		default:
			return false
		}
	}
	for pIndex < len(pattern) && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == len(pattern)
}

// GlobAny reports whether value matches at least one of patterns.
func GlobAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Glob(p, value) {
			return true
		}
	}
	return false
}

// IsWildcard reports whether s contains glob metacharacters.
func IsWildcard(s string) bool { return strings.ContainsAny(s, "*?") }
