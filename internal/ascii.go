// Package internal holds ASCII helpers for header matching that must not
// follow Unicode case folding.
package internal

// lower returns the ASCII lowercase version of b.
func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}

	return b
}

// EqualFold is strings.EqualFold, ASCII only. It reports whether s and t
// are equal, ASCII-case-insensitively.
func EqualFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}

	for i := 0; i < len(s); i++ {
		if lower(s[i]) != lower(t[i]) {
			return false
		}
	}

	return true
}

// HasToken reports whether token appears within v, ASCII
// case-insensitive, with space or comma boundaries.
// token must be all lowercase.
// v may contain mixed cased.
func HasToken(v, token string) bool {
	if len(token) > len(v) || token == "" {
		return false
	}

	if v == token {
		return true
	}

	for sp := 0; sp <= len(v)-len(token); sp++ {
		// The token is ASCII, so one byte decides whether this start
		// position is worth a full comparison. b|0x20 folds uppercase;
		// false positives ('^' => '~') are caught by EqualFold.
		if b := v[sp]; b != token[0] && b|0x20 != token[0] {
			continue
		}

		if sp > 0 && !isTokenBoundary(v[sp-1]) {
			continue
		}

		if endPos := sp + len(token); endPos != len(v) && !isTokenBoundary(v[endPos]) {
			continue
		}

		if EqualFold(v[sp:sp+len(token)], token) {
			return true
		}
	}

	return false
}

func isTokenBoundary(b byte) bool {
	return b == ' ' || b == ',' || b == '\t'
}
