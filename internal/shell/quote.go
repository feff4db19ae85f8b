// Package shell quotes text for safe inclusion in POSIX shell command lines.
//
// Quoting is only needed for command text that is itself interpreted by a
// shell, such as a chmod line fed to a remote bash. Argument vectors handed to
// a local child process must never be joined into a string.
package shell

import (
	"strings"
)

// safeChars are characters that never need quoting.
const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789@%+=:,./-_"

// Quote returns s as a single shell token.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	// Use single quotes and escape any single quotes in the string
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes each token and joins them with single spaces.
func Join(tokens ...string) string {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = Quote(t)
	}
	return strings.Join(quoted, " ")
}

func isSafe(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(safeChars, r) {
			return false
		}
	}
	return true
}
