// Package palette assigns profile colours to new accounts.
package palette

import "math/rand/v2"

// Colors is the pool new accounts draw their profile colour from.
var Colors = []string{
	"#a8dadc", "#ff9f9f", "#9acbff", "#ffcc88", "#f4e1a1",
	"#d8b7d1", "#d7b0f7", "#e5d1b4", "#a6c1e1", "#ffbdbd",
}

// Fallback is used by views when an account has no colour stored.
const Fallback = "#a8dadc"

// Pick returns a colour from Colors chosen with r.
// A nil r returns Fallback so callers never need a global source.
func Pick(r *rand.Rand) string {
	if r == nil {
		return Fallback
	}
	return Colors[r.IntN(len(Colors))]
}

// Valid reports whether c is one of the pool colours.
func Valid(c string) bool {
	for _, p := range Colors {
		if p == c {
			return true
		}
	}
	return false
}
