// Package security implements the 3-stage rule engine that validates input
// text, tool-call arguments, and output text against a curated rule pack.
package security

import (
	"regexp"
	"strings"
)

// zero-width characters stripped before matching: they are the cheapest way
// to split a trigger token.
var zeroWidth = strings.NewReplacer(
	"​", "", // zero width space
	"‌", "", // zero width non-joiner
	"‍", "", // zero width joiner
	"\ufeff", "", // byte order mark
	"⁠", "", // word joiner
	"­", "", // soft hyphen
)

var (
	wsRe        = regexp.MustCompile(`\s+`)
	separatorRe = regexp.MustCompile("[\\s\\-+_`'\".,:;|/\\\\]+")
)

// Normalized holds precomputed views of one text payload.
type Normalized struct {
	Original string
	Lowered  string
	// Compact removes separators entirely to defeat split-token bypasses
	// ("i g n o r e" → "ignore").
	Compact string
}

// Normalize reduces simple obfuscation: zero-width removal, whitespace
// collapsing, lowercase view, and a separator-free compact view.
func Normalize(text string) Normalized {
	n := zeroWidth.Replace(text)
	n = strings.TrimSpace(wsRe.ReplaceAllString(n, " "))
	lowered := strings.ToLower(n)
	return Normalized{
		Original: text,
		Lowered:  lowered,
		Compact:  separatorRe.ReplaceAllString(lowered, ""),
	}
}
