// Package normalize prepares assistant text for speech synthesis.
//
// LLM replies arrive with markdown decoration and symbols that sound wrong
// when read aloud. Voice strips the decoration, spells out a few common
// symbols, and collapses whitespace so the synthesizer receives plain
// speakable words. It is a pure function over the input string.
package normalize

import (
	"regexp"
	"strings"
)

var (
	codeFenceRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`([^`]*)`")
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRe     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	emphasisRe   = regexp.MustCompile(`(\*\*|__|\*|_)([^*_]+)(\*\*|__|\*|_)`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// symbolReplacer spells out symbols the synthesizer mispronounces.
var symbolReplacer = strings.NewReplacer(
	"&", " and ",
	"%", " percent",
	"~", " about ",
)

// Voice converts assistant markdown into speakable plain text.
func Voice(text string) string {
	s := codeFenceRe.ReplaceAllString(text, " ")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = headingRe.ReplaceAllString(s, "")
	s = bulletRe.ReplaceAllString(s, "")
	s = emphasisRe.ReplaceAllString(s, "$2")
	s = symbolReplacer.Replace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
