// Package textutil provides UTF-8-safe truncation and paragraph
// helpers shared by the mailbox, ego, and core packages.
package textutil

import (
	"strings"
	"unicode/utf8"
)

// SafeBoundary returns the largest index at or below byteIdx that is a
// valid UTF-8 rune boundary in s. Never splits a multi-byte character.
func SafeBoundary(s string, byteIdx int) int {
	if byteIdx >= len(s) {
		return len(s)
	}
	for byteIdx > 0 && !utf8.RuneStart(s[byteIdx]) {
		byteIdx--
	}
	return byteIdx
}

// Head returns at most maxBytes leading bytes of s, cut at a rune boundary.
func Head(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:SafeBoundary(s, maxBytes)]
}

// Tail returns at most maxBytes trailing bytes of s, cut at a rune boundary.
func Tail(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	start := SafeBoundary(s, len(s)-maxBytes)
	// Backing up for the boundary can only shrink the cut point, which
	// would grow the tail past maxBytes; advance to the next rune instead.
	for len(s)-start > maxBytes && start < len(s) {
		_, size := utf8.DecodeRuneInString(s[start:])
		start += size
	}
	return s[start:]
}

// TailParagraphs returns the last n "\n\n"-delimited paragraphs of s.
func TailParagraphs(s string, n int) string {
	if s == "" || n == 0 {
		return ""
	}
	blocks := strings.Split(s, "\n\n")
	start := len(blocks) - n
	if start < 0 {
		start = 0
	}
	return strings.Join(blocks[start:], "\n\n")
}

// EstimateTokens approximates the token count of text as bytes/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}
