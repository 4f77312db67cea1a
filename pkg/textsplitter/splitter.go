// Package textsplitter provides text segmentation and token accounting
// helpers. Parsers use Split to break oversized blocks into elements;
// the embedding engine uses the token helpers for budget packing.
package textsplitter

import (
	"strings"
	"unicode"
)

// separators in preference order: paragraph, line, sentence, word.
var separators = []string{"\n\n", "\n", ". ", " "}

// Split breaks text into segments of at most maxChars characters,
// preferring paragraph, then line, then sentence, then word boundaries.
// Segments are trimmed and never overlap; empty segments are dropped.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 4000
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	return splitAt(trimmed, separators, maxChars)
}

func splitAt(text string, seps []string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	if len(seps) == 0 {
		return splitHard(text, maxChars)
	}

	sep := seps[0]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return splitAt(text, seps[1:], maxChars)
	}

	var segments []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	for i, part := range parts {
		piece := part
		if i < len(parts)-1 {
			piece += sep
		}
		if current.Len() > 0 && current.Len()+len(piece) > maxChars {
			flush()
		}
		current.WriteString(piece)
	}
	flush()

	// Segments still over the limit recurse on finer separators.
	var out []string
	for _, s := range segments {
		if len(s) > maxChars {
			out = append(out, splitAt(s, seps[1:], maxChars)...)
		} else {
			out = append(out, s)
		}
	}
	return out
}

// splitHard cuts at rune boundaries when no separator fits, backing up to
// the nearest space where possible.
func splitHard(text string, maxChars int) []string {
	var segments []string
	runes := []rune(text)

	for start := 0; start < len(runes); {
		end := start + maxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			cut := end
			for cut > start && !unicode.IsSpace(runes[cut]) {
				cut--
			}
			if cut > start {
				end = cut
			}
		}

		s := strings.TrimSpace(string(runes[start:end]))
		if s != "" {
			segments = append(segments, s)
		}
		start = end
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
	}

	return segments
}
