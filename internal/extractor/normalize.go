package extractor

import (
	"regexp"
	"strings"
	"unicode"
)

var spaceRun = regexp.MustCompile(`[ \t\x{00A0}\x{200F}\x{200E}]+`)

// arabicBlock is the Arabic Unicode block used for script classification.
var arabicBlock = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x0600, Hi: 0x06FF, Stride: 1}},
}

// IsArabic reports whether s contains any rune of the Arabic block.
func IsArabic(s string) bool {
	for _, r := range s {
		if unicode.Is(arabicBlock, r) {
			return true
		}
	}
	return false
}

// NormalizeDigits rewrites Arabic-Indic and Eastern Arabic-Indic digits as ASCII.
func NormalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x0660 && r <= 0x0669:
			return '0' + (r - 0x0660)
		case r >= 0x06F0 && r <= 0x06F9:
			return '0' + (r - 0x06F0)
		}
		return r
	}, s)
}

// normalizeLines collapses whitespace per line and drops empty lines.
func normalizeLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	raw = NormalizeDigits(raw)

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Normalize returns raw OCR text with whitespace and digits normalized.
func Normalize(raw string) string {
	return strings.Join(normalizeLines(raw), "\n")
}

// Snippet returns at most n runes of s.
func Snippet(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
