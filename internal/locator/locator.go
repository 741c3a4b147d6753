// Package locator resolves the character range of a package's version
// literal inside manifest text, per ecosystem.
package locator

import (
	"fmt"
	"regexp"
	"unicode/utf16"
	"unicode/utf8"

	lsp "github.com/sourcegraph/go-lsp"
)

// patternsFor returns the ordered list of candidate patterns for an
// ecosystem, each compiled from a package name already escaped for regex
// substitution. The first pattern whose named "ver" group captures a
// non-empty match wins.
func patternsFor(ecosystem, escapedPkg string) []string {
	switch ecosystem {
	case "npm":
		return []string{
			fmt.Sprintf(`"%s"\s*:\s*"(?P<ver>[^"]+)"`, escapedPkg),
		}
	case "pypi", "pip", "python":
		return []string{
			fmt.Sprintf(`(?m)^\s*%s\s*[=<>!~]+\s*(?P<ver>[^\s#]+)`, escapedPkg),
		}
	case "cargo", "rust":
		return []string{
			fmt.Sprintf(`(?m)^\s*%s\s*=\s*"(?P<ver>[^"]+)"`, escapedPkg),
			fmt.Sprintf(`(?m)^\s*%s\s*=\s*\{[^}]*version\s*=\s*"(?P<ver>[^"]+)"`, escapedPkg),
		}
	default:
		return nil
	}
}

// Locate returns the half-open range covering pkg's version literal inside
// text, under the conventions of ecosystem. The second return value is
// false when no pattern matched, the pattern had no "ver" capture, or the
// capture was empty (version spans must never be zero-width).
func Locate(text, ecosystem, pkg string) (lsp.Range, bool) {
	escaped := regexp.QuoteMeta(pkg)
	for _, pattern := range patternsFor(ecosystem, escaped) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		loc := re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		idx := re.SubexpIndex("ver")
		if idx < 0 || loc[2*idx] < 0 {
			continue
		}
		start, end := loc[2*idx], loc[2*idx+1]
		if start == end {
			continue
		}
		return spanToRange(text, start, end), true
	}
	return lsp.Range{}, false
}

// spanToRange converts a pair of byte offsets into text into an LSP range,
// counting lines and UTF-16 code units rather than bytes or runes.
func spanToRange(text string, start, end int) lsp.Range {
	startLine, startCol := offsetToPosition(text, start)
	endLine, endCol := offsetToPosition(text, end)
	return lsp.Range{
		Start: lsp.Position{Line: startLine, Character: startCol},
		End:   lsp.Position{Line: endLine, Character: endCol},
	}
}

// offsetToPosition walks text from the beginning counting newlines to
// determine the line, and UTF-16 code units on the current line to
// determine the column, stopping at the given byte offset. LSP positions
// are always expressed in UTF-16 code units: characters outside the Basic
// Multilingual Plane count as two columns, never as one byte or one rune.
func offsetToPosition(text string, offset int) (line, col int) {
	count := 0
	for count < offset && count < len(text) {
		r, size := utf8.DecodeRuneInString(text[count:])
		if r == '\n' {
			line++
			col = 0
		} else if r1, r2 := utf16.EncodeRune(r); r1 == utf16.RuneError && r2 == utf16.RuneError {
			col++
		} else {
			col += 2
		}
		count += size
	}
	return line, col
}
