package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeLine returns s in NFC with control characters dropped and runs of
// whitespace collapsed to one space.
func NormalizeLine(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeLines normalizes every line and drops the empty ones.
func NormalizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if n := NormalizeLine(line); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Fold returns the comparison form of s: normalized and lower-cased.
func Fold(s string) string {
	return strings.ToLower(NormalizeLine(s))
}

var quotePairs = [][2]rune{{'"', '"'}, {'\'', '\''}, {'“', '”'}, {'‘', '’'}, {'«', '»'}}

// QuotedLabels returns the distinct quoted spans in s, which is how step
// instructions name UI elements.
func QuotedLabels(s string) []string {
	var labels []string
	seen := map[string]struct{}{}
	runes := []rune(norm.NFC.String(s))
	for i := 0; i < len(runes); i++ {
		closer, ok := closingQuote(runes[i])
		if !ok {
			continue
		}
		// An apostrophe inside a word is not a quote.
		if runes[i] == '\'' && i > 0 && unicode.IsLetter(runes[i-1]) {
			continue
		}
		for j := i + 1; j < len(runes); j++ {
			if runes[j] != closer {
				continue
			}
			label := NormalizeLine(string(runes[i+1 : j]))
			if label != "" {
				if _, dup := seen[label]; !dup {
					seen[label] = struct{}{}
					labels = append(labels, label)
				}
			}
			i = j
			break
		}
	}
	return labels
}

func closingQuote(r rune) (rune, bool) {
	for _, pair := range quotePairs {
		if pair[0] == r {
			return pair[1], true
		}
	}
	return 0, false
}

// MissingLabels returns the labels that do not occur in any evidence line,
// compared case-insensitively after normalization.
func MissingLabels(labels []string, evidence []string) []string {
	folded := make([]string, 0, len(evidence))
	for _, line := range evidence {
		folded = append(folded, Fold(line))
	}
	var missing []string
	for _, label := range labels {
		needle := Fold(label)
		found := false
		for _, hay := range folded {
			if strings.Contains(hay, needle) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, label)
		}
	}
	return missing
}
