package compact

import (
	"strconv"
	"unicode/utf8"
)

// groupInt formats n with comma separators ("180000" -> "180,000").
func groupInt(n int) string {
	s := strconv.Itoa(n)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

// truncateText limits text to maxChars runes with ellipsis. Cuts land on
// rune boundaries so multi-byte text stays valid UTF-8.
func truncateText(text string, maxChars int) string {
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return firstRunes(text, maxChars)
	}
	return firstRunes(text, maxChars-3) + "..."
}

// firstRunes returns the first n runes of s.
func firstRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
