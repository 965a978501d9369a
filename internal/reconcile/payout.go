package reconcile

import (
	"strconv"
	"strings"
)

// ParsePayout turns a formatted payout string ("1 234,50 €", "1200.00")
// into a numeric amount. The comma-vs-dot decision is heuristic: a
// trailing comma group of one or two digits past the final dot is
// treated as a European decimal, anything else as a thousands
// separator. Unparsable input yields nil, never an error: a payout
// that cannot be read is a missing price, not a broken import.
func ParsePayout(text string) *float64 {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return nil
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma > lastDot:
		tail := s[lastComma+1:]
		if len(tail) >= 1 && len(tail) <= 2 && digitsOnly(tail) {
			// European decimal comma; everything before it is integer
			// part with optional thousands separators.
			head := strings.NewReplacer(",", "", ".", "").Replace(s[:lastComma])
			s = head + "." + tail
		} else {
			// Comma as thousands separator.
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Dotted decimal with comma thousands ("1,234.56").
		s = strings.ReplaceAll(s, ",", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
