package sms

import "strings"

// NormalizeE164 applies the normalization rule from spec.md §4.3: strip
// everything but digits, then prefix +1 for a bare 10-digit number, + for
// an 11-digit number already carrying a leading country code 1, and + for
// anything else. It is idempotent: normalizing an already-normalized number
// returns it unchanged (spec.md §8 invariant 6).
func NormalizeE164(value string) string {
	digits := digitsOnly(value)
	if digits == "" {
		return ""
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	default:
		return "+" + digits
	}
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
