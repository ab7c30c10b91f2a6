package pipeline

import (
	"strconv"
	"strings"
)

// ParsePrice extracts an integer won amount from a displayed price by keeping
// only its digits. It reports false when no digits remain.
func ParsePrice(raw string) (int64, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatPrice renders an amount with thousands separators and the won suffix,
// e.g. 12340 -> "12,340원".
func FormatPrice(n int64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	digits := strconv.FormatInt(n, 10)

	var b strings.Builder
	b.WriteString(sign)
	lead := len(digits) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(digits[:lead])
	for i := lead; i < len(digits); i += 3 {
		b.WriteByte(',')
		b.WriteString(digits[i : i+3])
	}
	b.WriteString("원")
	return b.String()
}
