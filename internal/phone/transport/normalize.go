package transport

import "strings"

// DefaultCountryPrefix is used when the configuration does not set one.
const DefaultCountryPrefix = "33"

// NormalizeDestination rewrites a dialed number to international form.
//
// Non-digits are dropped, a leading "00" international access code is
// removed, and a single leading national trunk "0" is replaced by
// countryPrefix. The result carries a "+" prefix. Numbers already in
// international form come back unchanged.
func NormalizeDestination(number, countryPrefix string) string {
	if countryPrefix == "" {
		countryPrefix = DefaultCountryPrefix
	}
	countryPrefix = strings.TrimLeft(countryPrefix, "+")

	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	international := strings.HasPrefix(strings.TrimSpace(number), "+")
	switch {
	case international:
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0"):
		digits = countryPrefix + digits[1:]
	}
	return "+" + digits
}
