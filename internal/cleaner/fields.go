package cleaner

import (
	"strconv"
	"strings"
	"unicode"
)

// rawKey folds a raw column name: lowercased with spaces and dashes as
// underscores.
func rawKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

// rawField returns the first non-empty raw value among keys.
func rawField(fields map[string]string, keys ...string) string {
	if len(fields) == 0 {
		return ""
	}
	folded := make(map[string]string, len(fields))
	for k, v := range fields {
		folded[rawKey(k)] = v
	}
	for _, k := range keys {
		if v := strings.TrimSpace(folded[k]); v != "" {
			return v
		}
	}
	return ""
}

// NormalizePhone returns a phone number in +<digits> form. North American
// numbers get a +1 country code. Values that cannot be a phone number yield
// "".
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	// Drop extensions.
	lower := strings.ToLower(raw)
	for _, sep := range []string{" ext", "x", "#"} {
		if i := strings.Index(lower, sep); i > 0 {
			raw = raw[:i]
			lower = lower[:i]
		}
	}

	intl := strings.HasPrefix(raw, "+")
	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case !intl && len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	case intl && len(d) >= 8 && len(d) <= 15:
		return "+" + d
	}
	return ""
}

// parseYears reads a years-in-business value such as "12", "12 years" or
// "12+".
func parseYears(raw string) (int, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	end := strings.IndexFunc(raw, func(r rune) bool { return !unicode.IsDigit(r) })
	if end == 0 {
		return 0, false
	}
	if end > 0 {
		raw = raw[:end]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 200 {
		return 0, false
	}
	return n, true
}

// parseYear reads a four-digit founding year no later than current.
func parseYear(raw string, current int) (int, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 4 {
		raw = raw[:4]
	}
	y, err := strconv.Atoi(raw)
	if err != nil || y < 1800 || y > current {
		return 0, false
	}
	return y, true
}
