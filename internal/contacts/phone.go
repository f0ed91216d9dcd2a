package contacts

import "strings"

const minDigits = 6

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalize reduces phone to a canonical digit string. Numbers starting with
// "+" or "00" are taken as international; a leading trunk "0" is dropped when
// a default country code is configured.
func normalize(phone, countryCode string) string {
	p := strings.TrimSpace(phone)
	international := strings.HasPrefix(p, "+") || strings.HasPrefix(p, "00")
	d := digits(p)
	if strings.HasPrefix(p, "00") {
		d = strings.TrimPrefix(d, "00")
	}
	if len(d) < minDigits {
		return ""
	}
	if international || countryCode == "" {
		return d
	}
	if strings.HasPrefix(d, countryCode) && len(d) > 10 {
		return d
	}
	return countryCode + strings.TrimPrefix(d, "0")
}

// FormatPhone renders phone for display. North American numbers get
// "+1 (555) 123-4567"; others "+<code> <rest>" grouped in threes when the
// calling code is known, or "+<digits>" otherwise. Returns "" for input that
// is not a phone number.
func FormatPhone(phone, countryCode string) string {
	countryCode = digits(countryCode)
	d := normalize(phone, countryCode)
	if d == "" {
		return ""
	}
	if len(d) == 11 && d[0] == '1' {
		return "+1 (" + d[1:4] + ") " + d[4:7] + "-" + d[7:]
	}
	if countryCode != "" && strings.HasPrefix(d, countryCode) {
		return "+" + countryCode + " " + group(d[len(countryCode):])
	}
	return "+" + d
}

func group(d string) string {
	var parts []string
	for len(d) > 4 {
		parts = append(parts, d[:3])
		d = d[3:]
	}
	parts = append(parts, d)
	return strings.Join(parts, " ")
}
