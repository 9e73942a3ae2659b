package utils

import "strings"

// NormalizePlate returns the canonical plate form: uppercase ASCII letters and
// digits only. The result is stable under repeated application.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(plate) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CleanPlate uppercases a raw camera reading and strips whitespace, keeping
// any punctuation the camera reported. Used for display and responses.
func CleanPlate(plate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(plate), ""))
}
