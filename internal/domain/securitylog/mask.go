package securitylog

import "strings"

// MaskCredential keeps the first two characters of a credential and replaces
// the rest with '*'. Length is preserved so masked values stay comparable.
func MaskCredential(credential string) string {
	runes := []rune(credential)
	if len(runes) <= 2 {
		return string(runes)
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-2)
}
