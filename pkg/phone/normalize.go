// Package phone reduces phone numbers to the comparison keys used for
// matching calls against telephony server channels.
package phone

import (
	"strings"
	"unicode"
)

// KeyLength is the number of trailing digits that identify a number.
const KeyLength = 7

// Digits strips every character that is not an ASCII decimal digit.
func Digits(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, r := range raw {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Normalize returns the last KeyLength digits of raw, or all of its digits
// when there are fewer. An empty result means raw can never match anything.
func Normalize(raw string) string {
	digits := Digits(raw)
	if len(digits) >= KeyLength {
		return digits[len(digits)-KeyLength:]
	}
	return digits
}
