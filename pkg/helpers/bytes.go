package helpers

import "crypto/subtle"

// ConstantTimeEqualString compares two strings in constant time.
// Strings of different length compare unequal.
func ConstantTimeEqualString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
