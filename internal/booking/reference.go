package booking

import (
	"crypto/rand"
	"math/big"
)

const (
	referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// ReferenceLength is the fixed length of a booking reference.
	ReferenceLength = 12
)

var alphabetSize = big.NewInt(int64(len(referenceAlphabet)))

// NewReference returns a random booking reference of ReferenceLength
// characters drawn uniformly from A-Z and 0-9.
func NewReference() (string, error) {
	buf := make([]byte, ReferenceLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		buf[i] = referenceAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidReference reports whether s has the shape of a booking reference.
func ValidReference(s string) bool {
	if len(s) != ReferenceLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
