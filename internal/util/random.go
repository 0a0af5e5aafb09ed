// Package util provides utility functions for the CarePipe application.
package util

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 with optimal entropy utilization for non-cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateRandomDigits generates a random digits-only string of the specified
// length, suitable for pairing codes spoken aloud to a patient.
func GenerateRandomDigits(length int) string {
	if length <= 0 {
		return ""
	}

	const digits = "0123456789"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(digits[rand.IntN(len(digits))])
	}

	return builder.String()
}

// GenerateDeviceSecret generates a new opaque device credential.
// Secrets authenticate devices, so this uses crypto/rand rather than the
// non-cryptographic generators above.
func GenerateDeviceSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// GeneratePairingCode generates a 6-digit pairing code.
func GeneratePairingCode() string {
	return GenerateRandomDigits(6)
}

// GenerateEntityID generates a unique entity ID with the given prefix.
func GenerateEntityID(prefix string) string {
	return GenerateRandomID(prefix, 32)
}
