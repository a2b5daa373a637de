package lnurl

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const k1Bytes = 32

// GenerateK1 returns 32 random bytes hex-encoded (64 characters).
func GenerateK1() (string, error) {
	b := make([]byte, k1Bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func ValidK1(k1 string) bool {
	if len(k1) != k1Bytes*2 {
		return false
	}
	_, err := hex.DecodeString(k1)
	return err == nil
}
